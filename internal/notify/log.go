package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSender writes notices to the log instead of sending them. Used for dry runs.
type LogSender struct {
	Log zerolog.Logger
}

func NewLogSender(log zerolog.Logger) *LogSender { return &LogSender{Log: log} }

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.Log.Info().
		Str("recipient", msg.Recipient).
		Str("template", string(msg.Template)).
		Str("subject", msg.Subject).
		Str("notice", msg.Key).
		Msg("dry run: notice not sent")
	return nil
}
