// Package notify renders account notices and delivers them by email, and
// sends operator alerts to Telegram.
package notify

import (
	"context"
	"errors"
	"fmt"

	"ClusterBank/internal/model"
)

// ErrNotificationSend wraps every delivery failure. The notice stays pending.
var ErrNotificationSend = errors.New("notification send failed")

// Message is one rendered-on-send notification.
type Message struct {
	Recipient string
	Template  model.NoticeKind
	Subject   string
	Context   model.NoticeContext
	// Key is the notice idempotency key; senders derive the Message-Id from it.
	Key string
}

// Sender delivers a notification to its recipient.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Subject returns the subject line for a notice kind.
func Subject(kind model.NoticeKind, account string) string {
	switch kind {
	case model.KindUsage:
		return fmt.Sprintf("Your account %s has exceeded a proposal threshold", account)
	case model.KindExpiringSoon:
		return fmt.Sprintf("Your proposal expiry reminder for account: %s", account)
	case model.KindExpired:
		return fmt.Sprintf("The account for %s has reached its end date", account)
	case model.KindOverdraft:
		return fmt.Sprintf("Your account %s has been locked after exhausting its allocation", account)
	default:
		return fmt.Sprintf("Allocation notice for account %s", account)
	}
}

// Recipient returns the mail address of an account.
func Recipient(account, domain string) string {
	return account + "@" + domain
}

// NewMessage builds the message for a queued notice.
func NewMessage(n model.Notice) Message {
	return Message{
		Recipient: n.Recipient,
		Template:  n.Kind,
		Subject:   Subject(n.Kind, n.Account),
		Context:   n.Context,
		Key:       n.Key,
	}
}
