package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/textproto"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
)

var (
	ErrNoFromAddress = errors.New("no 'from' address defined")
	ErrNoSmarthost   = errors.New("smarthost is not defined")
)

// SMTPConfig configures SMTPSender.
type SMTPConfig struct {
	From      string
	Smarthost string // host:port
	Hello     string
	Username  string
	Password  string
	Timeout   time.Duration
}

// SMTPSender delivers notices as multipart text/html mail through a smarthost.
type SMTPSender struct {
	cfg      SMTPConfig
	renderer *Renderer
	log      zerolog.Logger
	now      func() time.Time
	idDomain string
}

// NewSMTPSender validates cfg and creates a sender.
func NewSMTPSender(cfg SMTPConfig, renderer *Renderer, log zerolog.Logger) (*SMTPSender, error) {
	if cfg.From == "" {
		return nil, ErrNoFromAddress
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("parse 'from' address: %w", err)
	}
	if cfg.Smarthost == "" {
		return nil, ErrNoSmarthost
	}
	if _, _, err := net.SplitHostPort(cfg.Smarthost); err != nil {
		return nil, fmt.Errorf("smarthost %q: %w", cfg.Smarthost, err)
	}
	if cfg.Hello == "" {
		cfg.Hello = "localhost"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPSender{cfg: cfg, renderer: renderer, log: log, now: time.Now, idDomain: addressDomain(cfg.From)}, nil
}

// Send renders msg and transmits it. Every failure wraps ErrNotificationSend.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := s.send(ctx, msg); err != nil {
		return fmt.Errorf("%w: %s to %s: %v", ErrNotificationSend, msg.Template, msg.Recipient, err)
	}
	return nil
}

func (s *SMTPSender) send(ctx context.Context, msg Message) error {
	to, err := mail.ParseAddress(msg.Recipient)
	if err != nil {
		return fmt.Errorf("parse 'to' address: %w", err)
	}
	htmlBody, textBody, err := s.renderer.Render(msg.Template, msg.Context)
	if err != nil {
		return err
	}
	body, err := s.compose(msg, to.Address, htmlBody, textBody)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.cfg.Smarthost)
	if err != nil {
		return fmt.Errorf("establish connection to server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c := smtp.NewClient(conn)
	defer func() {
		if err := c.Quit(); err != nil {
			_ = c.Close()
		}
	}()

	if err := c.Hello(s.cfg.Hello); err != nil {
		return fmt.Errorf("server handshake: %w", err)
	}
	if s.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("server does not support AUTH")
		}
		if err := c.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return fmt.Errorf("plain auth: %w", err)
		}
	}

	from, _ := mail.ParseAddress(s.cfg.From)
	if err := c.Mail(from.Address, nil); err != nil {
		return fmt.Errorf("sender identification: %w", err)
	}
	if err := c.Rcpt(to.Address, nil); err != nil {
		return fmt.Errorf("recipient designation: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("message transmission: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish message: %w", err)
	}

	s.log.Debug().Str("recipient", to.Address).Str("notice", msg.Key).Msg("notice sent")
	return nil
}

func (s *SMTPSender) compose(msg Message, to, htmlBody, textBody string) ([]byte, error) {
	var (
		head  bytes.Buffer
		parts bytes.Buffer
	)
	mw := multipart.NewWriter(&parts)

	fmt.Fprintf(&head, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&head, "To: %s\r\n", to)
	fmt.Fprintf(&head, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	if msg.Key != "" {
		fmt.Fprintf(&head, "Message-Id: %s\r\n", MessageID(msg.Key, s.idDomain))
	}
	fmt.Fprintf(&head, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	fmt.Fprintf(&head, "Content-Type: multipart/alternative; boundary=%s\r\n", mw.Boundary())
	fmt.Fprintf(&head, "MIME-Version: 1.0\r\n\r\n")

	// Preferred body placed last per RFC 2046 section 5.1.4.
	for _, part := range []struct{ contentType, body string }{
		{"text/plain; charset=UTF-8", textBody},
		{"text/html; charset=UTF-8", htmlBody},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Transfer-Encoding": {"quoted-printable"},
			"Content-Type":              {part.contentType},
		})
		if err != nil {
			return nil, fmt.Errorf("create %s part: %w", part.contentType, err)
		}
		qw := quotedprintable.NewWriter(w)
		if _, err := qw.Write([]byte(part.body)); err != nil {
			return nil, fmt.Errorf("write %s part: %w", part.contentType, err)
		}
		if err := qw.Close(); err != nil {
			return nil, fmt.Errorf("close %s part: %w", part.contentType, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	return append(head.Bytes(), parts.Bytes()...), nil
}
