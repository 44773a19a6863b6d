package notify

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"

	"mash/internal/apperrors"
)

// Message is one notification mail.
type Message struct {
	JobID   string
	To      string
	Subject string
	Body    string
}

// Mailer delivers a single message synchronously.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
	// Host identifies the relay for circuit breaking.
	Host() string
}

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     int
	SSL      bool
	User     string
	Password string
	From     string
}

// SMTPMailer sends mail through an SMTP relay. A new connection is made for
// every message.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer creates a mailer. No connection is made until Send.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	if cfg.From == "" {
		cfg.From = cfg.User
	}
	return &SMTPMailer{cfg: cfg}
}

// Host returns host:port of the relay.
func (m *SMTPMailer) Host() string {
	return fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
}

// Send implements Mailer.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	em := mail.NewMsg()
	if err := em.From(m.cfg.From); err != nil {
		return apperrors.Validation("notification_from", err.Error())
	}
	if err := em.To(msg.To); err != nil {
		return apperrors.Validation("notification_email", err.Error())
	}
	em.Subject(msg.Subject)
	em.SetBodyString(mail.TypeTextPlain, msg.Body)

	opts := []mail.Option{mail.WithPort(m.cfg.Port)}
	if m.cfg.SSL {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if m.cfg.User != "" && m.cfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.User),
			mail.WithPassword(m.cfg.Password),
		)
	}

	client, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return apperrors.Connection("smtp client", err)
	}
	if err := client.DialAndSendWithContext(ctx, em); err != nil {
		return apperrors.Connection("smtp send", err)
	}
	return nil
}

var _ Mailer = (*SMTPMailer)(nil)
