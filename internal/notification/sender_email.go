package notification

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"

	"github.com/domodwyer/mailyak/v3"
)

// emailSender delivers notifications via SMTP using mailyak. It reloads
// configuration on every Send call so changes made through the settings API
// take effect immediately without restarting the server.
type emailSender struct {
	loader func(ctx context.Context) (*SMTPConfig, error)
}

// newEmailSender creates an emailSender. loader is called on every Send to
// retrieve the current SMTP configuration from the settings repository.
func newEmailSender(loader func(ctx context.Context) (*SMTPConfig, error)) *emailSender {
	return &emailSender{loader: loader}
}

// Send delivers an HTML email to all provided recipient addresses. If SMTP is
// not configured (ErrConfigNotFound) the send is skipped silently — SMTP is
// optional in a self-hosted deployment. Any other error is wrapped in
// ErrSendFailed.
func (s *emailSender) Send(ctx context.Context, to []string, subject, htmlBody string) error {
	if len(to) == 0 {
		return nil
	}

	cfg, err := s.loader(ctx)
	if err != nil {
		if err == ErrConfigNotFound {
			return nil
		}
		return fmt.Errorf("%w: failed to load smtp config: %s", ErrSendFailed, err)
	}

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var mail *mailyak.MailYak
	if cfg.TLS {
		mail, err = mailyak.NewWithTLS(addr, auth, &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12})
		if err != nil {
			return fmt.Errorf("%w: failed to create tls mail client: %s", ErrSendFailed, err)
		}
	} else {
		mail = mailyak.New(addr, auth)
	}

	mail.To(to...)
	mail.From(cfg.From)
	mail.Subject(subject)
	mail.HTML().Set(htmlBody)

	done := make(chan error, 1)
	go func() {
		done <- mail.Send()
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %s", ErrSendFailed, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: mailyak send: %s", ErrSendFailed, err)
		}
	}

	return nil
}
