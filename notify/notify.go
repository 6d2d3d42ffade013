// Package notify mails a finished archive to the configured recipients.
package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"
	"path/filepath"
	"strings"

	"github.com/jordan-wright/email"

	"github.com/use-agent/feedsnap/config"
	"github.com/use-agent/feedsnap/models"
)

// Mailer sends archives over implicit-TLS SMTP.
type Mailer struct {
	cfg  config.MailConfig
	send func(e *email.Email, addr string, a smtp.Auth, t *tls.Config) error
}

// New returns a Mailer for cfg.
func New(cfg config.MailConfig) *Mailer {
	return &Mailer{
		cfg: cfg,
		send: func(e *email.Email, addr string, a smtp.Auth, t *tls.Config) error {
			return e.SendWithTLS(addr, a, t)
		},
	}
}

// Message builds the mail for archivePath: subject is the archive's base
// name and the zip is the only attachment.
func (m *Mailer) Message(archivePath string) (*email.Email, error) {
	if m.cfg.From == "" || len(m.cfg.To) == 0 {
		return nil, errors.New("mail sender and recipients are required")
	}
	name := filepath.Base(archivePath)

	mail := email.NewEmail()
	mail.From = m.cfg.From
	mail.To = m.cfg.To
	mail.Subject = name
	mail.Text = []byte(fmt.Sprintf("Feed snapshot archive %s is attached.\n", name))
	if _, err := mail.AttachFile(archivePath); err != nil {
		return nil, fmt.Errorf("attach %s: %w", name, err)
	}
	return mail, nil
}

// Send delivers archivePath. Failures are reported as DELIVERY_FAILED.
func (m *Mailer) Send(ctx context.Context, archivePath string) error {
	if err := ctx.Err(); err != nil {
		return models.NewCaptureError(models.ErrCodeDelivery, "delivery cancelled", err)
	}
	mail, err := m.Message(archivePath)
	if err != nil {
		return models.NewCaptureError(models.ErrCodeDelivery, "build message", err)
	}

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	auth := smtp.PlainAuth("", m.cfg.From, m.cfg.Password, m.cfg.Host)
	tlsCfg := &tls.Config{
		ServerName:         m.cfg.Host,
		InsecureSkipVerify: m.cfg.InsecureSkipVerify,
	}

	err = m.send(mail, addr, auth, tlsCfg)
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = m.send(mail, addr, nil, tlsCfg)
	}
	if err != nil {
		return models.NewCaptureError(models.ErrCodeDelivery, "send mail via "+addr, err)
	}
	slog.Info("archive mailed", "archive", filepath.Base(archivePath), "to", m.cfg.To)
	return nil
}
