// Package notify sends renewal-warning emails over SMTP.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	gomail "gopkg.in/gomail.v2"
)

var reminderTmpl = template.Must(template.New("reminder").Parse(`<html>
<body>
	<p>Your package <b>{{.Title}}</b> has not received new tracking data for a while.</p>
	<p>If you still want to track it, renew it within the next few days or it
	will be removed automatically.</p>
	<p><a href="{{.Hostname}}/v1/packages/{{.PackageID}}/renew">Renew this package</a></p>
</body>
</html>`))

// Config holds SMTP transport settings and the link hostname used in
// email bodies.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Hostname string
}

// SMTPNotifier implements tracker.Notifier over a gomail dialer. Each send
// dials a fresh connection; reminder volume is far too low to justify a
// persistent session.
type SMTPNotifier struct {
	cfg    Config
	dialer *gomail.Dialer
}

// New constructs an SMTPNotifier.
func New(cfg Config) (*SMTPNotifier, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, fmt.Errorf("smtp host and from address are required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 465
	}
	return &SMTPNotifier{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}, nil
}

// SendPackageReminder emails the owner that their package may be deleted
// soon.
func (n *SMTPNotifier) SendPackageReminder(ctx context.Context, email, packageTitle string, packageID int64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("reminder canceled: %w", err)
	}

	var body bytes.Buffer
	err := reminderTmpl.Execute(&body, struct {
		Title     string
		Hostname  string
		PackageID int64
	}{
		Title:     packageTitle,
		Hostname:  n.cfg.Hostname,
		PackageID: packageID,
	})
	if err != nil {
		return fmt.Errorf("render reminder body: %w", err)
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", n.cfg.From)
	msg.SetHeader("To", email)
	msg.SetHeader("Subject", "Outdated package")
	msg.SetBody("text/html", body.String())

	if err := n.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send reminder to %s: %w", email, err)
	}
	return nil
}

// Nop is a tracker.Notifier that drops reminders. Used when outbound mail
// is not configured.
type Nop struct{}

// SendPackageReminder discards the reminder.
func (Nop) SendPackageReminder(context.Context, string, string, int64) error {
	return nil
}
