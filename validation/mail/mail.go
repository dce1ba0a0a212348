// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package mail delivers validation tokens by email.
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	netmail "net/mail"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/element-hq/identity/internal"
	"github.com/element-hq/identity/setup/config"
)

const (
	messageIdByteLength = 48
	templateName        = "verification.eml"
)

type Mailer interface {
	// Send renders the verification template for the mail and delivers it.
	// A recipient which is malformed or refused by the relay is reported
	// as an *AddressError.
	Send(ctx context.Context, mail *Mail) error
}

// Mail is a verification email waiting to be rendered.
type Mail struct {
	To        string
	Link      string
	Token     string
	IPAddress string
	// Brand selects a per-brand template when one is configured.
	Brand string
}

type Substitutions struct {
	*Mail
	From      string
	Date      string
	MessageId string
}

// AddressError is returned when the recipient address cannot receive mail.
type AddressError struct {
	Address string
	Err     error
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("invalid email address %q: %s", e.Address, e.Err)
}

func (e *AddressError) Unwrap() error {
	return e.Err
}

// SmtpMailer is safe for concurrent use. Each mail is sent over its own
// connection and sends are serialised.
type SmtpMailer struct {
	conf      config.EmailConf
	templates map[string]*template.Template
	// sendMutex ensures only one SMTP conversation is in progress.
	sendMutex sync.Mutex
	dialer    net.Dialer
}

func NewMailer(c *config.EmailConf) (*SmtpMailer, error) {
	if err := validateLine(c.From); err != nil {
		return nil, err
	}
	templates, err := loadTemplates(c.TemplatesPath, c.Brands)
	if err != nil {
		return nil, err
	}
	return &SmtpMailer{
		conf:      *c,
		templates: templates,
		dialer:    net.Dialer{Timeout: 30 * time.Second},
	}, nil
}

// loadTemplates reads the default template and one template per brand. The
// default template is stored under the empty brand.
func loadTemplates(dir string, brands []string) (map[string]*template.Template, error) {
	templates := make(map[string]*template.Template, len(brands)+1)
	for _, brand := range append([]string{""}, brands...) {
		path := filepath.Join(dir, brand, templateName)
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		t, err := template.New(brand + "/" + templateName).Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		templates[brand] = t
	}
	return templates, nil
}

func (m *SmtpMailer) Send(ctx context.Context, mail *Mail) error {
	addr, err := netmail.ParseAddress(mail.To)
	if err != nil {
		return &AddressError{Address: mail.To, Err: err}
	}
	if addr.Address != mail.To {
		return &AddressError{Address: mail.To, Err: errors.New("address must not carry a display name")}
	}
	msg, err := m.render(mail, time.Now())
	if err != nil {
		return err
	}

	// lock at the point when data are prepared and we are executing commands
	m.sendMutex.Lock()
	defer m.sendMutex.Unlock()

	cl, err := m.dial(ctx)
	if err != nil {
		return err
	}
	defer cl.Close() // nolint: errcheck

	if err = cl.Mail(m.conf.From); err != nil {
		return err
	}
	if err = cl.Rcpt(mail.To); err != nil {
		var protoErr *textproto.Error
		if errors.As(err, &protoErr) && protoErr.Code >= 500 {
			return &AddressError{Address: mail.To, Err: err}
		}
		return err
	}
	var w io.WriteCloser
	w, err = cl.Data()
	if err != nil {
		return err
	}
	if _, err = w.Write(msg); err != nil {
		return err
	}
	if err = w.Close(); err != nil {
		return err
	}
	return cl.Quit()
}

func (m *SmtpMailer) dial(ctx context.Context) (*smtp.Client, error) {
	conn, err := m.dialer.DialContext(ctx, "tcp", m.conf.Smtp.Host)
	if err != nil {
		return nil, err
	}
	host, _, err := net.SplitHostPort(m.conf.Smtp.Host)
	if err != nil {
		host = m.conf.Smtp.Host
	}
	cl, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err = cl.Hello("localhost"); err != nil {
		_ = cl.Close()
		return nil, err
	}
	if ok, _ := cl.Extension("STARTTLS"); ok {
		if err = cl.StartTLS(&tls.Config{ServerName: host}); err != nil {
			_ = cl.Close()
			return nil, err
		}
	}
	if m.conf.Smtp.User != "" {
		auth := smtp.PlainAuth("", m.conf.Smtp.User, m.conf.Smtp.Password, host)
		if err = cl.Auth(auth); err != nil {
			_ = cl.Close()
			return nil, err
		}
	}
	return cl, nil
}

// render produces the full message, headers included, for the mail.
func (m *SmtpMailer) render(mail *Mail, now time.Time) ([]byte, error) {
	if err := validateLine(mail.To); err != nil {
		return nil, err
	}
	t, ok := m.templates[mail.Brand]
	if !ok {
		t = m.templates[""]
	}
	messageId, err := internal.GenerateBlob(messageIdByteLength)
	if err != nil {
		return nil, err
	}
	s := Substitutions{
		Mail:      mail,
		From:      m.conf.From,
		Date:      now.Format(time.RFC1123Z),
		MessageId: messageId,
	}
	b := bytes.Buffer{}
	if err = t.Execute(&b, s); err != nil {
		return nil, err
	}
	// SMTP requires CRLF line endings
	msg := strings.ReplaceAll(strings.ReplaceAll(b.String(), "\r\n", "\n"), "\n", "\r\n")
	return []byte(msg), nil
}

// validateLine checks to see if a line has CR or LF as per RFC 5321
func validateLine(line string) error {
	if strings.ContainsAny(line, "\n\r") {
		return errors.New("smtp: A line must not contain CR or LF")
	}
	return nil
}
