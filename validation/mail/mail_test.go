package mail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/identity/setup/config"
)

func writeTemplate(t *testing.T, dir, brand, body string) {
	t.Helper()
	path := filepath.Join(dir, brand)
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, templateName), []byte(body), 0o600))
}

func mustNewMailer(t *testing.T, host string) *SmtpMailer {
	t.Helper()
	dir := t.TempDir()
	writeTemplate(t, dir, "", "From: {{.From}}\nTo: {{.To}}\n\nlink {{.Link}} token {{.Token}}\n")
	writeTemplate(t, dir, "acme", "From: {{.From}}\nTo: {{.To}}\n\nacme {{.Token}}\n")
	conf := config.EmailConf{
		Enabled:       true,
		From:          "identity@example.com",
		TemplatesPath: dir,
		Brands:        []string{"acme"},
	}
	conf.Smtp.Host = host
	m, err := NewMailer(&conf)
	require.NoError(t, err)
	return m
}

// fakeSMTPServer accepts one connection and answers RCPT with rcptCode.
// The message body, if any, is sent on the returned channel.
func fakeSMTPServer(t *testing.T, rcptCode int) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close() // nolint: errcheck
		tp := textproto.NewConn(conn)
		_ = tp.PrintfLine("220 localhost ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			switch cmd := strings.ToUpper(strings.SplitN(line, " ", 2)[0]); cmd {
			case "EHLO", "HELO", "MAIL":
				_ = tp.PrintfLine("250 OK")
			case "RCPT":
				_ = tp.PrintfLine("%d recipient", rcptCode)
			case "DATA":
				_ = tp.PrintfLine("354 go ahead")
				lines, err := tp.ReadDotLines()
				if err != nil {
					return
				}
				received <- strings.Join(lines, "\n")
				_ = tp.PrintfLine("250 OK")
			case "QUIT":
				_ = tp.PrintfLine("221 bye")
				return
			default:
				_ = tp.PrintfLine("502 %s not implemented", cmd)
			}
		}
	}()
	return ln.Addr().String(), received
}

func TestRender(t *testing.T) {
	m := mustNewMailer(t, "localhost:25")

	msg, err := m.render(&Mail{To: "alice@example.com", Link: "https://id.example.com/x", Token: "abc"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "From: identity@example.com\r\nTo: alice@example.com\r\n\r\nlink https://id.example.com/x token abc\r\n", string(msg))

	msg, err = m.render(&Mail{To: "alice@example.com", Token: "abc", Brand: "acme"}, time.Now())
	require.NoError(t, err)
	assert.Contains(t, string(msg), "acme abc")

	// unknown brands fall back to the default template
	msg, err = m.render(&Mail{To: "alice@example.com", Token: "abc", Brand: "other"}, time.Now())
	require.NoError(t, err)
	assert.Contains(t, string(msg), "link")

	_, err = m.render(&Mail{To: "alice@example.com\r\nBcc: eve@example.com"}, time.Now())
	assert.Error(t, err)
}

func TestNewMailerMissingTemplate(t *testing.T) {
	conf := config.EmailConf{From: "identity@example.com", TemplatesPath: t.TempDir()}
	_, err := NewMailer(&conf)
	assert.Error(t, err)
}

func TestSendRejectsMalformedAddress(t *testing.T) {
	m := mustNewMailer(t, "localhost:25")
	for _, to := range []string{"not an address", "Alice <alice@example.com>", ""} {
		err := m.Send(context.Background(), &Mail{To: to, Token: "abc"})
		var addrErr *AddressError
		assert.ErrorAs(t, err, &addrErr, to)
	}
}

func TestSend(t *testing.T) {
	host, received := fakeSMTPServer(t, 250)
	m := mustNewMailer(t, host)

	err := m.Send(context.Background(), &Mail{To: "alice@example.com", Link: "https://id.example.com/x", Token: "abc"})
	require.NoError(t, err)
	select {
	case body := <-received:
		assert.Contains(t, body, "token abc")
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

func TestSendRecipientRefused(t *testing.T) {
	for _, tc := range []struct {
		code        int
		wantAddrErr bool
	}{
		{code: 550, wantAddrErr: true},
		{code: 451, wantAddrErr: false},
	} {
		t.Run(fmt.Sprint(tc.code), func(t *testing.T) {
			host, _ := fakeSMTPServer(t, tc.code)
			m := mustNewMailer(t, host)
			err := m.Send(context.Background(), &Mail{To: "alice@example.com", Token: "abc"})
			require.Error(t, err)
			var addrErr *AddressError
			assert.Equal(t, tc.wantAddrErr, errors.As(err, &addrErr))
		})
	}
}
