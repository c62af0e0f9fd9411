package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"

	"github.com/nugget/tickler/internal/config"
)

// smtpDialTimeout is the maximum time to establish an SMTP connection.
const smtpDialTimeout = 30 * time.Second

// implicitTLSPort is the SMTPS port; every other port uses STARTTLS
// when the server offers it.
const implicitTLSPort = 465

// Email delivers texts through a carrier email-to-SMS gateway: the
// message goes to <digits>@<gateway> and the carrier forwards it as a
// text. Each Send opens its own SMTP connection.
type Email struct {
	cfg    config.EmailConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewEmail creates an email gateway notifier.
func NewEmail(cfg config.EmailConfig, logger *slog.Logger) *Email {
	if logger == nil {
		logger = slog.Default()
	}
	return &Email{
		cfg:    cfg,
		logger: logger.With("component", "notify", "channel", config.ChannelEmail),
		now:    time.Now,
	}
}

// Send composes and delivers one message.
func (e *Email) Send(ctx context.Context, phone, text string) error {
	to := gatewayAddress(phone, e.cfg.Gateway)
	if to == "" {
		return ErrNoPhone
	}

	msg, err := composeMessage(e.cfg.From, to, text, e.now())
	if err != nil {
		return err
	}
	from, err := mail.ParseAddress(e.cfg.From)
	if err != nil {
		return fmt.Errorf("parse from address %q: %w", e.cfg.From, err)
	}
	if err := sendMail(ctx, e.cfg, from.Address, []string{to}, msg); err != nil {
		return err
	}

	e.logger.Debug("gateway email sent", "to", to, "length", len(text))
	return nil
}

// gatewayAddress maps +1 512 555 0100 to 15125550100@gateway.
func gatewayAddress(phone, gateway string) string {
	d := digits(phone)
	if d == "" || gateway == "" {
		return ""
	}
	return d + "@" + strings.TrimPrefix(gateway, "@")
}

// composeMessage builds an RFC 5322 message with a text/plain part and
// an HTML alternative rendered from the same text. Gateways that only
// forward plain text take the first part.
func composeMessage(from, to, body string, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}

	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", from, err)
	}
	h.SetAddressList("From", []*mail.Address{fromAddr})
	h.SetAddressList("To", []*mail.Address{{Address: to}})

	// Carriers show the subject ahead of the body; the first line of a
	// reminder already says what it is.
	subject, _, _ := strings.Cut(body, "\n")
	h.SetSubject(subject)

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	html, err := textToHTML(body)
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	parts := []struct {
		contentType string
		content     string
	}{
		{"text/plain; charset=utf-8", body},
		{"text/html; charset=utf-8", html},
	}
	for _, p := range parts {
		var ph mail.InlineHeader
		ph.Set("Content-Type", p.contentType)
		pw, err := tw.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("create %s part: %w", p.contentType, err)
		}
		if _, err := io.WriteString(pw, p.content); err != nil {
			return nil, fmt.Errorf("write %s part: %w", p.contentType, err)
		}
		if err := pw.Close(); err != nil {
			return nil, fmt.Errorf("close %s part: %w", p.contentType, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

// textToHTML renders the message through goldmark. Each line becomes a
// hard break so the reminder layout survives.
func textToHTML(text string) (string, error) {
	md := strings.ReplaceAll(strings.TrimSpace(text), "\n", "  \n")
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return `<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px;">
` + buf.String() + `</body></html>`, nil
}

// sendMail opens an SMTP connection, authenticates when credentials
// are set, and delivers msg. ctx bounds the dial and, through the
// connection deadline, the whole exchange.
func sendMail(ctx context.Context, cfg config.EmailConfig, from string, recipients []string, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &net.Dialer{Timeout: smtpDialTimeout}

	var (
		conn net.Conn
		err  error
	)
	if cfg.Port == implicitTLSPort {
		td := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial SMTP %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create SMTP client on %s: %w", addr, err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}
	if cfg.Port != implicitTLSPort {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
				return fmt.Errorf("STARTTLS: %w", err)
			}
		}
	}
	if cfg.Username != "" && cfg.Password != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}
	return client.Quit()
}
