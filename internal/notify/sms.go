package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/nugget/tickler/internal/config"
	"github.com/nugget/tickler/internal/httpkit"
)

// errorBodyLimit bounds how much of a gateway error body is kept.
const errorBodyLimit = 4096

// SMSGateway posts messages to a Twilio-compatible REST endpoint:
// form fields To, From and Body, HTTP basic auth with the account SID
// and auth token.
type SMSGateway struct {
	cfg    config.SMSConfig
	client *http.Client
	logger *slog.Logger
}

// NewSMSGateway creates a gateway client. A nil client gets the shared
// httpkit default.
func NewSMSGateway(cfg config.SMSConfig, client *http.Client, logger *slog.Logger) *SMSGateway {
	if client == nil {
		client = httpkit.NewClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SMSGateway{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "notify", "channel", config.ChannelSMS),
	}
}

// Send posts one message. Any non-2xx answer is an error.
func (g *SMSGateway) Send(ctx context.Context, phone, text string) error {
	if phone == "" {
		return ErrNoPhone
	}

	form := url.Values{}
	form.Set("To", phone)
	form.Set("From", g.cfg.From)
	form.Set("Body", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if g.cfg.AccountSID != "" {
		req.SetBasicAuth(g.cfg.AccountSID, g.cfg.AuthToken)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, errorBodyLimit)
		return fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode, body)
	}
	httpkit.DrainAndClose(resp.Body, errorBodyLimit)

	g.logger.Debug("sms sent", "to", phone, "length", len(text))
	return nil
}
