// Package textbelt is the SMS gateway client: a form-encoded send endpoint
// plus path-parameter status and quota lookups.
package textbelt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/relaypoint/portal-bridge/internal/config"
	"github.com/relaypoint/portal-bridge/internal/pkg/httpretry"
)

// Delivery states the gateway reports from its status endpoint.
const (
	StatusDelivered = "DELIVERED"
	StatusSent      = "SENT"
	StatusSending   = "SENDING"
	StatusFailed    = "FAILED"
	StatusUnknown   = "UNKNOWN"
)

// Client calls the SMS gateway.
type Client struct {
	cfg config.GatewayConfig

	// send is not auto-retried: a duplicated text is worse than a missed
	// one, and the resend policy lives in the dispatcher. Status and quota
	// lookups are idempotent and ride the retry client.
	send  httpretry.HTTPDoer
	query httpretry.HTTPDoer
}

// NewClient creates a gateway client with the configured timeout.
func NewClient(cfg config.GatewayConfig) *Client {
	base := &http.Client{Timeout: cfg.Timeout()}
	return &Client{
		cfg:   cfg,
		send:  base,
		query: httpretry.NewRetryClient(base, 2),
	}
}

// SetHTTPClient routes all gateway traffic through the given client
// (useful for testing).
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.send = client
	c.query = client
}

// SendResult is the gateway's response to a send request.
type SendResult struct {
	Success        bool   `json:"success"`
	TextID         string `json:"textId"`
	QuotaRemaining int    `json:"quotaRemaining"`
	Error          string `json:"error"`
}

// Send submits one SMS. webhookData is an opaque token the gateway echoes
// back on the reply webhook so inbound replies can be authenticated.
func (c *Client) Send(ctx context.Context, phone, message, webhookData string) (*SendResult, error) {
	form := url.Values{}
	form.Set("phone", phone)
	form.Set("message", message)
	form.Set("key", c.cfg.Key)
	if c.cfg.ReplyWebhookURL != "" {
		form.Set("replyWebhookUrl", c.cfg.ReplyWebhookURL)
	}
	if webhookData != "" {
		form.Set("webhookData", webhookData)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.SendURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var res SendResult
	if err := c.do(c.send, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

type statusResult struct {
	Status string `json:"status"`
}

// Status returns the delivery state of a previously sent text.
func (c *Client) Status(ctx context.Context, textID string) (string, error) {
	u := strings.TrimRight(c.cfg.StatusURL, "/") + "/" + url.PathEscape(textID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build status request: %w", err)
	}

	var res statusResult
	if err := c.do(c.query, req, &res); err != nil {
		return "", err
	}
	return res.Status, nil
}

type quotaResult struct {
	Success        bool `json:"success"`
	QuotaRemaining int  `json:"quotaRemaining"`
}

// Quota returns the remaining message credit on the account key.
func (c *Client) Quota(ctx context.Context) (int, error) {
	u := strings.TrimRight(c.cfg.QuotaURL, "/") + "/" + url.PathEscape(c.cfg.Key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("build quota request: %w", err)
	}

	var res quotaResult
	if err := c.do(c.query, req, &res); err != nil {
		return 0, err
	}
	return res.QuotaRemaining, nil
}

func (c *Client) do(doer httpretry.HTTPDoer, req *http.Request, out interface{}) error {
	resp, err := doer.Do(req)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("gateway %s: read response: %w", req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway %s: status %d: %s", req.URL.Path, resp.StatusCode, snippet(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("gateway %s: decode response: %w", req.URL.Path, err)
	}
	return nil
}

func snippet(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
