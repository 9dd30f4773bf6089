// Package splash drives the headless rendering service that performs the
// Portal actions plain HTTP cannot: sending replies, composing new
// messages, and accepting invitations. Each action is one Lua script
// executed by the service against a live browser carrying the bot's
// session cookies.
package splash

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaypoint/portal-bridge/internal/config"
)

//go:embed scripts/*.lua
var scriptFS embed.FS

// Embedded script names. The scripts are part of the Portal interop
// contract and are versioned with the code.
const (
	ScriptAcceptInvite   = "accept_invite.lua"
	ScriptSendReply      = "send_email_reply.lua"
	ScriptSendNewMessage = "send_new_message.lua"
)

// Script returns the embedded Lua source by file name.
func Script(name string) (string, error) {
	b, err := scriptFS.ReadFile("scripts/" + name)
	if err != nil {
		return "", fmt.Errorf("load script %s: %w", name, err)
	}
	return string(b), nil
}

// Cookie is the structured form the rendering service installs into its
// browser before navigating.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Expires  string `json:"expires"`
	Path     string `json:"path"`
	HTTPOnly bool   `json:"httpOnly"`
	Secure   bool   `json:"secure"`
	Domain   string `json:"domain"`
}

// ConvertCookies renders session cookies into the service's cookie format.
// The expiry is one hour out; the scripts run for seconds, and a short
// expiry keeps leaked cookies from outliving the session they mirror.
func ConvertCookies(cookies []*http.Cookie, domain string) []Cookie {
	expires := time.Now().Add(time.Hour).Format("2006-01-02T15:04:05")
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Expires:  expires,
			Path:     "/",
			HTTPOnly: true,
			Secure:   true,
			Domain:   domain,
		})
	}
	return out
}

// Request is the JSON body sent to the service's execute endpoint. Only
// the fields the selected script reads are populated.
type Request struct {
	LuaSource     string            `json:"lua_source"`
	URL           string            `json:"url,omitempty"`
	ReplyURL      string            `json:"reply_url,omitempty"`
	Headers       map[string]string `json:"headers"`
	Cookies       string            `json:"cookies"`
	SplashCookies []Cookie          `json:"splash_cookies"`

	MessageContent string `json:"message_content,omitempty"`
	MessageBoxID   string `json:"message_box_id,omitempty"`
	SendButtonID   string `json:"send_button_id,omitempty"`
	PicNumber      string `json:"pic_number,omitempty"`
	PicBoxID       string `json:"pic_box_id,omitempty"`

	InvitationCode       string `json:"invitation_code,omitempty"`
	InviteCodeBoxID      string `json:"invite_code_box_id,omitempty"`
	InviteGoButtonID     string `json:"invitation_code_go_button_id,omitempty"`
	InviteAcceptButtonID string `json:"invitation_accept_button_id,omitempty"`
	PersonInCustodyDivID string `json:"person_in_custody_information_div_id,omitempty"`
	RecordNotFoundSpanID string `json:"record_not_found_span_id,omitempty"`
}

// Result is the structured outcome a script returns. IsProcessed means the
// input was consumed (an invite code spent, a message submitted) even when
// ElementFound is false; callers use it to decide cleanup.
type Result struct {
	HTML           string   `json:"html"`
	IsProcessed    bool     `json:"is_processed"`
	ElementFound   bool     `json:"element_found"`
	Message        string   `json:"message"`
	ExtraMessages  []string `json:"extra_messages"`
	ErrorMessage   string   `json:"error_message"`
	TextBoxMessage string   `json:"text_box_message"`

	// Screenshots holds any result keys containing "screenshot", base64
	// PNG payloads persisted through the artifact store in test mode.
	Screenshots map[string]string `json:"-"`
}

const textBoxNotFound = "Text box not found"

// TextBoxFound reports whether the script located the message text box.
// The send scripts report the box separately from the overall outcome so
// a missing box (expired session, changed markup) is distinguishable.
func (r *Result) TextBoxFound() bool {
	return r.TextBoxMessage != textBoxNotFound
}

// Client calls the rendering service's execute endpoint.
type Client struct {
	url    string
	client *http.Client
}

func NewClient(cfg config.SplashConfig) *Client {
	return &Client{url: cfg.URL, client: &http.Client{Timeout: cfg.Timeout()}}
}

// Execute runs one script and decodes its structured result. Non-200
// responses are errors; script-level failures come back in the Result.
func (c *Client) Execute(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode splash request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build splash request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("splash execute: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read splash response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("splash execute: status %d: %s", resp.StatusCode, snippet(data))
	}
	return decodeResult(data)
}

func decodeResult(data []byte) (*Result, error) {
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode splash result: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err == nil {
		for k, v := range raw {
			if !strings.Contains(k, "screenshot") {
				continue
			}
			var s string
			if json.Unmarshal(v, &s) == nil && s != "" {
				if res.Screenshots == nil {
					res.Screenshots = make(map[string]string)
				}
				res.Screenshots[k] = s
			}
		}
	}
	return &res, nil
}

func snippet(data []byte) string {
	const max = 200
	s := strings.TrimSpace(string(data))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
