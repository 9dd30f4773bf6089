package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Webhook tokens prove a gateway callback originates from a send we made.
// The dispatcher mints one per outbound text and passes it as webhookData;
// the gateway echoes it back untouched in the webhook's data field. The
// token is a base64url JSON payload carrying the mint time, followed by a
// base64url HMAC-SHA256 signature over that payload.

var (
	ErrTokenInvalid = errors.New("webhook token invalid")
	ErrTokenExpired = errors.New("webhook token expired")
)

type tokenPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// SignToken mints a webhook token stamped with the given time.
func SignToken(secret string, now time.Time) string {
	payload, _ := json.Marshal(tokenPayload{Timestamp: now.Unix()})
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + tokenSignature(secret, body)
}

// VerifyToken checks the token's signature and age. A maxAge of zero
// disables the age check.
func VerifyToken(secret, token string, maxAge time.Duration) error {
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return ErrTokenInvalid
	}
	if !hmac.Equal([]byte(tokenSignature(secret, body)), []byte(sig)) {
		return ErrTokenInvalid
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return ErrTokenInvalid
	}
	var p tokenPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ErrTokenInvalid
	}
	if maxAge > 0 && time.Since(time.Unix(p.Timestamp, 0)) > maxAge {
		return ErrTokenExpired
	}
	return nil
}

func tokenSignature(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
