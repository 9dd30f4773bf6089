package worker

import (
	"context"
	"encoding/base64"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/relaypoint/portal-bridge/internal/artifacts"
	"github.com/relaypoint/portal-bridge/internal/config"
	"github.com/relaypoint/portal-bridge/internal/portal"
	"github.com/relaypoint/portal-bridge/internal/splash"
)

// newSplashRequest scaffolds the request fields every script shares: the
// Lua source, the session's fingerprint headers, and the session cookies
// in both the header-string and structured forms the service accepts.
// Static edge cookies are pinned per session, not captured state, so they
// are excluded here.
func newSplashRequest(sess *portal.Session, cfg config.PortalConfig, script string) (*splash.Request, error) {
	src, err := splash.Script(script)
	if err != nil {
		return nil, err
	}
	cookies := capturedCookies(sess, cfg.StaticCookies)
	return &splash.Request{
		LuaSource:     src,
		Headers:       headerMap(sess.Headers()),
		Cookies:       cookieHeader(cookies),
		SplashCookies: splash.ConvertCookies(cookies, cfg.CookieDomain()),
	}, nil
}

// capturedCookies returns the session cookies minus the static edge set.
func capturedCookies(sess *portal.Session, static map[string]string) []*http.Cookie {
	all := sess.Cookies()
	out := make([]*http.Cookie, 0, len(all))
	for _, c := range all {
		if _, ok := static[c.Name]; ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

func cookieHeader(cookies []*http.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// headerMap flattens session headers into the single-value form the
// rendering service installs verbatim.
func headerMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// saveSplashArtifacts persists a script result's screenshots and HTML for
// debugging. Callers gate on test mode; failures only log.
func saveSplashArtifacts(ctx context.Context, store artifacts.Store, kind string, res *splash.Result) {
	if store == nil {
		return
	}
	for key, payload := range res.Screenshots {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			log.Printf("[Worker] decode %s screenshot %s: %v", kind, key, err)
			continue
		}
		if _, err := store.Save(ctx, kind+"_"+key, ".png", data); err != nil {
			log.Printf("[Worker] save %s screenshot %s: %v", kind, key, err)
		}
	}
	if res.HTML != "" {
		if _, err := store.Save(ctx, kind, ".html", []byte(res.HTML)); err != nil {
			log.Printf("[Worker] save %s html: %v", kind, err)
		}
	}
}

// sleepCtx waits for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
