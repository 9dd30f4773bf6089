package portal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
)

// Session is one authenticated Portal login: a cookie jar, the fingerprint
// headers the Portal expects, and the HTTP client that carries both. A
// Session is valid until the Portal expires it server-side; the owning
// SessionManager replaces it on the next Get after Invalidate.
type Session struct {
	client  *http.Client
	jar     *cookiejar.Jar
	baseURL *url.URL
	headers http.Header
}

// Get issues a GET through the session with the fingerprint headers applied.
func (s *Session) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return s.Do(req)
}

// PostMultipart issues a multipart/form-data POST of the given fields.
// ASP.NET accepts multipart for WebForms postbacks, and the Portal's
// anti-bot layer expects it from browser-originated submissions. Fields
// are written in sorted order so request bodies are reproducible.
func (s *Session) PostMultipart(ctx context.Context, rawURL string, fields map[string]string, extra http.Header) (*http.Response, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, fields[k]); err != nil {
			return nil, fmt.Errorf("write field %q: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	return s.Do(req)
}

// Do applies the session's default headers to any the request has not set
// itself, then executes it.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	for k, vs := range s.headers {
		if req.Header.Get(k) == "" {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}
	return s.client.Do(req)
}

// Cookies returns the jar's cookies for the Portal base URL.
func (s *Session) Cookies() []*http.Cookie {
	return s.jar.Cookies(s.baseURL)
}

// CookieHeader renders the session cookies as a single Cookie header value,
// the form the headless browser scripts install verbatim.
func (s *Session) CookieHeader() string {
	cookies := s.Cookies()
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// Headers returns a copy of the session's fingerprint headers.
func (s *Session) Headers() http.Header {
	out := make(http.Header, len(s.headers))
	for k, vs := range s.headers {
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}

// BaseURL returns the Portal origin this session is bound to.
func (s *Session) BaseURL() string {
	return s.baseURL.String()
}

func drainAndClose(r *http.Response) {
	io.Copy(io.Discard, r.Body)
	r.Body.Close()
}
