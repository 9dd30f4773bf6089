package portal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/relaypoint/portal-bridge/internal/config"
	"github.com/relaypoint/portal-bridge/internal/domain"
)

const loginPageHTML = `<html><body><form method="post" action="./Login.aspx">
<input type="hidden" name="__COMPRESSEDVIEWSTATE" id="__COMPRESSEDVIEWSTATE" value="H4sIAAAA" />
<input type="hidden" name="__EVENTVALIDATION" value="ev-123" />
<input type="hidden" name="__EVENTTARGET" value="" />
<input type="text" name="ctl00$mainContentPlaceHolder$loginUserNameTextBox" />
<input type="password" name="ctl00$mainContentPlaceHolder$loginPasswordTextBox" />
</form></body></html>`

func testPortalConfig(baseURL string) config.PortalConfig {
	return config.PortalConfig{
		BaseURL:              baseURL,
		LoginPath:            "/Login.aspx",
		InboxPath:            "/Inbox.aspx",
		UserAgent:            "Mozilla/5.0 (test)",
		LoginUsernameFieldID: "ctl00$mainContentPlaceHolder$loginUserNameTextBox",
		LoginPasswordFieldID: "ctl00$mainContentPlaceHolder$loginPasswordTextBox",
		LoginButtonID:        "ctl00$mainContentPlaceHolder$loginButton",
		LoginButtonText:      "Login >>",
		ViewstateField:       "__COMPRESSEDVIEWSTATE",
		RowsSelector:         `tr[onmouseover^="this.className='MessageDataGrid ItemHighlighted'"]`,
		RowFromSelector:      "th.MessageDataGrid.Item a.tooltip span",
		RowSubjectSelector:   "td.MessageDataGrid.Item a.tooltip span",
		RowDateSelector:      "td.MessageDataGrid.Item:nth-child(4)",
		InboxEventTarget:     "ctl00$mainContentPlaceHolder$inboxGridView",
		ScriptManagerKey:     "ctl00$topScriptManager",
		ScriptManagerValue:   "ctl00$mainContentPlaceHolder$inboxGridView",
		UpdatePanelID:        "ctl00_topUpdatePanel",
		FromTextBoxID:        "ctl00_mainContentPlaceHolder_fromTextBox",
		DateTextBoxID:        "ctl00_mainContentPlaceHolder_dateTextBox",
		SubjectTextBoxID:     "ctl00_mainContentPlaceHolder_subjectTextBox",
		MessageTextBoxID:     "ctl00_mainContentPlaceHolder_messageTextBox",
		TimeoutSeconds:       10,
	}
}

func testBot() *domain.Bot {
	return &domain.Bot{ID: 1, Name: "alpha", PortalUsername: "alpha@portal.test", PortalPassword: "hunter2"}
}

func TestSessionManagerLogin(t *testing.T) {
	var mu sync.Mutex
	var gets, posts int
	var postedForm map[string]string
	var postReferer, postContentType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Login.aspx" {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			mu.Lock()
			gets++
			mu.Unlock()
			w.Write([]byte(loginPageHTML))
		case http.MethodPost:
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse multipart form: %v", err)
				return
			}
			mu.Lock()
			posts++
			postReferer = r.Header.Get("Referer")
			postContentType = r.Header.Get("Content-Type")
			postedForm = make(map[string]string)
			for k, vs := range r.MultipartForm.Value {
				postedForm[k] = vs[0]
			}
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	cfg := testPortalConfig(srv.URL)
	m := NewSessionManager(cfg)

	sess, err := m.Get(context.Background(), testBot())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess == nil {
		t.Fatal("expected a session")
	}

	mu.Lock()
	gotForm := postedForm
	gotReferer := postReferer
	gotContentType := postContentType
	mu.Unlock()

	if !strings.HasPrefix(gotContentType, "multipart/form-data") {
		t.Errorf("login POST content type = %q, want multipart/form-data", gotContentType)
	}
	if want := srv.URL + "/Login.aspx"; gotReferer != want {
		t.Errorf("login POST referer = %q, want %q", gotReferer, want)
	}

	want := map[string]string{
		"__COMPRESSEDVIEWSTATE":  "H4sIAAAA",
		"__EVENTVALIDATION":      "ev-123",
		"__EVENTTARGET":          "",
		cfg.LoginUsernameFieldID: "alpha@portal.test",
		cfg.LoginPasswordFieldID: "hunter2",
		cfg.LoginButtonID:        "Login >>",
	}
	for k, v := range want {
		if got, ok := gotForm[k]; !ok || got != v {
			t.Errorf("posted field %q = %q, want %q", k, got, v)
		}
	}

	// A second Get reuses the cached session without another login.
	if _, err := m.Get(context.Background(), testBot()); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	mu.Lock()
	g, p := gets, posts
	mu.Unlock()
	if g != 1 || p != 1 {
		t.Errorf("after cached Get: %d GETs and %d POSTs, want 1 and 1", g, p)
	}

	m.Invalidate(1)
	if _, err := m.Get(context.Background(), testBot()); err != nil {
		t.Fatalf("Get after Invalidate: %v", err)
	}
	mu.Lock()
	p = posts
	mu.Unlock()
	if p != 2 {
		t.Errorf("after Invalidate: %d POSTs, want 2", p)
	}
}

func TestSessionManagerRetriesLoginPage(t *testing.T) {
	oldDelay := loginRetryDelay
	loginRetryDelay = 5 * time.Millisecond
	defer func() { loginRetryDelay = oldDelay }()

	var gets int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			if atomic.AddInt32(&gets, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(loginPageHTML))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewSessionManager(testPortalConfig(srv.URL))
	if _, err := m.Get(context.Background(), testBot()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if g := atomic.LoadInt32(&gets); g != 3 {
		t.Errorf("login page GETs = %d, want 3", g)
	}
}

func TestSessionManagerLoginRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(loginPageHTML))
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	m := NewSessionManager(testPortalConfig(srv.URL))
	_, err := m.Get(context.Background(), testBot())
	if !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("Get error = %v, want ErrLoginFailed", err)
	}
}

func TestSessionCarriesStaticAndServerCookies(t *testing.T) {
	var sawEdgeCookie atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			if c, err := r.Cookie("edge_clearance"); err == nil && c.Value == "tok-1" {
				sawEdgeCookie.Store(true)
			}
			http.SetCookie(w, &http.Cookie{Name: "ASP.NET_SessionId", Value: "sess-42", Path: "/"})
			w.Write([]byte(loginPageHTML))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testPortalConfig(srv.URL)
	cfg.StaticCookies = map[string]string{"edge_clearance": "tok-1"}

	m := NewSessionManager(cfg)
	sess, err := m.Get(context.Background(), testBot())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if !sawEdgeCookie.Load() {
		t.Error("static cookie was not sent on the login page GET")
	}
	header := sess.CookieHeader()
	if !strings.Contains(header, "edge_clearance=tok-1") {
		t.Errorf("cookie header %q missing static cookie", header)
	}
	if !strings.Contains(header, "ASP.NET_SessionId=sess-42") {
		t.Errorf("cookie header %q missing server session cookie", header)
	}
}

func TestSessionDefaultHeadersDoNotOverrideRequest(t *testing.T) {
	var mu sync.Mutex
	var userAgent, accept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		userAgent = r.Header.Get("User-Agent")
		accept = r.Header.Get("Accept")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testPortalConfig(srv.URL)
	m := NewSessionManager(cfg)
	sess, err := m.newSession()
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}

	extra := http.Header{}
	extra.Set("Accept", "*/*")
	resp, err := sess.PostMultipart(context.Background(), srv.URL+"/Inbox.aspx", map[string]string{"a": "1"}, extra)
	if err != nil {
		t.Fatalf("PostMultipart: %v", err)
	}
	drainAndClose(resp)

	mu.Lock()
	defer mu.Unlock()
	if userAgent != cfg.UserAgent {
		t.Errorf("User-Agent = %q, want session default %q", userAgent, cfg.UserAgent)
	}
	if accept != "*/*" {
		t.Errorf("Accept = %q, want the per-request override", accept)
	}
}

func TestHiddenInputs(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(loginPageHTML))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	fields := hiddenInputs(doc)
	if len(fields) != 3 {
		t.Fatalf("hidden input count = %d, want 3", len(fields))
	}
	if fields["__COMPRESSEDVIEWSTATE"] != "H4sIAAAA" {
		t.Errorf("viewstate = %q", fields["__COMPRESSEDVIEWSTATE"])
	}
	if v, ok := fields["__EVENTTARGET"]; !ok || v != "" {
		t.Errorf("empty-valued hidden input should be kept, got %q ok=%v", v, ok)
	}
}
