package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/relaypoint/portal-bridge/internal/config"
	"github.com/relaypoint/portal-bridge/internal/domain"
	"github.com/relaypoint/portal-bridge/internal/splash"
	"github.com/relaypoint/portal-bridge/internal/templates"
)

const workerLoginPage = `<html><body><form method="post" action="./Login.aspx">
<input type="hidden" name="__COMPRESSEDVIEWSTATE" value="H4sIAAAA" />
<input type="text" name="user" /><input type="password" name="pass" />
</form></body></html>`

// fakePortal serves just enough ASP.NET login flow for a SessionManager to
// hand out sessions.
type fakePortal struct {
	srv    *httptest.Server
	logins int32
}

func newFakePortal() *fakePortal {
	p := &fakePortal{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			http.SetCookie(w, &http.Cookie{Name: "ASP.NET_SessionId", Value: "sess-42", Path: "/"})
			w.Write([]byte(workerLoginPage))
			return
		}
		atomic.AddInt32(&p.logins, 1)
		w.WriteHeader(http.StatusOK)
	}))
	return p
}

func (p *fakePortal) close() { p.srv.Close() }

func (p *fakePortal) loginCount() int32 { return atomic.LoadInt32(&p.logins) }

// fakeSplash answers Execute calls with a scripted sequence of results and
// keeps every decoded request for assertions.
type fakeSplash struct {
	srv *httptest.Server

	mu       sync.Mutex
	requests []splash.Request
	results  []splash.Result
}

func newFakeSplash() *fakeSplash {
	f := &fakeSplash{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req splash.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		res := splash.Result{ElementFound: true, IsProcessed: true, TextBoxMessage: "found"}
		if len(f.results) > 0 {
			res = f.results[0]
			if len(f.results) > 1 {
				f.results = f.results[1:]
			}
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(res)
	}))
	return f
}

func (f *fakeSplash) close() { f.srv.Close() }

// script queues results returned in order; the last one repeats.
func (f *fakeSplash) script(results ...splash.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = results
}

func (f *fakeSplash) calls() []splash.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]splash.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

func workerTestConfig(portalURL, splashURL string) config.Config {
	var cfg config.Config
	cfg.Portal = config.PortalConfig{
		BaseURL:              portalURL,
		LoginPath:            "/Login.aspx",
		InboxPath:            "/Inbox.aspx",
		NewMessagePath:       "/NewMessage.aspx",
		PendingContactPath:   "/PendingContact.aspx",
		UserAgent:            "Mozilla/5.0 (test)",
		LoginUsernameFieldID: "user",
		LoginPasswordFieldID: "pass",
		LoginButtonID:        "loginButton",
		LoginButtonText:      "Login >>",
		ViewstateField:       "__COMPRESSEDVIEWSTATE",
		RowsSelector:         `tr[onmouseover^="this.className='MessageDataGrid ItemHighlighted'"]`,
		RowFromSelector:      "th.MessageDataGrid.Item a.tooltip span",
		RowSubjectSelector:   "td.MessageDataGrid.Item a.tooltip span",
		RowDateSelector:      "td.MessageDataGrid.Item:nth-child(4)",
		InboxEventTarget:     "inboxGridView",
		ScriptManagerKey:     "topScriptManager",
		ScriptManagerValue:   "inboxGridView",
		UpdatePanelID:        "topUpdatePanel",
		FromTextBoxID:        "fromTextBox",
		DateTextBoxID:        "dateTextBox",
		SubjectTextBoxID:     "subjectTextBox",
		MessageTextBoxID:     "messageTextBox",
		ComposeMessageBoxID:  "messageBox",
		ComposeSendButtonID:  "sendButton",
		ComposePicInputID:    "picBox",
		InviteCodeBoxID:      "codeBox",
		InviteGoButtonID:     "goButton",
		InviteAcceptButtonID: "acceptButton",
		PersonInCustodyDivID: "picDiv",
		RecordNotFoundSpanID: "notFoundSpan",
		StaticCookies:        map[string]string{"edge_clearance": "tok-1"},
		TimeoutSeconds:       5,
		MaxReplyRetries:      2,
		MaxNewMessageRetries: 2,
		MaxInviteRetries:     2,
	}
	cfg.Splash = config.SplashConfig{URL: splashURL, TimeoutSeconds: 5}
	cfg.Mailbox = config.MailboxConfig{
		Host:                 "imap.test:993",
		Username:             "info@relay.test",
		Password:             "secret",
		SearchSubject:        "Person in Custody:",
		SearchSubjectBroader: "custody",
		SearchDaysBack:       14,
	}
	cfg.Webhook.Secret = "webhook-secret"
	return cfg
}

func workerTestBot() *domain.Bot {
	return &domain.Bot{ID: 1, Name: "alpha", PortalUsername: "alpha@portal.test",
		PortalPassword: "hunter2", IsActive: true}
}

// memTemplates renders every key to "KEY|name|detail" so replies reveal
// both the template chosen and the values bound into it.
type memTemplates struct{}

func (memTemplates) GetByKey(_ context.Context, key string) (*domain.ResponseTemplate, error) {
	return &domain.ResponseTemplate{Key: key, TemplateText: key + "|{{ name }}|{{ detail }}"}, nil
}

func (memTemplates) Upsert(context.Context, string, string) error { return nil }

func (memTemplates) List(context.Context) ([]domain.ResponseTemplate, error) { return nil, nil }

func newTestRenderer() *templates.Service { return templates.NewService(memTemplates{}) }

// recordingSender captures pushed replies in place of the reply pusher.
type recordingSender struct {
	mu       sync.Mutex
	err      error
	bodies   []string
	emailIDs []int64
}

func (s *recordingSender) SendReply(_ context.Context, _ *domain.Bot, email *domain.Email, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.bodies = append(s.bodies, body)
	s.emailIDs = append(s.emailIDs, email.ID)
	return nil
}

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.bodies))
	copy(out, s.bodies)
	return out
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sql expectations: %v", err)
	}
}
