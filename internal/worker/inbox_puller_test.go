package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/relaypoint/portal-bridge/internal/portal"
	"github.com/relaypoint/portal-bridge/internal/repository/postgres"
	"github.com/relaypoint/portal-bridge/internal/service/commands"
	"github.com/relaypoint/portal-bridge/internal/service/registry"
)

// inboxPortal serves the login page, an inbox grid, and scripted AJAX
// postback panels keyed by __EVENTARGUMENT.
type inboxPortal struct {
	srv *httptest.Server

	mu        sync.Mutex
	grid      string
	panels    map[string]string
	postbacks []string
	logins    int
}

func newInboxPortal(grid string) *inboxPortal {
	p := &inboxPortal{grid: grid, panels: map[string]string{}}
	p.srv = httptest.NewServer(http.HandlerFunc(p.handle))
	return p
}

func (p *inboxPortal) close() { p.srv.Close() }

func (p *inboxPortal) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/Login.aspx" && r.Method == http.MethodGet:
		http.SetCookie(w, &http.Cookie{Name: "ASP.NET_SessionId", Value: "sess-1", Path: "/"})
		w.Write([]byte(workerLoginPage))
	case r.URL.Path == "/Login.aspx" && r.Method == http.MethodPost:
		p.mu.Lock()
		p.logins++
		p.mu.Unlock()
	case r.URL.Path == "/Inbox.aspx" && r.Method == http.MethodGet:
		p.mu.Lock()
		grid := p.grid
		p.mu.Unlock()
		w.Write([]byte(grid))
	case r.URL.Path == "/Inbox.aspx" && r.Method == http.MethodPost:
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		arg := r.FormValue("__EVENTARGUMENT")
		p.mu.Lock()
		p.postbacks = append(p.postbacks, arg)
		panel, ok := p.panels[arg]
		p.mu.Unlock()
		if !ok {
			w.Write([]byte("1|#||4|error|pageRedirect||%2fLogin.aspx|"))
			return
		}
		w.Write([]byte("1|#||4|1234|updatePanel|topUpdatePanel|" + panel + "|0|hiddenField|__COMPRESSEDVIEWSTATE|WSTATE-2|"))
	default:
		http.NotFound(w, r)
	}
}

func (p *inboxPortal) panel(arg, html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.panels[arg] = html
}

func (p *inboxPortal) setGrid(grid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grid = grid
}

func (p *inboxPortal) opened() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.postbacks))
	copy(out, p.postbacks)
	return out
}

func (p *inboxPortal) loginCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logins
}

func inboxGrid(rows ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><form><input type="hidden" name="__COMPRESSEDVIEWSTATE" value="WSTATE-1" /><table>`)
	for _, row := range rows {
		b.WriteString(row)
	}
	b.WriteString(`</table></form></body></html>`)
	return b.String()
}

func inboxGridRow(messageID int64, from, subject, date string) string {
	return fmt.Sprintf(`<tr onmouseover="this.className='MessageDataGrid ItemHighlighted'" onmouseout="this.className='MessageDataGrid Item'">
<th class="MessageDataGrid Item"><a class="tooltip" href="#"><span>%s</span></a></th>
<td class="MessageDataGrid Item"><a class="tooltip" href="#"><span>%s</span></a></td>
<td class="MessageDataGrid Item"><input type="image" Command="REPLY" MessageId="%d" /></td>
<td class="MessageDataGrid Item">%s</td>
</tr>`, from, subject, messageID, date)
}

// detailPanel builds the update-panel slice for one opened message. The
// delta framing splits on pipes, so the HTML must stay pipe-free.
func detailPanel(from, date, subject, body string) string {
	return fmt.Sprintf(`<div><span id="fromTextBox">%s</span>`+
		`<input id="dateTextBox" value="%s" />`+
		`<span id="subjectTextBox">%s</span>`+
		`<textarea id="messageTextBox">%s</textarea></div>`,
		from, date, subject, body)
}

type pullerFixture struct {
	p      *InboxPuller
	portal *inboxPortal
	db     *sql.DB
	mock   sqlmock.Sqlmock
}

func newPuller(t *testing.T, grid string) *pullerFixture {
	t.Helper()
	fp := newInboxPortal(grid)
	t.Cleanup(fp.close)

	cfg := workerTestConfig(fp.srv.URL, "http://splash.invalid")
	db, mock := newMockDB(t)
	puller := NewInboxPuller(cfg, portal.NewSessionManager(cfg.Portal),
		portal.NewInbox(cfg.Portal), postgres.NewEmailRepo(db),
		postgres.NewUserRepo(db), registry.NewService(postgres.NewBotRepo(db)), nil)
	return &pullerFixture{p: puller, portal: fp, db: db, mock: mock}
}

func TestPullerStoresNewMessage(t *testing.T) {
	grid := inboxGrid(inboxGridRow(3044585292, "COOK ZACHARY (15372010)", "checking in", "8/12/2025 1:03 PM"))
	f := newPuller(t, grid)
	f.portal.panel("rc0", detailPanel(
		"COOK ZACHARY (15372010)", "8/12/2025 1:03:22 PM", "checking in",
		"Hi mom\n\n-----COOK ZACHARY on 8/10/2025 2:01 PM wrote:\nolder text"))

	now := time.Now()
	f.mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(1), int64(3044585292)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	f.mock.ExpectQuery("SELECT (.+) FROM users WHERE pic_number").
		WithArgs("15372010").
		WillReturnRows(dispatchUserRows().AddRow(
			7, "15372010", "COOKZACHARY_15372010", "COOK ZACHARY", "",
			true, false, 0.0, 100, now, now))
	f.mock.ExpectQuery("INSERT INTO emails").
		WithArgs(int64(1), int64(7), int64(3044585292),
			time.Date(2025, 8, 12, 13, 3, 22, 0, time.UTC),
			"checking in", "Hi mom").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))
	f.mock.ExpectExec("UPDATE bots").
		WithArgs(int64(3044585292), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := f.p.Run(context.Background(), workerTestBot()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := f.portal.opened(); len(got) != 1 || got[0] != "rc0" {
		t.Errorf("postbacks = %v, want [rc0]", got)
	}
	expectationsMet(t, f.mock)
}

func TestPullerSkipsStoredMessage(t *testing.T) {
	grid := inboxGrid(
		inboxGridRow(101, "COOK ZACHARY (15372010)", "old news", "8/11/2025 9:00 AM"),
		inboxGridRow(102, "DUCK DAFFY (88112233)", "fresh", "8/12/2025 1:03 PM"),
	)
	f := newPuller(t, grid)
	f.portal.panel("rc1", detailPanel("DUCK DAFFY (88112233)", "8/12/2025 1:03 PM", "fresh", "hello"))

	now := time.Now()
	f.mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(1), int64(101)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	f.mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(1), int64(102)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	f.mock.ExpectQuery("SELECT (.+) FROM users WHERE pic_number").
		WithArgs("88112233").
		WillReturnRows(dispatchUserRows().AddRow(
			9, "88112233", "DUCKDAFFY_88112233", "DUCK DAFFY", "",
			true, false, 0.0, 100, now, now))
	f.mock.ExpectQuery("INSERT INTO emails").
		WithArgs(int64(1), int64(9), int64(102), sqlmock.AnyArg(), "fresh", "hello").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(6)))
	f.mock.ExpectExec("UPDATE bots").
		WithArgs(int64(102), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := f.p.Run(context.Background(), workerTestBot()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := f.portal.opened(); len(got) != 1 || got[0] != "rc1" {
		t.Errorf("postbacks = %v, want only rc1 (row 0 is already stored)", got)
	}
	expectationsMet(t, f.mock)
}

func TestPullerInvalidatesSessionOnBadPage(t *testing.T) {
	f := newPuller(t, `<html><body><form></form></body></html>`)

	err := f.p.Run(context.Background(), workerTestBot())
	if !errors.Is(err, portal.ErrNoViewState) {
		t.Fatalf("err = %v, want ErrNoViewState", err)
	}

	f.portal.setGrid(inboxGrid())
	if err := f.p.Run(context.Background(), workerTestBot()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := f.portal.loginCount(); got != 2 {
		t.Errorf("logins = %d, want a fresh login after the bad page", got)
	}
}

func TestPullerRunsInterpreterAfterPull(t *testing.T) {
	f := newPuller(t, inboxGrid())
	f.p.commands = commands.NewService(
		postgres.NewContactRepo(f.db), postgres.NewUserRepo(f.db),
		postgres.NewEmailRepo(f.db), newTestRenderer(), &recordingSender{})

	f.mock.ExpectQuery("SELECT (.+) FROM emails").
		WithArgs(int64(1)).
		WillReturnRows(dispatchEmailRows())

	if err := f.p.Run(context.Background(), workerTestBot()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	expectationsMet(t, f.mock)
}

func TestPullerSkipsUnparseableSender(t *testing.T) {
	f := newPuller(t, inboxGrid(inboxGridRow(103, "SYSTEM NOTICE", "maintenance window", "8/12/2025 1:03 PM")))

	if err := f.p.Run(context.Background(), workerTestBot()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := f.portal.opened(); len(got) != 0 {
		t.Errorf("postbacks = %v, want none for a sender without a pic number", got)
	}
	expectationsMet(t, f.mock)
}
