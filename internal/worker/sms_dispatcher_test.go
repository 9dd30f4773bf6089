package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/relaypoint/portal-bridge/internal/api"
	"github.com/relaypoint/portal-bridge/internal/config"
	"github.com/relaypoint/portal-bridge/internal/repository/postgres"
	"github.com/relaypoint/portal-bridge/internal/textbelt"
)

// fakeGateway is a textbelt-shaped test double: form-encoded sends, path
// parameter status and quota lookups.
type fakeGateway struct {
	srv *httptest.Server

	mu        sync.Mutex
	quota     int
	sendDown  bool
	sendQueue []textbelt.SendResult
	statuses  map[string][]string
	sends     []map[string]string
}

func newFakeGateway(quota int) *fakeGateway {
	g := &fakeGateway{quota: quota, statuses: map[string][]string{}}
	g.srv = httptest.NewServer(http.HandlerFunc(g.handle))
	return g
}

func (g *fakeGateway) close() { g.srv.Close() }

func (g *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/text":
		if g.sendDown {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		g.sends = append(g.sends, form)

		res := textbelt.SendResult{Success: true, TextID: fmt.Sprintf("tb-%d", len(g.sends)), QuotaRemaining: g.quota}
		if len(g.sendQueue) > 0 {
			res = g.sendQueue[0]
			g.sendQueue = g.sendQueue[1:]
		}
		json.NewEncoder(w).Encode(res)

	case strings.HasPrefix(r.URL.Path, "/status/"):
		textID := strings.TrimPrefix(r.URL.Path, "/status/")
		status := textbelt.StatusDelivered
		if q := g.statuses[textID]; len(q) > 0 {
			status = q[0]
			if len(q) > 1 {
				g.statuses[textID] = q[1:]
			}
		}
		json.NewEncoder(w).Encode(map[string]string{"status": status})

	case strings.HasPrefix(r.URL.Path, "/quota/"):
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "quotaRemaining": g.quota})

	default:
		http.NotFound(w, r)
	}
}

func (g *fakeGateway) sentForms() []map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]map[string]string, len(g.sends))
	copy(out, g.sends)
	return out
}

// queueSend overrides the next send response.
func (g *fakeGateway) queueSend(res textbelt.SendResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sendQueue = append(g.sendQueue, res)
}

// setStatuses scripts the status endpoint for one text id; the last entry
// repeats.
func (g *fakeGateway) setStatuses(textID string, statuses ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[textID] = statuses
}

type recordingMailer struct {
	mu       sync.Mutex
	subjects []string
}

func (m *recordingMailer) Send(_ context.Context, subject, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects = append(m.subjects, subject)
	return nil
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subjects)
}

type dispatcherFixture struct {
	d      *SMSDispatcher
	mock   sqlmock.Sqlmock
	gw     *fakeGateway
	sender *recordingSender
	mailer *recordingMailer
}

func newDispatcher(t *testing.T, quota int) *dispatcherFixture {
	t.Helper()
	gw := newFakeGateway(quota)
	t.Cleanup(gw.close)

	var cfg config.Config
	cfg.Gateway = config.GatewayConfig{
		SendURL:           gw.srv.URL + "/text",
		StatusURL:         gw.srv.URL + "/status",
		QuotaURL:          gw.srv.URL + "/quota",
		Key:               "k-123",
		ReplyWebhookURL:   "https://bridge.test/sms",
		MaxRetries:        2,
		RetryDelaySeconds: 0,
		QuotaThreshold:    5,
		TimeoutSeconds:    5,
	}
	cfg.Webhook.Secret = "webhook-secret"

	db, mock := newMockDB(t)
	sender := &recordingSender{}
	mailer := &recordingMailer{}
	d := NewSMSDispatcher(cfg, textbelt.NewClient(cfg.Gateway),
		postgres.NewEmailRepo(db), postgres.NewSMSRepo(db),
		postgres.NewUserRepo(db), postgres.NewContactRepo(db),
		newTestRenderer(), sender, mailer)

	return &dispatcherFixture{d: d, mock: mock, gw: gw, sender: sender, mailer: mailer}
}

func dispatchEmailRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "bot_id", "user_id", "portal_message_id", "sent_at",
		"subject", "body", "is_processed", "created_at", "updated_at",
	})
}

func dispatchUserRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "pic_number", "user_name", "display_name", "screen_name",
		"is_active", "private_mode", "balance", "sms_remaining_in_period",
		"created_at", "updated_at",
	})
}

func dispatchContactRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "contact_name", "phone_number", "email_address",
		"created_at", "updated_at",
	})
}

func dispatchSMSRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "bot_id", "contact_id", "email_id", "phone_number", "message",
		"external_text_id", "direction", "status", "is_processed",
		"created_at", "updated_at",
	})
}

// expectQueueAndUser covers the shared front of every dispatch: the
// unprocessed email and its author.
func (f *dispatcherFixture) expectQueueAndUser(subject string) {
	now := time.Now()
	f.mock.ExpectQuery("SELECT (.+) FROM emails").
		WithArgs(int64(1)).
		WillReturnRows(dispatchEmailRows().AddRow(
			5, 1, 7, 42, now, subject, "Miss you", false, now, now))
	f.mock.ExpectQuery("SELECT (.+) FROM users").
		WithArgs(int64(7)).
		WillReturnRows(dispatchUserRows().AddRow(
			7, "15372010", "COOKZACHARY_15372010", "COOK ZACHARY", "",
			true, false, 0.0, 100, now, now))
}

func TestDispatcherDeliveredFlow(t *testing.T) {
	f := newDispatcher(t, 40)
	now := time.Now()

	f.expectQueueAndUser("Text Daffy")
	f.mock.ExpectQuery("SELECT (.+) FROM contacts").
		WithArgs(int64(7)).
		WillReturnRows(dispatchContactRows().AddRow(
			11, 7, "Daffy", "4024312303", nil, now, now))
	f.mock.ExpectQuery("INSERT INTO sms").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(21)))
	f.mock.ExpectExec("UPDATE sms SET external_text_id").
		WithArgs("tb-1", int64(21)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE emails SET is_processed").
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE sms SET status").
		WithArgs("delivered", int64(21)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery("SELECT (.+) FROM sms").
		WithArgs(int64(7), 5).
		WillReturnRows(dispatchSMSRows().AddRow(
			21, 1, 11, 5, "4024312303", "Miss you", "tb-1",
			"outbound", "delivered", false, now, now))

	if err := f.d.Run(context.Background(), workerTestBot()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	forms := f.gw.sentForms()
	if len(forms) != 1 {
		t.Fatalf("gateway sends = %d, want 1", len(forms))
	}
	form := forms[0]
	if form["phone"] != "4024312303" || form["message"] != "Miss you" || form["key"] != "k-123" {
		t.Errorf("send form = %v", form)
	}
	if form["replyWebhookUrl"] != "https://bridge.test/sms" {
		t.Errorf("reply webhook url = %q", form["replyWebhookUrl"])
	}
	if err := api.VerifyToken("webhook-secret", form["webhookData"], time.Minute); err != nil {
		t.Errorf("webhookData token does not verify: %v", err)
	}

	sent := f.sender.sent()
	if len(sent) != 1 || !strings.HasPrefix(sent[0], "MESSAGE_SENT_CONFIRMATION|COOK ZACHARY|Daffy") {
		t.Errorf("replies = %v, want a delivery confirmation", sent)
	}
	expectationsMet(t, f.mock)
}

func TestDispatcherSkipsCommandEmails(t *testing.T) {
	f := newDispatcher(t, 40)
	now := time.Now()

	f.mock.ExpectQuery("SELECT (.+) FROM emails").
		WithArgs(int64(1)).
		WillReturnRows(dispatchEmailRows().
			AddRow(5, 1, 7, 42, now, "Add Contact Number Daffy 402-555-1234", "", false, now, now).
			AddRow(6, 1, 7, 43, now, "Contact List", "", false, now, now))

	if err := f.d.Run(context.Background(), workerTestBot()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.gw.sentForms()) != 0 {
		t.Error("interpreter emails must never reach the gateway")
	}
	expectationsMet(t, f.mock)
}

func TestDispatcherQuotaGateAlertsOnce(t *testing.T) {
	f := newDispatcher(t, 2)
	now := time.Now()

	for i := 0; i < 2; i++ {
		f.mock.ExpectQuery("SELECT (.+) FROM emails").
			WithArgs(int64(1)).
			WillReturnRows(dispatchEmailRows().AddRow(
				5, 1, 7, 42, now, "Text Daffy", "Miss you", false, now, now))
	}

	for i := 0; i < 2; i++ {
		if err := f.d.Run(context.Background(), workerTestBot()); err != nil {
			t.Fatalf("Run %d: %v", i+1, err)
		}
	}

	if len(f.gw.sentForms()) != 0 {
		t.Error("nothing may be sent below the quota threshold")
	}
	if f.mailer.count() != 1 {
		t.Errorf("alerts = %d, want one per low-quota episode", f.mailer.count())
	}
	expectationsMet(t, f.mock)
}

func TestDispatcherNoRecipientSendsInstructions(t *testing.T) {
	f := newDispatcher(t, 40)
	now := time.Now()

	f.expectQueueAndUser("Text Bugsy")
	f.mock.ExpectQuery("SELECT (.+) FROM contacts").
		WithArgs(int64(7)).
		WillReturnRows(dispatchContactRows().AddRow(
			11, 7, "Daffy", "4024312303", nil, now, now))
	f.mock.ExpectExec("UPDATE emails SET is_processed").
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := f.d.Run(context.Background(), workerTestBot()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(f.gw.sentForms()) != 0 {
		t.Error("no recipient resolved, nothing may be sent")
	}
	sent := f.sender.sent()
	if len(sent) != 1 || !strings.HasPrefix(sent[0], "INSTRUCTIONAL_ERROR|COOK ZACHARY") {
		t.Errorf("replies = %v, want usage instructions", sent)
	}
	expectationsMet(t, f.mock)
}

func TestDispatcherAutoCreatesContactFromNumber(t *testing.T) {
	f := newDispatcher(t, 40)

	f.expectQueueAndUser("Text 402-431-2303")
	f.mock.ExpectQuery("SELECT (.+) FROM contacts WHERE user_id").
		WithArgs(int64(7), "4024312303").
		WillReturnError(sql.ErrNoRows)
	f.mock.ExpectQuery("INSERT INTO contacts").
		WithArgs(int64(7), "COOKZACHARY_15372010_4024312303", "4024312303", nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(12)))
	f.mock.ExpectQuery("INSERT INTO sms").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(21)))
	f.mock.ExpectExec("UPDATE sms SET external_text_id").
		WithArgs("tb-1", int64(21)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE emails SET is_processed").
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE sms SET status").
		WithArgs("delivered", int64(21)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery("SELECT (.+) FROM sms").
		WithArgs(int64(7), 5).
		WillReturnRows(dispatchSMSRows())

	if err := f.d.Run(context.Background(), workerTestBot()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	forms := f.gw.sentForms()
	if len(forms) != 1 || forms[0]["phone"] != "4024312303" {
		t.Errorf("sends = %v", forms)
	}
	expectationsMet(t, f.mock)
}

func TestDispatcherResendsOnceThenFails(t *testing.T) {
	f := newDispatcher(t, 40)
	now := time.Now()
	f.gw.setStatuses("tb-1", textbelt.StatusFailed)
	f.gw.setStatuses("tb-2", textbelt.StatusFailed)

	f.expectQueueAndUser("Text Daffy")
	f.mock.ExpectQuery("SELECT (.+) FROM contacts").
		WithArgs(int64(7)).
		WillReturnRows(dispatchContactRows().AddRow(
			11, 7, "Daffy", "4024312303", nil, now, now))

	// First send and its failed poll.
	f.mock.ExpectQuery("INSERT INTO sms").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(21)))
	f.mock.ExpectExec("UPDATE sms SET external_text_id").
		WithArgs("tb-1", int64(21)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE emails SET is_processed").
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE sms SET status").
		WithArgs("failed", int64(21)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// The single resend and its failed poll.
	f.mock.ExpectQuery("INSERT INTO sms").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(22)))
	f.mock.ExpectExec("UPDATE sms SET external_text_id").
		WithArgs("tb-2", int64(22)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE sms SET status").
		WithArgs("failed", int64(22)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Terminal verdict.
	f.mock.ExpectExec("UPDATE sms SET status").
		WithArgs("failed", int64(22)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := f.d.Run(context.Background(), workerTestBot()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := len(f.gw.sentForms()); got != 2 {
		t.Errorf("gateway sends = %d, want the original and one resend", got)
	}
	sent := f.sender.sent()
	if len(sent) != 1 || !strings.HasPrefix(sent[0], "TEXT_NOT_SENT_ERROR|COOK ZACHARY|Daffy") {
		t.Errorf("replies = %v, want a failure notification", sent)
	}
	expectationsMet(t, f.mock)
}

func TestDispatcherGatewayRefusalFailsEmail(t *testing.T) {
	f := newDispatcher(t, 40)
	now := time.Now()
	f.gw.queueSend(textbelt.SendResult{Success: false, Error: "invalid number"})

	f.expectQueueAndUser("Text Daffy")
	f.mock.ExpectQuery("SELECT (.+) FROM contacts").
		WithArgs(int64(7)).
		WillReturnRows(dispatchContactRows().AddRow(
			11, 7, "Daffy", "4024312303", nil, now, now))
	f.mock.ExpectQuery("INSERT INTO sms").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(21)))
	f.mock.ExpectExec("UPDATE sms SET status").
		WithArgs("failed", int64(21)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE emails SET is_processed").
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := f.d.Run(context.Background(), workerTestBot()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sent := f.sender.sent()
	if len(sent) != 1 || !strings.HasPrefix(sent[0], "TEXT_NOT_SENT_ERROR|") {
		t.Errorf("replies = %v", sent)
	}
	expectationsMet(t, f.mock)
}

func TestDispatcherTransportErrorLeavesEmailQueued(t *testing.T) {
	f := newDispatcher(t, 40)
	now := time.Now()

	f.expectQueueAndUser("Text Daffy")
	f.mock.ExpectQuery("SELECT (.+) FROM contacts").
		WithArgs(int64(7)).
		WillReturnRows(dispatchContactRows().AddRow(
			11, 7, "Daffy", "4024312303", nil, now, now))
	f.mock.ExpectQuery("INSERT INTO sms").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(21)))
	f.mock.ExpectExec("UPDATE sms SET status").
		WithArgs("unknown", int64(21)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// The send endpoint goes down after the quota check passed.
	f.gw.mu.Lock()
	f.gw.sendDown = true
	f.gw.mu.Unlock()

	if err := f.d.Run(context.Background(), workerTestBot()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(f.sender.sent()) != 0 {
		t.Error("transport failures must not answer the email yet")
	}
	expectationsMet(t, f.mock)
}
