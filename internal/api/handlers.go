package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/relaypoint/portal-bridge/internal/config"
	"github.com/relaypoint/portal-bridge/internal/domain"
	"github.com/relaypoint/portal-bridge/internal/pkg/httputil"
	"github.com/relaypoint/portal-bridge/internal/pkg/logger"
	"github.com/relaypoint/portal-bridge/internal/repository/postgres"
)

// Handlers holds the webhook endpoints and their dependencies.
type Handlers struct {
	cfg      config.Config
	db       *sql.DB
	sms      *postgres.SMSRepo
	emails   *postgres.EmailRepo
	contacts *postgres.ContactRepo
	started  time.Time

	// Stats
	received int64
	recorded int64
	rejected int64
}

// NewHandlers creates the handler set over the given database.
func NewHandlers(cfg config.Config, db *sql.DB) *Handlers {
	return &Handlers{
		cfg:      cfg,
		db:       db,
		sms:      postgres.NewSMSRepo(db),
		emails:   postgres.NewEmailRepo(db),
		contacts: postgres.NewContactRepo(db),
		started:  time.Now(),
	}
}

// webhookRequest is the gateway's reply callback payload.
type webhookRequest struct {
	TextID     string `json:"textId"`
	FromNumber string `json:"fromNumber"`
	Text       string `json:"text"`
	Data       string `json:"data"`
}

// webhookResponse mirrors the shape reply senders integrate against:
// the portal message id and contact name the reply belongs to, or
// false for a field that could not be resolved.
type webhookResponse struct {
	Email   any `json:"email"`
	Contact any `json:"contact"`
}

// HandleInboundSMS records a recipient's reply. The text is attributed to
// the newest outbound SMS carrying the same gateway text id and inherits
// its bot, email, and contact. Deliveries already recorded for the same
// (textId, message) pair are acknowledged without a second row.
//
//	POST /sms
func (h *Handlers) HandleInboundSMS(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.received, 1)

	var req webhookRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	if !h.cfg.TestMode {
		if err := VerifyToken(h.cfg.Webhook.Secret, req.Data, h.cfg.Webhook.TokenMaxAge()); err != nil {
			atomic.AddInt64(&h.rejected, 1)
			log.Printf("[API] webhook token rejected: %v", err)
			httputil.Forbidden(w, "Invalid or expired token")
			return
		}
	}

	ctx := r.Context()
	outbound, err := h.sms.GetOutboundByTextID(ctx, req.TextID)
	if errors.Is(err, postgres.ErrNotFound) {
		log.Printf("[API] webhook for unknown text id %q", req.TextID)
		httputil.JSON(w, http.StatusBadRequest, webhookResponse{Email: false, Contact: false})
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	exists, err := h.sms.InboundExists(ctx, req.TextID, req.Text)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if exists {
		log.Printf("[API] duplicate delivery for text id %q ignored", req.TextID)
	} else {
		inbound := &domain.SMS{
			BotID:          outbound.BotID,
			ContactID:      outbound.ContactID,
			EmailID:        outbound.EmailID,
			PhoneNumber:    req.FromNumber,
			Message:        req.Text,
			ExternalTextID: &req.TextID,
			Direction:      domain.SMSInbound,
			Status:         domain.SMSDelivered,
		}
		if _, err := h.sms.Create(ctx, inbound); err != nil {
			httputil.InternalError(w, err)
			return
		}
		atomic.AddInt64(&h.recorded, 1)
		log.Printf("[API] inbound sms recorded bot=%d contact=%d email=%d from=%s",
			inbound.BotID, inbound.ContactID, inbound.EmailID, logger.RedactPhone(req.FromNumber))
	}

	resp := webhookResponse{Email: false, Contact: false}
	if email, err := h.emails.Get(ctx, outbound.EmailID); err == nil {
		resp.Email = email.PortalMessageID
	}
	if contact, err := h.contacts.Get(ctx, outbound.ContactID); err == nil {
		resp.Contact = contact.ContactName
	}
	httputil.OK(w, resp)
}

// HandleSMSTest confirms the webhook surface is reachable. Only routed in
// test mode.
//
//	GET /sms/test
func (h *Handlers) HandleSMSTest(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"message": "API is working."})
}

// HandleHealth reports process liveness and database reachability. Always
// returns 200; the status field conveys health.
//
//	GET /healthz
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	database := "up"
	if err := h.db.PingContext(ctx); err != nil {
		status = "degraded"
		database = "down"
	}
	httputil.OK(w, map[string]string{
		"status":   status,
		"database": database,
		"uptime":   time.Since(h.started).Round(time.Second).String(),
	})
}

// workerStatus is one row of the workers table.
type workerStatus struct {
	ID              string          `json:"id"`
	WorkerType      string          `json:"worker_type"`
	Hostname        string          `json:"hostname"`
	Status          string          `json:"status"`
	StartedAt       time.Time       `json:"started_at"`
	LastHeartbeatAt time.Time       `json:"last_heartbeat_at"`
	TotalRuns       int64           `json:"total_runs"`
	TotalErrors     int64           `json:"total_errors"`
	Stats           json.RawMessage `json:"stats"`
}

// HandleStats returns webhook counters and the registered workers with
// their latest heartbeats.
//
//	GET /stats
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	rows, err := h.db.QueryContext(r.Context(), `
		SELECT id, worker_type, hostname, status, started_at,
		       last_heartbeat_at, total_runs, total_errors, stats
		FROM workers
		ORDER BY last_heartbeat_at DESC
	`)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	defer rows.Close()

	workers := []workerStatus{}
	for rows.Next() {
		var ws workerStatus
		if err := rows.Scan(&ws.ID, &ws.WorkerType, &ws.Hostname, &ws.Status,
			&ws.StartedAt, &ws.LastHeartbeatAt, &ws.TotalRuns, &ws.TotalErrors,
			&ws.Stats); err != nil {
			httputil.InternalError(w, err)
			return
		}
		workers = append(workers, ws)
	}
	if err := rows.Err(); err != nil {
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, map[string]any{
		"webhook": map[string]int64{
			"received": atomic.LoadInt64(&h.received),
			"recorded": atomic.LoadInt64(&h.recorded),
			"rejected": atomic.LoadInt64(&h.rejected),
		},
		"workers": workers,
	})
}
