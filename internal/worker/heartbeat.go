package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"time"
)

// heartbeatInterval is how often a worker refreshes its row.
const heartbeatInterval = 10 * time.Second

// heartbeatSnapshot is one stats sample pushed with a heartbeat.
type heartbeatSnapshot struct {
	TotalRuns   int64
	TotalErrors int64
	Stats       map[string]int64
}

// heartbeat maintains this process's row in the workers table so the
// stats endpoint can show who is alive and what they have done.
type heartbeat struct {
	db         *sql.DB
	id         string
	workerType string
	snapshot   func() heartbeatSnapshot
}

func newHeartbeat(db *sql.DB, id, workerType string, snapshot func() heartbeatSnapshot) *heartbeat {
	return &heartbeat{db: db, id: id, workerType: workerType, snapshot: snapshot}
}

// register inserts or revives this worker's row.
func (h *heartbeat) register(ctx context.Context) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO workers
			(id, worker_type, hostname, status, started_at, last_heartbeat_at,
			 total_runs, total_errors, stats)
		VALUES ($1, $2, $3, 'running', NOW(), NOW(), 0, 0, '{}')
		ON CONFLICT (id) DO UPDATE SET
			status = 'running',
			started_at = NOW(),
			last_heartbeat_at = NOW()
	`, h.id, h.workerType, hostname())
	return err
}

// deregister marks the row stopped. The row is kept for the stats view.
func (h *heartbeat) deregister(ctx context.Context) error {
	_, err := h.db.ExecContext(ctx, `UPDATE workers SET status = 'stopped' WHERE id = $1`, h.id)
	return err
}

// loop refreshes the heartbeat until ctx is done.
func (h *heartbeat) loop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *heartbeat) beat(ctx context.Context) {
	snap := h.snapshot()
	statsJSON, _ := json.Marshal(snap.Stats)
	_, err := h.db.ExecContext(ctx, `
		UPDATE workers
		SET last_heartbeat_at = NOW(),
		    total_runs = $2,
		    total_errors = $3,
		    stats = $4
		WHERE id = $1
	`, h.id, snap.TotalRuns, snap.TotalErrors, string(statsJSON))
	if err != nil {
		log.Printf("[Worker] heartbeat %s: %v", h.id, err)
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
