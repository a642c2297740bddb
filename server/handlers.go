package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/lumabyte/sharegate/db"
)

// Handlers bundles the dependencies of the HTTP endpoints.
type Handlers struct {
	db      *sql.DB
	started time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(dbx *sql.DB) *Handlers {
	return &Handlers{db: dbx, started: time.Now()}
}

// HandleHealthz responds to liveness probes by checking database
// connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes with per-dependency checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"schema", func() error {
			var one int
			return h.db.QueryRowContext(r.Context(), `SELECT 1 FROM users LIMIT 1`).Scan(&one)
		}},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil && err != sql.ErrNoRows {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports uptime and background-job heartbeats.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	heartbeat, _ := db.GetKV(r.Context(), h.db, "job_bot_poll_last")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"uptime_seconds": int(time.Since(h.started).Seconds()),
		"bot_poll_last":  heartbeat,
	})
}

// HandleAdminStats reports registry size and the active gating channel.
func (h *Handlers) HandleAdminStats(w http.ResponseWriter, r *http.Request) {
	users, err := db.CountUsers(r.Context(), h.db)
	if err != nil {
		http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
		return
	}
	channel, _ := db.GetKV(r.Context(), h.db, "force_sub_channel")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"users":             users,
		"force_sub_channel": channel,
	})
}
