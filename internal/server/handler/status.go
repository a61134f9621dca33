package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/positionguard/positionguard/internal/domain"
	"github.com/positionguard/positionguard/internal/guard"
)

// StatusSource provides a live snapshot of the monitoring loop.
type StatusSource interface {
	Status() guard.Status
}

// StatusHandler serves the guard status for dashboards. When no loop is
// running in this process (server-only mode) it falls back to the most
// recent persisted cycle record.
type StatusHandler struct {
	mode      string
	wallet    string
	source    StatusSource // nil when no loop runs in this process
	cycles    CycleLister  // optional fallback for server-only mode
	startedAt time.Time
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler. source and cycles may be nil.
func NewStatusHandler(mode, wallet string, source StatusSource, cycles CycleLister, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		mode:      mode,
		wallet:    wallet,
		source:    source,
		cycles:    cycles,
		startedAt: time.Now().UTC(),
		logger:    logHandler(logger, "status"),
	}
}

// GetStatus responds with the current mode, wallet, risk level and the last
// cycle and open episode when known.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":           h.mode,
		"wallet":         h.wallet,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}

	switch {
	case h.source != nil:
		st := h.source.Status()
		resp["dry_run"] = st.DryRun
		if !st.StartedAt.IsZero() {
			resp["monitoring_since"] = st.StartedAt.UTC().Format(time.RFC3339)
		}
		if st.LastLevel != "" {
			resp["risk_level"] = st.LastLevel
		}
		if st.LastRecord != nil {
			resp["last_cycle"] = st.LastRecord
		}
		if st.LastAdvice != nil {
			resp["last_recommendation"] = st.LastAdvice
		}
		if st.Episode != nil {
			resp["open_episode"] = st.Episode
		}

	case h.cycles != nil && h.wallet != "":
		recs, err := h.cycles.ListRecent(r.Context(), h.wallet, domain.ListOpts{Limit: 1})
		if err != nil {
			h.logger.WarnContext(r.Context(), "status fallback query failed",
				slog.String("error", err.Error()),
			)
		} else if len(recs) > 0 {
			resp["risk_level"] = recs[0].RiskLevel
			resp["last_cycle"] = recs[0]
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
