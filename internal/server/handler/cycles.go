package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/positionguard/positionguard/internal/domain"
)

// CycleLister defines the cycle-record queries the HTTP API needs.
type CycleLister interface {
	ListRecent(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.CycleRecord, error)
}

// CycleHandler serves the per-cycle monitoring history.
type CycleHandler struct {
	cycles CycleLister
	wallet string // default when the query names none
	logger *slog.Logger
}

// NewCycleHandler creates a CycleHandler. wallet is the monitored address
// used when requests omit the wallet query parameter.
func NewCycleHandler(cycles CycleLister, wallet string, logger *slog.Logger) *CycleHandler {
	return &CycleHandler{
		cycles: cycles,
		wallet: wallet,
		logger: logHandler(logger, "cycles"),
	}
}

// listCyclesResponse wraps the cycle list response.
type listCyclesResponse struct {
	Cycles []domain.CycleRecord `json:"cycles"`
}

// ListCycles returns recent monitoring cycle records, newest first.
// GET /api/cycles?wallet=0x...&limit=50&offset=0&since=...&until=...
func (h *CycleHandler) ListCycles(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		wallet = h.wallet
	}
	if wallet == "" {
		writeError(w, http.StatusBadRequest, "wallet query parameter required")
		return
	}

	recs, err := h.cycles.ListRecent(r.Context(), wallet, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list cycles failed",
			slog.String("wallet", wallet),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list cycles")
		return
	}

	if recs == nil {
		recs = []domain.CycleRecord{}
	}

	writeJSON(w, http.StatusOK, listCyclesResponse{Cycles: recs})
}
