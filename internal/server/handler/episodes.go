package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/positionguard/positionguard/internal/domain"
)

// EpisodeReader defines the episode queries the HTTP API needs.
type EpisodeReader interface {
	ListRecent(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.ActionEpisode, error)
	GetByID(ctx context.Context, id string) (domain.ActionEpisode, error)
}

// EpisodeHandler serves mitigation episode history.
type EpisodeHandler struct {
	episodes EpisodeReader
	wallet   string // default when the query names none
	logger   *slog.Logger
}

// NewEpisodeHandler creates an EpisodeHandler. wallet is the monitored
// address used when requests omit the wallet query parameter.
func NewEpisodeHandler(episodes EpisodeReader, wallet string, logger *slog.Logger) *EpisodeHandler {
	return &EpisodeHandler{
		episodes: episodes,
		wallet:   wallet,
		logger:   logHandler(logger, "episodes"),
	}
}

// listEpisodesResponse wraps the episode list response.
type listEpisodesResponse struct {
	Episodes []domain.ActionEpisode `json:"episodes"`
}

// ListEpisodes returns recent mitigation episodes, newest first.
// GET /api/episodes?wallet=0x...&limit=50&offset=0&since=...&until=...
func (h *EpisodeHandler) ListEpisodes(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		wallet = h.wallet
	}
	if wallet == "" {
		writeError(w, http.StatusBadRequest, "wallet query parameter required")
		return
	}

	eps, err := h.episodes.ListRecent(r.Context(), wallet, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list episodes failed",
			slog.String("wallet", wallet),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list episodes")
		return
	}

	if eps == nil {
		eps = []domain.ActionEpisode{}
	}

	writeJSON(w, http.StatusOK, listEpisodesResponse{Episodes: eps})
}

// GetEpisode returns a single mitigation episode by ID.
// GET /api/episodes/{id}
func (h *EpisodeHandler) GetEpisode(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "episode id required")
		return
	}

	ep, err := h.episodes.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "episode not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get episode failed",
			slog.String("episode_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get episode")
		return
	}

	writeJSON(w, http.StatusOK, ep)
}
