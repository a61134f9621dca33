package handler

import (
	"net/http"

	"github.com/positionguard/positionguard/internal/config"
)

// ConfigHandler serves the running configuration with all secrets redacted.
type ConfigHandler struct {
	cfg *config.Config
}

// NewConfigHandler creates a ConfigHandler for the given configuration.
func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

// GetConfig responds with the redacted configuration so operators can verify
// what the process is actually running with.
// GET /api/config
func (h *ConfigHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, config.RedactedConfig(h.cfg))
}
