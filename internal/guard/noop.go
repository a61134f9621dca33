package guard

import (
	"context"
	"log/slog"

	"github.com/positionguard/positionguard/internal/domain"
)

// NoopExecutor satisfies domain.ActionExecutor without moving any funds. It
// is wired in place of the real executor in dry-run mode and logs every
// transaction it suppresses.
type NoopExecutor struct {
	logger *slog.Logger
}

// NewNoopExecutor creates a NoopExecutor.
func NewNoopExecutor(logger *slog.Logger) *NoopExecutor {
	return &NoopExecutor{
		logger: logger.With(slog.String("component", "noop_executor")),
	}
}

// Submit logs the action that would have been sent and returns a synthetic
// handle.
func (n *NoopExecutor) Submit(ctx context.Context, action domain.RecommendedAction) (domain.TxHandle, error) {
	n.logger.InfoContext(ctx, "dry-run: transaction suppressed",
		slog.String("action", action.String()),
	)
	return domain.TxHandle{Hash: "dry-run"}, nil
}

// Poll reports confirmation unconditionally. Dry-run episodes never reach
// the polling path, so this only matters for direct callers.
func (n *NoopExecutor) Poll(ctx context.Context, handle domain.TxHandle) (domain.TxStatus, error) {
	return domain.TxConfirmed, nil
}

var _ domain.ActionExecutor = (*NoopExecutor)(nil)
