package domain

import "context"

// TxStatus is the executor's view of a submitted transaction.
type TxStatus string

const (
	TxPending   TxStatus = "PENDING"
	TxConfirmed TxStatus = "CONFIRMED"
	TxFailed    TxStatus = "FAILED"
)

// TxHandle identifies a submitted transaction for later polling.
type TxHandle struct {
	Hash string
}

// SnapshotProvider returns the current state of the monitored position.
// Transport failures wrap ErrUnavailable.
type SnapshotProvider interface {
	Fetch(ctx context.Context, wallet string) (PositionSnapshot, error)
}

// PriceProvider returns current oracle quotes for a set of assets, keyed by
// asset symbol. Failures wrap ErrUnavailable or ErrStaleQuote.
type PriceProvider interface {
	Fetch(ctx context.Context, assets []string) (map[string]PriceQuote, error)
}

// Advisor proposes a mitigation for an at-risk position. Its output is
// non-deterministic and untrusted: it must clear the safety policy before
// anything is executed. Failures wrap ErrDecision and are treated as a NONE
// recommendation by the caller.
type Advisor interface {
	Recommend(ctx context.Context, assess HealthAssessment, snap PositionSnapshot, quotes map[string]PriceQuote) (Recommendation, error)
}

// ActionExecutor submits an approved action as a transaction and reports its
// progress. Failures wrap ErrExecution.
type ActionExecutor interface {
	Submit(ctx context.Context, action RecommendedAction) (TxHandle, error)
	Poll(ctx context.Context, handle TxHandle) (TxStatus, error)
}
