// Package guard implements the position risk monitoring and mitigation loop:
// fetch position and oracle state, derive a health factor, ask the advisor
// for a mitigation, gate it through the safety policy, and execute it exactly
// once per risk episode.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/positionguard/positionguard/internal/domain"
	"github.com/positionguard/positionguard/internal/policy"
	"github.com/positionguard/positionguard/internal/risk"
)

// LevelCritical labels log lines that demand operator action. It sits above
// slog.LevelError and renders as "CRITICAL".
const LevelCritical = slog.LevelError + 4

// Notification events emitted by the loop.
const (
	EventRiskWarning      = "risk.warning"
	EventRiskCritical     = "risk.critical"
	EventEpisodeConfirmed = "episode.confirmed"
	EventEpisodeFailed    = "episode.failed"
	EventGuardStarted     = "guard.started"
	EventGuardStopped     = "guard.stopped"
)

// Signal bus channels and streams the loop publishes to.
const (
	ChannelCycle   = "ch:cycle"
	ChannelEpisode = "ch:episode"
	ChannelAlert   = "ch:alert"
	StreamAlerts   = "stream:alerts"
)

// Skip reasons recorded when a cycle takes no action.
const (
	skipSnapshotUnavailable = "snapshot_unavailable"
	skipPricesUnavailable   = "prices_unavailable"
	skipMissingQuote        = "missing_quote"
	skipStaleQuote          = "stale_quote"
	skipEvaluation          = "evaluation_failed"
	skipPositionSafe        = "position_safe"
	skipEpisodeOpen         = "episode_open"
	skipNoRecommendation    = "no_recommendation"
	skipPolicyRejected      = "policy_rejected"
	skipEpisodeStore        = "episode_store_failed"
	skipTimeout             = "timeout"
)

// Alerter pushes operator-facing notifications for guard events.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Alert is the payload published on the alert channel and stream.
type Alert struct {
	Event   string    `json:"event"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Config holds the loop's runtime parameters, built once at startup and
// immutable afterwards.
type Config struct {
	Wallet           string
	Interval         time.Duration
	CycleTimeout     time.Duration
	DryRun           bool
	MaxRetryAttempts int
	Backoff          Backoff
	AdvisorTimeout   time.Duration
	// DivergenceWarnPct warns when the derived health factor drifts from the
	// pool-reported one by more than this percentage. Zero disables the
	// check.
	DivergenceWarnPct float64
}

// Deps bundles the loop's collaborators. Snapshots, Prices, Evaluator,
// Policy, Advisor, Executor and Episodes are required; Cycles, Bus and
// Alerts are optional and skipped when nil.
type Deps struct {
	Snapshots domain.SnapshotProvider
	Prices    domain.PriceProvider
	Evaluator *risk.Evaluator
	Policy    *policy.Policy
	Advisor   domain.Advisor
	Executor  domain.ActionExecutor
	Episodes  domain.EpisodeStore
	Cycles    domain.CycleStore
	Bus       domain.SignalBus
	Alerts    Alerter
	Clock     Clock
	Logger    *slog.Logger
}

// Status is a point-in-time view of the loop for the status API.
type Status struct {
	Wallet     string
	DryRun     bool
	StartedAt  time.Time
	LastLevel  domain.RiskLevel
	LastRecord *domain.CycleRecord
	LastAdvice *domain.Recommendation
	Episode    *domain.ActionEpisode
}

// Loop drives fetch → evaluate → decide → validate → execute on a fixed
// interval and guarantees at most one in-flight mitigation per position.
type Loop struct {
	cfg    Config
	deps   Deps
	clock  Clock
	logger *slog.Logger

	// mu guards the fields below for Status readers; the loop goroutine is
	// the only writer.
	mu         sync.RWMutex
	episode    *domain.ActionEpisode
	lastLevel  domain.RiskLevel
	lastRecord *domain.CycleRecord
	lastAdvice *domain.Recommendation
	startedAt  time.Time
}

// NewLoop creates a Loop. Zero config values fall back to safe defaults;
// full validation belongs to the config package.
func NewLoop(cfg Config, deps Deps) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = time.Minute
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.AdvisorTimeout <= 0 {
		cfg.AdvisorTimeout = 30 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Loop{
		cfg:    cfg,
		deps:   deps,
		clock:  deps.Clock,
		logger: deps.Logger.With(slog.String("component", "guard")),
	}
}

// Run executes monitoring cycles until ctx is cancelled. The first cycle
// runs immediately; later ones follow the configured interval. Cycles never
// overlap: the next tick is consumed only after the previous cycle returns.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	l.startedAt = l.clock.Now()
	l.mu.Unlock()

	l.logger.InfoContext(ctx, "guard: started",
		slog.String("wallet", l.cfg.Wallet),
		slog.Duration("interval", l.cfg.Interval),
		slog.Bool("dry_run", l.cfg.DryRun),
	)
	defer l.logger.Info("guard: stopped")

	if l.deps.Alerts != nil {
		_ = l.deps.Alerts.Notify(ctx, EventGuardStarted, "Position guard started",
			fmt.Sprintf("Monitoring %s every %s (dry-run: %v)", l.cfg.Wallet, l.cfg.Interval, l.cfg.DryRun))
	}

	l.restoreEpisode(ctx)

	ticker := l.clock.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	// Immediate first cycle so startup does not wait a full interval.
	l.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			l.notifyStopped()
			return ctx.Err()
		case <-ticker.C():
			l.cycle(ctx)
		}
	}
}

// Status returns a copy of the loop's current state for the status API.
// Safe to call from other goroutines.
func (l *Loop) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Status{
		Wallet:    l.cfg.Wallet,
		DryRun:    l.cfg.DryRun,
		StartedAt: l.startedAt,
		LastLevel: l.lastLevel,
	}
	if l.lastRecord != nil {
		rec := *l.lastRecord
		s.LastRecord = &rec
	}
	if l.lastAdvice != nil {
		adv := *l.lastAdvice
		s.LastAdvice = &adv
	}
	if l.episode != nil {
		ep := *l.episode
		s.Episode = &ep
	}
	return s
}

// restoreEpisode reloads an episode left open by a previous run so the
// at-most-one invariant holds across restarts.
func (l *Loop) restoreEpisode(ctx context.Context) {
	ep, err := l.deps.Episodes.GetOpen(ctx, l.cfg.Wallet)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			l.logger.WarnContext(ctx, "guard: restore episode",
				slog.String("error", err.Error()),
			)
		}
		return
	}
	l.setEpisode(&ep)
	l.logger.InfoContext(ctx, "guard: restored open episode",
		slog.String("episode_id", ep.ID),
		slog.String("status", string(ep.Status)),
		slog.Int("attempts", ep.AttemptCount),
	)
}

// cycle runs one bounded unit of work and emits its record. A cycle that
// exceeds the timeout is abandoned; the next one starts from a fresh
// snapshot.
func (l *Loop) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := l.clock.Now()

	cctx, cancel := context.WithTimeout(ctx, l.cfg.CycleTimeout)
	rec := l.runCycle(cctx, start)
	timedOut := errors.Is(cctx.Err(), context.DeadlineExceeded)
	cancel()

	rec.DurationMs = l.clock.Now().Sub(start).Milliseconds()

	if timedOut && ctx.Err() == nil {
		rec.Skipped = true
		rec.SkipReason = skipTimeout
		l.logger.WarnContext(ctx, "guard: cycle timed out, abandoning",
			slog.Duration("timeout", l.cfg.CycleTimeout),
		)
	}

	l.emit(ctx, rec)
}

// runCycle performs one fetch → evaluate → decide → validate → execute pass
// and returns the record to emit. Every provider failure is caught here; the
// loop itself never crashes on one.
func (l *Loop) runCycle(ctx context.Context, start time.Time) domain.CycleRecord {
	rec := domain.CycleRecord{
		Timestamp: start,
		Wallet:    l.cfg.Wallet,
		Action:    domain.NoAction().String(),
	}

	// 1. Fresh snapshot. Transient transport failures are expected; the
	// next cycle simply retries.
	snap, err := l.deps.Snapshots.Fetch(ctx, l.cfg.Wallet)
	if err != nil {
		l.logger.WarnContext(ctx, "guard: snapshot fetch failed",
			slog.String("error", err.Error()),
		)
		rec.Skipped = true
		rec.SkipReason = skipSnapshotUnavailable
		return rec
	}

	// 2. Oracle quotes for every held asset.
	quotes, err := l.deps.Prices.Fetch(ctx, heldAssets(snap))
	if err != nil {
		l.logger.WarnContext(ctx, "guard: price fetch failed",
			slog.String("error", err.Error()),
		)
		rec.Skipped = true
		rec.SkipReason = skipPricesUnavailable
		return rec
	}

	// 3. Deterministic evaluation. A stale or missing quote aborts the
	// cycle before any recommendation is requested.
	assess, err := l.deps.Evaluator.Evaluate(snap, quotes, l.clock.Now())
	if err != nil {
		rec.Skipped = true
		switch {
		case errors.Is(err, domain.ErrMissingQuote):
			// A held asset has no feed configured.
			l.logger.WarnContext(ctx, "guard: valuation failed",
				slog.String("error", err.Error()),
			)
			rec.SkipReason = skipMissingQuote
		case errors.Is(err, domain.ErrStaleQuote):
			l.logger.WarnContext(ctx, "guard: stale quote, cycle aborted",
				slog.String("error", err.Error()),
			)
			rec.SkipReason = skipStaleQuote
		default:
			l.logger.WarnContext(ctx, "guard: evaluation failed",
				slog.String("error", err.Error()),
			)
			rec.SkipReason = skipEvaluation
		}
		return rec
	}

	rec.HealthFactor = domain.FormatHealthFactor(assess.HealthFactor)
	rec.RiskLevel = assess.RiskLevel

	l.noteTransition(ctx, assess)
	l.crossCheck(ctx, snap, assess)

	// 4. Settle the open episode first: at most one mitigation may be in
	// flight, and a pending one is discarded once the risk resolves on its
	// own.
	if l.episode != nil && l.settleEpisode(ctx, assess, &rec) {
		return rec
	}

	// 5. Safe positions need no recommendation.
	if assess.RiskLevel == domain.RiskSafe {
		rec.Skipped = true
		rec.SkipReason = skipPositionSafe
		return rec
	}

	// 6. Ask the advisor. Failures and malformed responses fail safe to
	// NONE; an unvalidated action must never slip through.
	action := l.recommend(ctx, assess, snap, quotes)
	rec.Action = action.String()

	// 7. Policy gate. A rejection is an expected outcome, not an error.
	verdict := l.deps.Policy.Validate(action, assess)
	if !verdict.Approved {
		rec.Skipped = true
		if action.IsNone() {
			rec.SkipReason = skipNoRecommendation
		} else {
			rec.SkipReason = skipPolicyRejected
			l.logger.InfoContext(ctx, "guard: action rejected by policy",
				slog.String("action", action.String()),
				slog.String("reason", string(verdict.Reason)),
			)
		}
		return rec
	}
	if verdict.Clamped {
		l.logger.InfoContext(ctx, "guard: action clamped to cap",
			slog.String("proposed", action.String()),
			slog.String("clamped", verdict.Action.String()),
		)
		rec.Action = verdict.Action.String()
	}

	// 8. Open the episode. Approval opens it; execution state follows.
	now := l.clock.Now()
	ep := &domain.ActionEpisode{
		ID:               uuid.New().String(),
		Wallet:           l.cfg.Wallet,
		TriggerRiskLevel: assess.RiskLevel,
		Action:           verdict.Action,
		Status:           domain.EpisodePending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := l.deps.Episodes.Create(ctx, *ep); err != nil {
		// Without a tracked episode nothing may execute; the next cycle
		// starts over.
		l.logger.ErrorContext(ctx, "guard: open episode failed",
			slog.String("error", err.Error()),
		)
		rec.Skipped = true
		rec.SkipReason = skipEpisodeStore
		return rec
	}
	l.setEpisode(ep)
	rec.EpisodeID = ep.ID
	rec.EpisodeStatus = ep.Status
	l.publishEpisode(ctx, ep)

	// 9. Execute, or log the suppressed submission in dry-run. Dry-run
	// episodes never transition past PENDING.
	if l.cfg.DryRun {
		_, _ = l.deps.Executor.Submit(ctx, verdict.Action)
		l.logger.InfoContext(ctx, "guard: dry-run, transaction suppressed",
			slog.String("action", verdict.Action.String()),
			slog.String("risk_level", string(assess.RiskLevel)),
		)
		return rec
	}

	l.submitEpisode(ctx, &rec)
	return rec
}

// settleEpisode handles a cycle that starts with an open episode. It reports
// whether the cycle is blocked from issuing a new recommendation.
func (l *Loop) settleEpisode(ctx context.Context, assess domain.HealthAssessment, rec *domain.CycleRecord) bool {
	ep := l.episode
	rec.EpisodeID = ep.ID
	rec.EpisodeStatus = ep.Status

	switch ep.Status {
	case domain.EpisodePending:
		if assess.RiskLevel == domain.RiskSafe {
			// The risk resolved before submission; the stale
			// recommendation is discarded (PENDING -> NONE).
			l.logger.InfoContext(ctx, "guard: risk resolved, discarding pending episode",
				slog.String("episode_id", ep.ID),
				slog.String("action", ep.Action.String()),
			)
			l.closeEpisode(ctx, ep, "discarded: risk resolved")
			l.setEpisode(nil)
			return false
		}
		if l.cfg.DryRun {
			// Dry-run episodes stay PENDING until the risk resolves.
			l.logger.DebugContext(ctx, "guard: dry-run episode still pending",
				slog.String("episode_id", ep.ID),
			)
			rec.Skipped = true
			rec.SkipReason = skipEpisodeOpen
			return true
		}
		// A live PENDING episode at cycle start means a restart interrupted
		// submission; resume it with the remaining attempt budget.
		l.submitEpisode(ctx, rec)
		return true

	case domain.EpisodeSubmitted:
		l.pollEpisode(ctx, rec)
		return true

	default:
		// Terminal but not cleared; drop the stale reference.
		l.setEpisode(nil)
		return false
	}
}

// pollEpisode checks a submitted transaction and resolves the episode when
// the chain reports a terminal state.
func (l *Loop) pollEpisode(ctx context.Context, rec *domain.CycleRecord) {
	ep := l.episode

	status, err := l.deps.Executor.Poll(ctx, domain.TxHandle{Hash: ep.TxHash})
	if err != nil {
		l.logger.WarnContext(ctx, "guard: transaction poll failed",
			slog.String("episode_id", ep.ID),
			slog.String("tx_hash", ep.TxHash),
			slog.String("error", err.Error()),
		)
		rec.Skipped = true
		rec.SkipReason = skipEpisodeOpen
		return
	}

	switch status {
	case domain.TxConfirmed:
		_ = ep.Transition(domain.EpisodeConfirmed, l.clock.Now())
		l.storeEpisode(ctx, ep)
		l.closeEpisode(ctx, ep, "confirmed")
		l.logger.InfoContext(ctx, "guard: mitigation confirmed",
			slog.String("episode_id", ep.ID),
			slog.String("action", ep.Action.String()),
			slog.String("tx_hash", ep.TxHash),
		)
		if l.deps.Alerts != nil {
			_ = l.deps.Alerts.Notify(ctx, EventEpisodeConfirmed, "Mitigation confirmed",
				fmt.Sprintf("%s confirmed in tx %s", ep.Action, ep.TxHash))
		}
		rec.EpisodeStatus = domain.EpisodeConfirmed
		rec.Executed = true
		l.publishEpisode(ctx, ep)
		l.setEpisode(nil)

	case domain.TxFailed:
		// The chain reverted the transaction after acceptance; repeating
		// the identical submission would only burn gas.
		_ = ep.Transition(domain.EpisodeFailed, l.clock.Now())
		l.storeEpisode(ctx, ep)
		l.closeEpisode(ctx, ep, "transaction reverted")
		rec.EpisodeStatus = domain.EpisodeFailed
		l.publishEpisode(ctx, ep)
		l.critical(ctx, EventEpisodeFailed, "Mitigation transaction reverted",
			fmt.Sprintf("%s reverted on-chain (tx %s); position remains at %s risk, operator intervention required",
				ep.Action, ep.TxHash, ep.TriggerRiskLevel))
		l.setEpisode(nil)

	case domain.TxPending:
		l.logger.DebugContext(ctx, "guard: transaction still pending",
			slog.String("episode_id", ep.ID),
			slog.String("tx_hash", ep.TxHash),
		)
		rec.Skipped = true
		rec.SkipReason = skipEpisodeOpen
	}
}

// submitEpisode pushes the open episode's action on-chain, retrying with
// exponential backoff up to the attempt budget. On exhaustion the episode is
// FAILED, exactly one critical alert goes out, and the loop moves on.
func (l *Loop) submitEpisode(ctx context.Context, rec *domain.CycleRecord) {
	ep := l.episode
	rec.EpisodeID = ep.ID

	for ep.AttemptCount < l.cfg.MaxRetryAttempts {
		if ctx.Err() != nil {
			// Cycle timeout or shutdown; the episode stays PENDING and the
			// next cycle resumes with the remaining budget.
			rec.EpisodeStatus = ep.Status
			return
		}

		ep.AttemptCount++
		handle, err := l.deps.Executor.Submit(ctx, ep.Action)
		if err == nil {
			ep.TxHash = handle.Hash
			_ = ep.Transition(domain.EpisodeSubmitted, l.clock.Now())
			l.storeEpisode(ctx, ep)
			l.logger.InfoContext(ctx, "guard: mitigation submitted",
				slog.String("episode_id", ep.ID),
				slog.String("action", ep.Action.String()),
				slog.String("tx_hash", ep.TxHash),
				slog.Int("attempt", ep.AttemptCount),
			)
			rec.Executed = true
			rec.EpisodeStatus = ep.Status
			l.publishEpisode(ctx, ep)
			return
		}

		l.logger.WarnContext(ctx, "guard: submission failed",
			slog.String("episode_id", ep.ID),
			slog.Int("attempt", ep.AttemptCount),
			slog.Int("max_attempts", l.cfg.MaxRetryAttempts),
			slog.String("error", err.Error()),
		)
		l.storeEpisode(ctx, ep)

		if ep.AttemptCount >= l.cfg.MaxRetryAttempts {
			break
		}
		if err := l.clock.Sleep(ctx, l.cfg.Backoff.Delay(ep.AttemptCount)); err != nil {
			rec.EpisodeStatus = ep.Status
			return
		}
	}

	// Retry budget exhausted; the position is left unmitigated.
	_ = ep.Transition(domain.EpisodeFailed, l.clock.Now())
	l.storeEpisode(ctx, ep)
	l.closeEpisode(ctx, ep, "retries exhausted")
	rec.EpisodeStatus = domain.EpisodeFailed
	l.publishEpisode(ctx, ep)
	l.critical(ctx, EventEpisodeFailed, "Mitigation failed",
		fmt.Sprintf("%s failed after %d attempts; position remains at %s risk, operator intervention required",
			ep.Action, ep.AttemptCount, ep.TriggerRiskLevel))
	l.setEpisode(nil)
}

// recommend asks the advisor under its own deadline. Any failure is the NONE
// action: the loop fails safe, never open.
func (l *Loop) recommend(ctx context.Context, assess domain.HealthAssessment, snap domain.PositionSnapshot, quotes map[string]domain.PriceQuote) domain.RecommendedAction {
	actx, cancel := context.WithTimeout(ctx, l.cfg.AdvisorTimeout)
	defer cancel()

	recommendation, err := l.deps.Advisor.Recommend(actx, assess, snap, quotes)
	if err != nil {
		l.logger.WarnContext(ctx, "guard: recommendation failed, treating as NONE",
			slog.String("error", err.Error()),
		)
		return domain.NoAction()
	}
	l.setAdvice(recommendation)

	if !recommendation.Action.IsNone() {
		l.logger.InfoContext(ctx, "guard: advisor proposed action",
			slog.String("action", recommendation.Action.String()),
			slog.Float64("confidence", recommendation.Confidence),
			slog.String("reason", recommendation.Reason),
		)
	}
	return recommendation.Action
}

// noteTransition logs and notifies risk-level changes. The first SAFE
// observation just establishes the baseline.
func (l *Loop) noteTransition(ctx context.Context, assess domain.HealthAssessment) {
	l.mu.RLock()
	prev := l.lastLevel
	l.mu.RUnlock()

	if assess.RiskLevel == prev {
		return
	}
	l.setLevel(assess.RiskLevel)

	if prev == "" && assess.RiskLevel == domain.RiskSafe {
		return
	}

	hf := domain.FormatHealthFactor(assess.HealthFactor)
	switch assess.RiskLevel {
	case domain.RiskCritical:
		l.logger.Log(ctx, LevelCritical, "guard: risk level CRITICAL",
			slog.String("health_factor", hf),
			slog.String("previous", string(prev)),
		)
		if l.deps.Alerts != nil {
			_ = l.deps.Alerts.Notify(ctx, EventRiskCritical, "Position at CRITICAL risk",
				fmt.Sprintf("Health factor %s on %s", hf, l.cfg.Wallet))
		}
	case domain.RiskWarning:
		l.logger.WarnContext(ctx, "guard: risk level WARNING",
			slog.String("health_factor", hf),
			slog.String("previous", string(prev)),
		)
		if l.deps.Alerts != nil {
			_ = l.deps.Alerts.Notify(ctx, EventRiskWarning, "Position approaching risk",
				fmt.Sprintf("Health factor %s on %s", hf, l.cfg.Wallet))
		}
	case domain.RiskSafe:
		l.logger.InfoContext(ctx, "guard: risk resolved",
			slog.String("health_factor", hf),
			slog.String("previous", string(prev)),
		)
	}
}

// crossCheck compares the derived health factor with the pool-reported one.
// Material drift usually means a bad feed or a decimals mismatch.
func (l *Loop) crossCheck(ctx context.Context, snap domain.PositionSnapshot, assess domain.HealthAssessment) {
	if l.cfg.DivergenceWarnPct <= 0 || assess.Infinite() || snap.ReportedHealthFactor <= 0 {
		return
	}
	drift := math.Abs(assess.HealthFactor-snap.ReportedHealthFactor) / snap.ReportedHealthFactor * 100
	if drift > l.cfg.DivergenceWarnPct {
		l.logger.WarnContext(ctx, "guard: health factor diverges from pool-reported value",
			slog.String("derived", domain.FormatHealthFactor(assess.HealthFactor)),
			slog.String("reported", domain.FormatHealthFactor(snap.ReportedHealthFactor)),
			slog.Float64("drift_pct", drift),
		)
	}
}

// emit writes the per-cycle record to every configured sink. The slog line
// is the system's required trace; store and bus are best-effort extras.
func (l *Loop) emit(ctx context.Context, rec domain.CycleRecord) {
	l.logger.LogAttrs(ctx, slog.LevelInfo, "guard: cycle",
		slog.Time("timestamp", rec.Timestamp),
		slog.String("health_factor", rec.HealthFactor),
		slog.String("risk_level", string(rec.RiskLevel)),
		slog.String("action", rec.Action),
		slog.Bool("executed", rec.Executed),
		slog.Bool("skipped", rec.Skipped),
		slog.String("skip_reason", rec.SkipReason),
		slog.String("episode_status", string(rec.EpisodeStatus)),
		slog.Int64("duration_ms", rec.DurationMs),
	)

	l.mu.Lock()
	l.lastRecord = &rec
	l.mu.Unlock()

	if l.deps.Cycles != nil {
		if err := l.deps.Cycles.Insert(ctx, rec); err != nil {
			l.logger.WarnContext(ctx, "guard: cycle record insert failed",
				slog.String("error", err.Error()),
			)
		}
	}
	if l.deps.Bus != nil {
		if payload, err := json.Marshal(rec); err == nil {
			_ = l.deps.Bus.Publish(ctx, ChannelCycle, payload)
		}
	}
}

// critical raises a CRITICAL log line and pushes the alert to the operator
// channels, the alert channel, and the durable alert stream.
func (l *Loop) critical(ctx context.Context, event, title, message string) {
	l.logger.Log(ctx, LevelCritical, "guard: "+title,
		slog.String("event", event),
		slog.String("detail", message),
	)
	if l.deps.Alerts != nil {
		_ = l.deps.Alerts.Notify(ctx, event, title, message)
	}
	if l.deps.Bus != nil {
		payload, err := json.Marshal(Alert{
			Event:   event,
			Title:   title,
			Message: message,
			At:      l.clock.Now(),
		})
		if err == nil {
			_ = l.deps.Bus.Publish(ctx, ChannelAlert, payload)
			_ = l.deps.Bus.StreamAppend(ctx, StreamAlerts, payload)
		}
	}
}

// notifyStopped sends the shutdown notification on a fresh context, since
// the run context is already cancelled.
func (l *Loop) notifyStopped() {
	if l.deps.Alerts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = l.deps.Alerts.Notify(ctx, EventGuardStopped, "Position guard stopped",
		fmt.Sprintf("Monitoring of %s stopped", l.cfg.Wallet))
}

// storeEpisode persists the episode's current state, best-effort: the
// in-memory copy stays authoritative for the running loop.
func (l *Loop) storeEpisode(ctx context.Context, ep *domain.ActionEpisode) {
	if err := l.deps.Episodes.Update(ctx, *ep); err != nil {
		l.logger.WarnContext(ctx, "guard: episode update failed",
			slog.String("episode_id", ep.ID),
			slog.String("error", err.Error()),
		)
	}
}

// closeEpisode marks the episode resolved in the store.
func (l *Loop) closeEpisode(ctx context.Context, ep *domain.ActionEpisode, reason string) {
	if err := l.deps.Episodes.Close(ctx, ep.ID, reason, l.clock.Now()); err != nil {
		l.logger.WarnContext(ctx, "guard: episode close failed",
			slog.String("episode_id", ep.ID),
			slog.String("error", err.Error()),
		)
	}
}

// publishEpisode pushes an episode event on the signal bus for live
// dashboards.
func (l *Loop) publishEpisode(ctx context.Context, ep *domain.ActionEpisode) {
	if l.deps.Bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"episode_id": ep.ID,
		"status":     ep.Status,
		"action":     ep.Action.String(),
		"risk_level": ep.TriggerRiskLevel,
		"attempts":   ep.AttemptCount,
		"tx_hash":    ep.TxHash,
	})
	if err != nil {
		return
	}
	_ = l.deps.Bus.Publish(ctx, ChannelEpisode, payload)
}

func (l *Loop) setEpisode(ep *domain.ActionEpisode) {
	l.mu.Lock()
	l.episode = ep
	l.mu.Unlock()
}

func (l *Loop) setLevel(level domain.RiskLevel) {
	l.mu.Lock()
	l.lastLevel = level
	l.mu.Unlock()
}

func (l *Loop) setAdvice(rec domain.Recommendation) {
	l.mu.Lock()
	l.lastAdvice = &rec
	l.mu.Unlock()
}

// heldAssets lists the snapshot's assets in a stable order for the price
// fetch.
func heldAssets(snap domain.PositionSnapshot) []string {
	assets := make([]string, 0, len(snap.AssetBreakdown))
	for asset := range snap.AssetBreakdown {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}
