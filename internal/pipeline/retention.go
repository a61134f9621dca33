// Package pipeline runs background maintenance jobs: archival of old
// monitoring data to cold storage and pruning of the archived rows.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/positionguard/positionguard/internal/domain"
)

// CycleRetentionStore prunes cycle records that have been archived.
type CycleRetentionStore interface {
	// DeleteBefore removes cycle records older than the cutoff and returns
	// the number deleted.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// EpisodeRetentionStore prunes closed episodes that have been archived.
type EpisodeRetentionStore interface {
	// DeleteClosedBefore removes closed episodes older than the cutoff and
	// returns the number deleted.
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
}

// Retention archives cycle records and closed episodes older than the
// retention window to object storage, verifies each uploaded object exists,
// and only then prunes the archived rows from the database. Open episodes
// are never touched.
type Retention struct {
	archiver      domain.Archiver
	reader        domain.BlobReader
	cycles        CycleRetentionStore
	episodes      EpisodeRetentionStore
	audit         domain.AuditStore
	retentionDays int
	logger        *slog.Logger
}

// NewRetention creates a Retention job. The audit store may be nil, in which
// case prune events are only logged.
func NewRetention(
	archiver domain.Archiver,
	reader domain.BlobReader,
	cycles CycleRetentionStore,
	episodes EpisodeRetentionStore,
	audit domain.AuditStore,
	retentionDays int,
	logger *slog.Logger,
) *Retention {
	return &Retention{
		archiver:      archiver,
		reader:        reader,
		cycles:        cycles,
		episodes:      episodes,
		audit:         audit,
		retentionDays: retentionDays,
		logger:        logger,
	}
}

// Run executes a single retention pass. The cutoff is retentionDays before
// now; everything older is archived and pruned.
func (r *Retention) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -r.retentionDays)
	r.logger.Info("starting retention run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", r.retentionDays),
	)

	cyclesPruned, err := r.retainCycles(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("retaining cycle records before %v: %w", cutoff, err)
	}

	episodesPruned, err := r.retainEpisodes(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("retaining episodes before %v: %w", cutoff, err)
	}

	r.logger.Info("retention run complete",
		slog.Int64("cycles_pruned", cyclesPruned),
		slog.Int64("episodes_pruned", episodesPruned),
	)
	return nil
}

func (r *Retention) retainCycles(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.archiver.ArchiveCycles(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if res.Count == 0 {
		r.logger.Info("no cycle records past retention")
		return 0, nil
	}
	r.logger.Info("archived cycle records",
		slog.Int64("count", res.Count),
		slog.String("path", res.Path),
	)

	if err := r.verifyArchive(ctx, res.Path); err != nil {
		return 0, err
	}

	deleted, err := r.cycles.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune cycle records: %w", err)
	}
	r.logPrune(ctx, "prune.cycles", deleted, res.Path, cutoff)
	return deleted, nil
}

func (r *Retention) retainEpisodes(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.archiver.ArchiveEpisodes(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if res.Count == 0 {
		r.logger.Info("no closed episodes past retention")
		return 0, nil
	}
	r.logger.Info("archived closed episodes",
		slog.Int64("count", res.Count),
		slog.String("path", res.Path),
	)

	if err := r.verifyArchive(ctx, res.Path); err != nil {
		return 0, err
	}

	deleted, err := r.episodes.DeleteClosedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune closed episodes: %w", err)
	}
	r.logPrune(ctx, "prune.episodes", deleted, res.Path, cutoff)
	return deleted, nil
}

// verifyArchive confirms the uploaded object is actually retrievable before
// any rows are deleted.
func (r *Retention) verifyArchive(ctx context.Context, path string) error {
	ok, err := r.reader.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("verify archive %s: %w", path, err)
	}
	if !ok {
		return fmt.Errorf("archive %s not found after upload", path)
	}
	return nil
}

func (r *Retention) logPrune(ctx context.Context, event string, deleted int64, path string, cutoff time.Time) {
	r.logger.Info("pruned archived rows",
		slog.String("event", event),
		slog.Int64("deleted", deleted),
		slog.String("archive", path),
	)
	if r.audit == nil {
		return
	}
	if err := r.audit.Log(ctx, event, map[string]any{
		"deleted": deleted,
		"archive": path,
		"before":  cutoff.Format(time.RFC3339),
	}); err != nil {
		r.logger.Warn("audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

// RunCron runs the retention job on a cron schedule until the context is
// cancelled. It supports cron expressions in the standard 5-field format:
// "minute hour day-of-month month day-of-week"
//
// Example: "0 3 * * *" runs at 3:00 AM every day.
func (r *Retention) RunCron(ctx context.Context, cronExpr string) error {
	r.logger.Info("retention cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
		}

		waitDuration := time.Until(next)
		r.logger.Info("retention waiting for next cron trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", waitDuration),
		)

		timer := time.NewTimer(waitDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("retention cron stopped")
			return ctx.Err()
		case <-timer.C:
			if err := r.Run(ctx); err != nil {
				r.logger.Error("retention run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField represents a parsed cron field that can match against a value.
type cronField struct {
	wildcard bool
	values   []int
}

// matches returns true if the given value matches this cron field.
func (f cronField) matches(val int) bool {
	if f.wildcard {
		return true
	}
	for _, v := range f.values {
		if v == val {
			return true
		}
	}
	return false
}

// parseCronField parses a single cron field (e.g. "0", "*", "1,15").
func parseCronField(field string) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}

	parts := strings.Split(field, ",")
	values := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		v, err := strconv.Atoi(p)
		if err != nil {
			return cronField{}, fmt.Errorf("invalid cron field value %q: %w", p, err)
		}
		values = append(values, v)
	}
	return cronField{values: values}, nil
}

// parsedCron holds five parsed cron fields.
type parsedCron struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

// matchesTime returns true if the given time matches all five cron fields.
func (c parsedCron) matchesTime(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

// parseCron parses a 5-field cron expression into a parsedCron struct.
func parseCron(expr string) (parsedCron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return parsedCron{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	minute, err := parseCronField(fields[0])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing minute field: %w", err)
	}
	hour, err := parseCronField(fields[1])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing hour field: %w", err)
	}
	dayOfMonth, err := parseCronField(fields[2])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing day-of-month field: %w", err)
	}
	month, err := parseCronField(fields[3])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing month field: %w", err)
	}
	dayOfWeek, err := parseCronField(fields[4])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing day-of-week field: %w", err)
	}

	return parsedCron{
		minute:     minute,
		hour:       hour,
		dayOfMonth: dayOfMonth,
		month:      month,
		dayOfWeek:  dayOfWeek,
	}, nil
}

// nextCronTime calculates the next time after 'after' that matches the given
// cron expression. It searches minute-by-minute up to one year ahead.
func nextCronTime(cronExpr string, after time.Time) (time.Time, error) {
	cron, err := parseCron(cronExpr)
	if err != nil {
		return time.Time{}, err
	}

	// Start from the next minute boundary.
	candidate := after.Truncate(time.Minute).Add(time.Minute)

	// Search up to one year ahead to avoid infinite loops.
	limit := after.Add(366 * 24 * time.Hour)

	for candidate.Before(limit) {
		if cron.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}

	return time.Time{}, fmt.Errorf("no matching cron time found within one year for %q", cronExpr)
}
