package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/positionguard/positionguard/internal/domain"
)

// CycleStore implements domain.CycleStore using PostgreSQL.
type CycleStore struct {
	pool *pgxpool.Pool
}

// NewCycleStore creates a new CycleStore backed by the given connection pool.
func NewCycleStore(pool *pgxpool.Pool) *CycleStore {
	return &CycleStore{pool: pool}
}

const cycleSelectCols = `ts, wallet, health_factor, risk_level, action,
	executed, skipped, skip_reason, episode_id, episode_status, duration_ms`

func scanCycleRows(rows pgx.Rows) ([]domain.CycleRecord, error) {
	var records []domain.CycleRecord
	for rows.Next() {
		var r domain.CycleRecord
		var riskLevel, episodeStatus string

		if err := rows.Scan(
			&r.Timestamp, &r.Wallet, &r.HealthFactor, &riskLevel, &r.Action,
			&r.Executed, &r.Skipped, &r.SkipReason,
			&r.EpisodeID, &episodeStatus, &r.DurationMs,
		); err != nil {
			return nil, err
		}
		r.RiskLevel = domain.RiskLevel(riskLevel)
		r.EpisodeStatus = domain.EpisodeStatus(episodeStatus)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Insert appends one cycle record.
func (s *CycleStore) Insert(ctx context.Context, rec domain.CycleRecord) error {
	const query = `
		INSERT INTO cycle_records (
			ts, wallet, health_factor, risk_level, action,
			executed, skipped, skip_reason, episode_id, episode_status, duration_ms
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11
		)`

	_, err := s.pool.Exec(ctx, query,
		rec.Timestamp, rec.Wallet, rec.HealthFactor,
		string(rec.RiskLevel), rec.Action,
		rec.Executed, rec.Skipped, rec.SkipReason,
		rec.EpisodeID, string(rec.EpisodeStatus), rec.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert cycle record: %w", err)
	}
	return nil
}

// ListRecent returns cycle records for the given wallet, newest first, with
// pagination and optional time filtering.
func (s *CycleStore) ListRecent(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.CycleRecord, error) {
	query := `SELECT ` + cycleSelectCols + ` FROM cycle_records WHERE wallet = $1`
	args := []any{wallet}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND ts >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND ts <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY ts DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cycle records: %w", err)
	}
	defer rows.Close()

	records, err := scanCycleRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan cycle records: %w", err)
	}
	return records, nil
}

// ListBefore returns cycle records older than the cutoff, oldest first, for
// archival.
func (s *CycleStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.CycleRecord, error) {
	query := `SELECT ` + cycleSelectCols + ` FROM cycle_records
		WHERE ts < $1
		ORDER BY ts ASC`
	args := []any{before}

	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list old cycle records: %w", err)
	}
	defer rows.Close()

	records, err := scanCycleRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan old cycle records: %w", err)
	}
	return records, nil
}

// DeleteBefore removes cycle records older than the cutoff and returns the
// number deleted.
func (s *CycleStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cycle_records WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete old cycle records: %w", err)
	}
	return tag.RowsAffected(), nil
}
