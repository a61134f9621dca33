package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/positionguard/positionguard/internal/domain"
)

// EpisodeStore implements domain.EpisodeStore using PostgreSQL.
type EpisodeStore struct {
	pool *pgxpool.Pool
}

// NewEpisodeStore creates a new EpisodeStore backed by the given connection pool.
func NewEpisodeStore(pool *pgxpool.Pool) *EpisodeStore {
	return &EpisodeStore{pool: pool}
}

const episodeSelectCols = `id, wallet, trigger_risk_level, action_kind, action_asset,
	action_amount, status, attempt_count, tx_hash, close_reason,
	created_at, updated_at, closed_at`

func scanEpisodeRow(row pgx.Row) (domain.ActionEpisode, error) {
	var e domain.ActionEpisode
	var riskLevel, kind, status string

	err := row.Scan(
		&e.ID, &e.Wallet, &riskLevel, &kind, &e.Action.Asset,
		&e.Action.Amount, &status, &e.AttemptCount, &e.TxHash, &e.CloseReason,
		&e.CreatedAt, &e.UpdatedAt, &e.ClosedAt,
	)
	if err != nil {
		return domain.ActionEpisode{}, err
	}
	e.TriggerRiskLevel = domain.RiskLevel(riskLevel)
	e.Action.Kind = domain.ActionKind(kind)
	e.Status = domain.EpisodeStatus(status)
	return e, nil
}

func scanEpisodeRows(rows pgx.Rows) ([]domain.ActionEpisode, error) {
	var episodes []domain.ActionEpisode
	for rows.Next() {
		var e domain.ActionEpisode
		var riskLevel, kind, status string

		if err := rows.Scan(
			&e.ID, &e.Wallet, &riskLevel, &kind, &e.Action.Asset,
			&e.Action.Amount, &status, &e.AttemptCount, &e.TxHash, &e.CloseReason,
			&e.CreatedAt, &e.UpdatedAt, &e.ClosedAt,
		); err != nil {
			return nil, err
		}
		e.TriggerRiskLevel = domain.RiskLevel(riskLevel)
		e.Action.Kind = domain.ActionKind(kind)
		e.Status = domain.EpisodeStatus(status)
		episodes = append(episodes, e)
	}
	return episodes, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Create inserts a new episode. A partial unique index permits a single open
// episode per wallet; a violation surfaces as domain.ErrEpisodeOpen.
func (s *EpisodeStore) Create(ctx context.Context, ep domain.ActionEpisode) error {
	const query = `
		INSERT INTO episodes (
			id, wallet, trigger_risk_level, action_kind, action_asset,
			action_amount, status, attempt_count, tx_hash, close_reason,
			created_at, updated_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13
		)`

	_, err := s.pool.Exec(ctx, query,
		ep.ID, ep.Wallet, string(ep.TriggerRiskLevel),
		string(ep.Action.Kind), ep.Action.Asset,
		ep.Action.Amount, string(ep.Status), ep.AttemptCount,
		ep.TxHash, ep.CloseReason,
		ep.CreatedAt, ep.UpdatedAt, ep.ClosedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create episode for %s: %w", ep.Wallet, domain.ErrEpisodeOpen)
		}
		return fmt.Errorf("postgres: create episode %s: %w", ep.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of an episode.
func (s *EpisodeStore) Update(ctx context.Context, ep domain.ActionEpisode) error {
	const query = `
		UPDATE episodes SET
			wallet             = $2,
			trigger_risk_level = $3,
			action_kind        = $4,
			action_asset       = $5,
			action_amount      = $6,
			status             = $7,
			attempt_count      = $8,
			tx_hash            = $9,
			close_reason       = $10,
			updated_at         = $11,
			closed_at          = $12
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		ep.ID, ep.Wallet, string(ep.TriggerRiskLevel),
		string(ep.Action.Kind), ep.Action.Asset,
		ep.Action.Amount, string(ep.Status), ep.AttemptCount,
		ep.TxHash, ep.CloseReason,
		ep.UpdatedAt, ep.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update episode %s: %w", ep.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Close stamps a close reason and timestamp on a still-open episode.
func (s *EpisodeStore) Close(ctx context.Context, id string, reason string, at time.Time) error {
	const query = `
		UPDATE episodes SET
			close_reason = $2,
			closed_at    = $3,
			updated_at   = $3
		WHERE id = $1 AND closed_at IS NULL`

	tag, err := s.pool.Exec(ctx, query, id, reason, at)
	if err != nil {
		return fmt.Errorf("postgres: close episode %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetOpen returns the single open episode for the given wallet.
func (s *EpisodeStore) GetOpen(ctx context.Context, wallet string) (domain.ActionEpisode, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+episodeSelectCols+` FROM episodes
		 WHERE wallet = $1 AND closed_at IS NULL AND status NOT IN ('CONFIRMED', 'FAILED')`,
		wallet)

	e, err := scanEpisodeRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ActionEpisode{}, domain.ErrNotFound
		}
		return domain.ActionEpisode{}, fmt.Errorf("postgres: get open episode for %s: %w", wallet, err)
	}
	return e, nil
}

// GetByID retrieves a single episode by its ID.
func (s *EpisodeStore) GetByID(ctx context.Context, id string) (domain.ActionEpisode, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+episodeSelectCols+` FROM episodes WHERE id = $1`, id)

	e, err := scanEpisodeRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ActionEpisode{}, domain.ErrNotFound
		}
		return domain.ActionEpisode{}, fmt.Errorf("postgres: get episode %s: %w", id, err)
	}
	return e, nil
}

// ListRecent returns episodes for the given wallet, newest first, with
// pagination and optional time filtering.
func (s *EpisodeStore) ListRecent(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.ActionEpisode, error) {
	query := `SELECT ` + episodeSelectCols + ` FROM episodes WHERE wallet = $1`
	args := []any{wallet}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

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
		return nil, fmt.Errorf("postgres: list episodes: %w", err)
	}
	defer rows.Close()

	episodes, err := scanEpisodeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan episodes: %w", err)
	}
	return episodes, nil
}

// ListClosedBefore returns closed episodes older than the cutoff, oldest
// first, for archival.
func (s *EpisodeStore) ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]domain.ActionEpisode, error) {
	query := `SELECT ` + episodeSelectCols + ` FROM episodes
		WHERE closed_at IS NOT NULL AND closed_at < $1
		ORDER BY closed_at ASC`
	args := []any{before}

	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed episodes: %w", err)
	}
	defer rows.Close()

	episodes, err := scanEpisodeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed episodes: %w", err)
	}
	return episodes, nil
}

// DeleteClosedBefore removes closed episodes older than the cutoff and
// returns the number deleted.
func (s *EpisodeStore) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM episodes WHERE closed_at IS NOT NULL AND closed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed episodes: %w", err)
	}
	return tag.RowsAffected(), nil
}
