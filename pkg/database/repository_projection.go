package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/b1e55ed/core/pkg/projection"
)

// ProjectionRepository persists the in-memory projection.State (and the
// contributor/karma ledgers that ride alongside it) into the rebuildable
// cache tables created by migration 0001. Every write here is idempotent
// with respect to a given event seq: on crash, the projection worker simply
// replays from ProjectionCursor and re-applies, which these upserts accept
// without creating duplicate rows.
type ProjectionRepository struct {
	client *Client
}

// NewProjectionRepository creates a new projection repository.
func NewProjectionRepository(client *Client) *ProjectionRepository {
	return &ProjectionRepository{client: client}
}

// UpsertPosition writes or updates a single open position row. lastEventSeq
// is the seq of the event that produced this snapshot, tracked separately
// from the position's own OpenedSeq/ClosedSeq so the cache row's staleness
// can be checked independent of the position's domain lifecycle.
func (r *ProjectionRepository) UpsertPosition(ctx context.Context, p *projection.Position, lastEventSeq uint64) error {
	query := `
		INSERT INTO positions (symbol, side, size, entry_price, opened_at_seq, last_event_seq, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol) DO UPDATE SET
			side = EXCLUDED.side,
			size = EXCLUDED.size,
			entry_price = EXCLUDED.entry_price,
			last_event_seq = EXCLUDED.last_event_seq,
			updated_at = EXCLUDED.updated_at`

	_, err := r.client.ExecContext(ctx, query,
		p.Asset, p.Direction, p.Size, p.Entry, p.OpenedSeq, lastEventSeq, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert position %s: %w", p.Asset, err)
	}
	return nil
}

// DeletePosition removes a closed position's cache row. Closed positions
// remain authoritative in the event log; the cache only tracks open state.
func (r *ProjectionRepository) DeletePosition(ctx context.Context, symbol string) error {
	_, err := r.client.ExecContext(ctx, `DELETE FROM positions WHERE symbol = $1`, symbol)
	if err != nil {
		return fmt.Errorf("failed to delete position %s: %w", symbol, err)
	}
	return nil
}

// GetPosition retrieves a cached open position by symbol, along with the
// event seq its cache row was last refreshed from.
func (r *ProjectionRepository) GetPosition(ctx context.Context, symbol string) (*projection.Position, uint64, error) {
	query := `SELECT symbol, side, size, entry_price, opened_at_seq, last_event_seq FROM positions WHERE symbol = $1`

	p := &projection.Position{}
	var lastEventSeq uint64
	err := r.client.QueryRowContext(ctx, query, symbol).Scan(
		&p.Asset, &p.Direction, &p.Size, &p.Entry, &p.OpenedSeq, &lastEventSeq)
	if err == sql.ErrNoRows {
		return nil, 0, ErrPositionNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get position %s: %w", symbol, err)
	}
	return p, lastEventSeq, nil
}

// UpsertRegime writes the single current regime row. The table enforces a
// single row (id BOOLEAN PRIMARY KEY DEFAULT true) since regime is a
// portfolio-wide state, not per-asset.
func (r *ProjectionRepository) UpsertRegime(ctx context.Context, regime projection.Regime, confidence float64) error {
	query := `
		INSERT INTO regime_state (id, regime, confidence, last_event_seq, updated_at)
		VALUES (true, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			regime = EXCLUDED.regime,
			confidence = EXCLUDED.confidence,
			last_event_seq = EXCLUDED.last_event_seq,
			updated_at = EXCLUDED.updated_at`

	_, err := r.client.ExecContext(ctx, query, string(regime.Label), confidence, regime.ChangedSeq, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert regime state: %w", err)
	}
	return nil
}

// UpsertContributor writes or updates a contributor's cached scoring
// aggregates.
func (r *ProjectionRepository) UpsertContributor(ctx context.Context, contributorID, displayName, domain string, submitted, accepted int64, reputation float64, lastEventSeq uint64) error {
	query := `
		INSERT INTO contributors (contributor_id, display_name, domain, registered_at_seq, submitted_count, accepted_count, reputation, last_event_seq, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (contributor_id) DO UPDATE SET
			submitted_count = EXCLUDED.submitted_count,
			accepted_count = EXCLUDED.accepted_count,
			reputation = EXCLUDED.reputation,
			last_event_seq = EXCLUDED.last_event_seq,
			updated_at = EXCLUDED.updated_at`

	_, err := r.client.ExecContext(ctx, query,
		contributorID, displayName, domain, lastEventSeq, submitted, accepted, reputation, lastEventSeq, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert contributor %s: %w", contributorID, err)
	}
	return nil
}

// ReplaceLeaderboard atomically rewrites the leaderboard table from a freshly
// computed ranking. The leaderboard is small and derived entirely from
// contributors, so a full replace-in-transaction is simpler and cheaper than
// reconciling individual rank shifts.
func (r *ProjectionRepository) ReplaceLeaderboard(ctx context.Context, ranked []LeaderboardEntry, eventSeq uint64) error {
	tx, err := r.client.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin leaderboard transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Tx().ExecContext(ctx, `DELETE FROM leaderboard`); err != nil {
		return fmt.Errorf("failed to clear leaderboard: %w", err)
	}

	now := time.Now()
	for _, entry := range ranked {
		_, err := tx.Tx().ExecContext(ctx, `
			INSERT INTO leaderboard (contributor_id, rank, score, last_event_seq, updated_at)
			VALUES ($1, $2, $3, $4, $5)`,
			entry.ContributorID, entry.Rank, entry.Score, eventSeq, now)
		if err != nil {
			return fmt.Errorf("failed to insert leaderboard row for %s: %w", entry.ContributorID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit leaderboard replace: %w", err)
	}
	return nil
}

// LeaderboardEntry is one ranked row written by ReplaceLeaderboard.
type LeaderboardEntry struct {
	ContributorID string
	Rank          int
	Score         float64
}

// AppendWeightHistory records one domain weight adjustment. This table is
// append-only by design (weight_history mirrors the event log's
// weight.adjusted.v1 events); it is never updated or deleted, only pruned by
// a retention job outside this package's scope. A row whose event_seq is
// already present is not inserted again, so a replayed event adds no row.
func (r *ProjectionRepository) AppendWeightHistory(ctx context.Context, domain string, weight float64, eventSeq uint64) error {
	query := `
		INSERT INTO weight_history (domain, weight, event_seq, recorded_at)
		SELECT $1::text, $2::double precision, $3::bigint, $4::timestamptz
		WHERE NOT EXISTS (SELECT 1 FROM weight_history WHERE event_seq = $3::bigint)`
	_, err := r.client.ExecContext(ctx, query, domain, weight, eventSeq, time.Now())
	if err != nil {
		return fmt.Errorf("failed to append weight history for %s: %w", domain, err)
	}
	return nil
}

// UpsertKarmaIntent writes or updates a karma intent row. Settlement moves
// an intent from settled=false to settled=true; it is never deleted.
func (r *ProjectionRepository) UpsertKarmaIntent(ctx context.Context, intentID, positionID string, amount float64, settled bool, eventSeq uint64, settledAtSeq *uint64) error {
	query := `
		INSERT INTO karma_ledger (intent_id, position_id, amount, settled, event_seq, settled_at_seq, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (intent_id) DO UPDATE SET
			settled = EXCLUDED.settled,
			settled_at_seq = EXCLUDED.settled_at_seq`

	var settledAt sql.NullInt64
	if settledAtSeq != nil {
		settledAt = sql.NullInt64{Int64: int64(*settledAtSeq), Valid: true}
	}

	_, err := r.client.ExecContext(ctx, query, intentID, positionID, amount, settled, eventSeq, settledAt, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert karma intent %s: %w", intentID, err)
	}
	return nil
}

// AdvanceCursor records the last event seq a named projection has applied.
// Callers resume Replay from this seq + 1 rather than from genesis on
// restart.
func (r *ProjectionRepository) AdvanceCursor(ctx context.Context, projectionName string, seq uint64) error {
	query := `
		INSERT INTO projection_cursor (projection_name, last_applied_seq, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (projection_name) DO UPDATE SET
			last_applied_seq = EXCLUDED.last_applied_seq,
			updated_at = EXCLUDED.updated_at`

	_, err := r.client.ExecContext(ctx, query, projectionName, seq, time.Now())
	if err != nil {
		return fmt.Errorf("failed to advance projection cursor %s: %w", projectionName, err)
	}
	return nil
}

// Cursor returns the last seq a named projection applied, or zero if it has
// never run.
func (r *ProjectionRepository) Cursor(ctx context.Context, projectionName string) (uint64, error) {
	query := `SELECT last_applied_seq FROM projection_cursor WHERE projection_name = $1`

	var seq int64
	err := r.client.QueryRowContext(ctx, query, projectionName).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read projection cursor %s: %w", projectionName, err)
	}
	return uint64(seq), nil
}
