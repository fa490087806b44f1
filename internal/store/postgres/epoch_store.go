package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

// EpochStore implements domain.EpochStore using PostgreSQL.
type EpochStore struct {
	pool *pgxpool.Pool
}

// NewEpochStore creates a new EpochStore backed by the given connection pool.
func NewEpochStore(pool *pgxpool.Pool) *EpochStore {
	return &EpochStore{pool: pool}
}

const epochSelectCols = `id, sequence, start_time, end_time, status,
	total_orders, matched_orders, match_count,
	total_volume::text, total_value::text, clearing_price::text,
	cleared_at, failure_reason, created_at, updated_at`

func scanEpoch(row rowScanner) (domain.Epoch, error) {
	var (
		e      domain.Epoch
		status string
		nums   numScanner
	)
	err := row.Scan(
		&e.ID, &e.Sequence, &e.StartTime, &e.EndTime, &status,
		&e.Stats.TotalOrders, &e.Stats.MatchedOrders, &e.Stats.MatchCount,
		nums.col("total_volume", &e.Stats.TotalVolume),
		nums.col("total_value", &e.Stats.TotalValue),
		nums.col("clearing_price", &e.Stats.ClearingPrice),
		&e.ClearedAt, &e.FailureReason, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return domain.Epoch{}, err
	}
	if err := nums.apply(); err != nil {
		return domain.Epoch{}, err
	}
	e.Status = domain.EpochStatus(status)
	return e, nil
}

func scanEpochRows(rows pgx.Rows) ([]domain.Epoch, error) {
	defer rows.Close()
	var epochs []domain.Epoch
	for rows.Next() {
		e, err := scanEpoch(rows)
		if err != nil {
			return nil, err
		}
		epochs = append(epochs, e)
	}
	return epochs, rows.Err()
}

// Create inserts an epoch.
func (s *EpochStore) Create(ctx context.Context, e domain.Epoch) error {
	const query = `
		INSERT INTO epochs (id, sequence, start_time, end_time, status)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := s.pool.Exec(ctx, query, e.ID, e.Sequence, e.StartTime, e.EndTime, string(e.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create epoch %s (seq %d): %w", e.ID, e.Sequence, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create epoch %s: %w", e.ID, err)
	}
	return nil
}

// GetByID retrieves an epoch.
func (s *EpochStore) GetByID(ctx context.Context, id string) (domain.Epoch, error) {
	e, err := scanEpoch(s.pool.QueryRow(ctx, `SELECT `+epochSelectCols+` FROM epochs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Epoch{}, domain.ErrNotFound
		}
		return domain.Epoch{}, fmt.Errorf("postgres: get epoch %s: %w", id, err)
	}
	return e, nil
}

// Transition moves an epoch from -> to with a conditional UPDATE, so two
// concurrent callers cannot both win.
func (s *EpochStore) Transition(ctx context.Context, id string, from, to domain.EpochStatus, upd domain.EpochUpdate) (domain.Epoch, error) {
	if !from.CanTransition(to) {
		return domain.Epoch{}, fmt.Errorf("postgres: epoch %s %s -> %s: %w", id, from, to, domain.ErrIllegalTransition)
	}

	query := `UPDATE epochs SET status = $3, updated_at = NOW(), failure_reason = COALESCE(NULLIF($4, ''), failure_reason)`
	args := []any{id, string(from), string(to), upd.FailureReason}
	if upd.ClearedAt != nil {
		args = append(args, *upd.ClearedAt)
		query += fmt.Sprintf(", cleared_at = $%d", len(args))
	}
	if st := upd.Stats; st != nil {
		args = append(args,
			st.TotalOrders, st.MatchedOrders, st.MatchCount,
			numArg(st.TotalVolume), numArg(st.TotalValue), numArg(st.ClearingPrice),
		)
		n := len(args)
		query += fmt.Sprintf(`, total_orders = $%d, matched_orders = $%d, match_count = $%d,
			total_volume = $%d, total_value = $%d, clearing_price = $%d`,
			n-5, n-4, n-3, n-2, n-1, n)
	}
	query += ` WHERE id = $1 AND status = $2 RETURNING ` + epochSelectCols

	e, err := scanEpoch(s.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Epoch{}, fmt.Errorf("postgres: transition epoch %s: %w", id, err)
	}
	cur, getErr := s.GetByID(ctx, id)
	if getErr != nil {
		return domain.Epoch{}, getErr
	}
	return cur, fmt.Errorf("postgres: epoch %s is %s, expected %s: %w", id, cur.Status, from, domain.ErrStaleTransition)
}

// Latest returns the epoch with the highest sequence.
func (s *EpochStore) Latest(ctx context.Context) (domain.Epoch, error) {
	e, err := scanEpoch(s.pool.QueryRow(ctx, `SELECT `+epochSelectCols+` FROM epochs ORDER BY sequence DESC LIMIT 1`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Epoch{}, domain.ErrNotFound
		}
		return domain.Epoch{}, fmt.Errorf("postgres: latest epoch: %w", err)
	}
	return e, nil
}

// ListByStatus returns epochs in any of statuses, oldest first.
func (s *EpochStore) ListByStatus(ctx context.Context, statuses ...domain.EpochStatus) ([]domain.Epoch, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+epochSelectCols+` FROM epochs WHERE status = ANY($1) ORDER BY sequence`, names)
	if err != nil {
		return nil, fmt.Errorf("postgres: list epochs by status: %w", err)
	}
	epochs, err := scanEpochRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan epochs: %w", err)
	}
	return epochs, nil
}

// List returns epochs newest first.
func (s *EpochStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Epoch, error) {
	query, args := listClause(`SELECT `+epochSelectCols+` FROM epochs WHERE 1=1`, nil, "start_time", opts, "sequence DESC")
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list epochs: %w", err)
	}
	epochs, err := scanEpochRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan epochs: %w", err)
	}
	return epochs, nil
}
