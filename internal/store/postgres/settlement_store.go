package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

// SettlementStore implements domain.SettlementStore using PostgreSQL.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

const settlementSelectCols = `id, match_id, epoch_id, buyer, seller,
	quantity::text, price::text, gross_amount::text, platform_fee::text, net_amount::text,
	status, retry_count, ledger_tx_ref, last_error, created_at, updated_at, confirmed_at`

func scanSettlement(row rowScanner) (domain.Settlement, error) {
	var (
		st     domain.Settlement
		status string
		nums   numScanner
	)
	err := row.Scan(
		&st.ID, &st.MatchID, &st.EpochID, &st.Buyer, &st.Seller,
		nums.col("quantity", &st.Quantity),
		nums.col("price", &st.Price),
		nums.col("gross_amount", &st.GrossAmount),
		nums.col("platform_fee", &st.PlatformFee),
		nums.col("net_amount", &st.NetAmount),
		&status, &st.RetryCount, &st.LedgerTxRef, &st.LastError,
		&st.CreatedAt, &st.UpdatedAt, &st.ConfirmedAt,
	)
	if err != nil {
		return domain.Settlement{}, err
	}
	if err := nums.apply(); err != nil {
		return domain.Settlement{}, err
	}
	st.Status = domain.SettlementStatus(status)
	return st, nil
}

func (s *SettlementStore) query(ctx context.Context, op, query string, args ...any) ([]domain.Settlement, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}

// Create inserts a settlement; the match_id unique constraint keeps it at one
// per match.
func (s *SettlementStore) Create(ctx context.Context, st domain.Settlement) error {
	const query = `
		INSERT INTO settlements (
			id, match_id, epoch_id, buyer, seller,
			quantity, price, gross_amount, platform_fee, net_amount,
			status, retry_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.pool.Exec(ctx, query,
		st.ID, st.MatchID, st.EpochID, st.Buyer, st.Seller,
		numArg(st.Quantity), numArg(st.Price), numArg(st.GrossAmount),
		numArg(st.PlatformFee), numArg(st.NetAmount),
		string(st.Status), st.RetryCount,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create settlement for match %s: %w", st.MatchID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create settlement %s: %w", st.ID, err)
	}
	return nil
}

// GetByID retrieves a settlement.
func (s *SettlementStore) GetByID(ctx context.Context, id string) (domain.Settlement, error) {
	return s.getOne(ctx, "id", id)
}

// GetByMatchID retrieves the settlement of a match.
func (s *SettlementStore) GetByMatchID(ctx context.Context, matchID string) (domain.Settlement, error) {
	return s.getOne(ctx, "match_id", matchID)
}

func (s *SettlementStore) getOne(ctx context.Context, column, value string) (domain.Settlement, error) {
	st, err := scanSettlement(s.pool.QueryRow(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements WHERE `+column+` = $1`, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Settlement{}, domain.ErrNotFound
		}
		return domain.Settlement{}, fmt.Errorf("postgres: get settlement by %s %s: %w", column, value, err)
	}
	return st, nil
}

// Transition applies upd with a conditional UPDATE on the current status.
func (s *SettlementStore) Transition(ctx context.Context, id string, from domain.SettlementStatus, upd domain.SettlementUpdate) (domain.Settlement, error) {
	if !from.CanTransition(upd.Status) {
		return domain.Settlement{}, fmt.Errorf("postgres: settlement %s %s -> %s: %w", id, from, upd.Status, domain.ErrIllegalTransition)
	}
	query := `
		UPDATE settlements SET
			status = $3,
			retry_count = COALESCE($4, retry_count),
			ledger_tx_ref = COALESCE(NULLIF($5, ''), ledger_tx_ref),
			last_error = $6,
			confirmed_at = COALESCE($7, confirmed_at),
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING ` + settlementSelectCols
	st, err := scanSettlement(s.pool.QueryRow(ctx, query,
		id, string(from), string(upd.Status), upd.RetryCount,
		upd.LedgerTxRef, upd.LastError, upd.ConfirmedAt,
	))
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Settlement{}, fmt.Errorf("postgres: transition settlement %s: %w", id, err)
	}
	cur, getErr := s.GetByID(ctx, id)
	if getErr != nil {
		return domain.Settlement{}, getErr
	}
	return cur, fmt.Errorf("postgres: settlement %s is %s, expected %s: %w", id, cur.Status, from, domain.ErrStaleTransition)
}

// ListByStatus returns settlements in status (all when empty), oldest first.
func (s *SettlementStore) ListByStatus(ctx context.Context, status domain.SettlementStatus, opts domain.ListOpts) ([]domain.Settlement, error) {
	query, args := listClause(
		`SELECT `+settlementSelectCols+` FROM settlements WHERE ($1 = '' OR status = $1)`,
		[]any{string(status)}, "created_at", opts, "created_at, id",
	)
	return s.query(ctx, "list settlements by status", query, args...)
}

// ListRetryable returns failed settlements that still have retries left,
// least recently touched first.
func (s *SettlementStore) ListRetryable(ctx context.Context, maxRetries, limit int) ([]domain.Settlement, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, "list retryable settlements",
		`SELECT `+settlementSelectCols+` FROM settlements
		 WHERE status = 'failed' AND retry_count < $1
		 ORDER BY updated_at, id LIMIT $2`, maxRetries, limit)
}

// ListExhausted returns settlements that failed permanently.
func (s *SettlementStore) ListExhausted(ctx context.Context, maxRetries int, opts domain.ListOpts) ([]domain.Settlement, error) {
	query, args := listClause(
		`SELECT `+settlementSelectCols+` FROM settlements WHERE status = 'failed' AND retry_count >= $1`,
		[]any{maxRetries}, "created_at", opts, "created_at, id",
	)
	return s.query(ctx, "list exhausted settlements", query, args...)
}

// ListByEpoch returns an epoch's settlements.
func (s *SettlementStore) ListByEpoch(ctx context.Context, epochID string) ([]domain.Settlement, error) {
	return s.query(ctx, "list settlements for epoch",
		`SELECT `+settlementSelectCols+` FROM settlements WHERE epoch_id = $1 ORDER BY created_at, id`, epochID)
}
