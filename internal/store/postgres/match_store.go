package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

// MatchStore implements domain.MatchStore using PostgreSQL.
type MatchStore struct {
	pool *pgxpool.Pool
}

// NewMatchStore creates a new MatchStore backed by the given connection pool.
func NewMatchStore(pool *pgxpool.Pool) *MatchStore {
	return &MatchStore{pool: pool}
}

const matchSelectCols = `id, epoch_id, buy_order_id, sell_order_id, buyer, seller,
	quantity::text, price::text, matched_at`

func scanMatch(row rowScanner) (domain.Match, error) {
	var (
		m    domain.Match
		nums numScanner
	)
	err := row.Scan(
		&m.ID, &m.EpochID, &m.BuyOrderID, &m.SellOrderID, &m.Buyer, &m.Seller,
		nums.col("quantity", &m.Quantity), nums.col("price", &m.Price), &m.MatchedAt,
	)
	if err != nil {
		return domain.Match{}, err
	}
	if err := nums.apply(); err != nil {
		return domain.Match{}, err
	}
	return m, nil
}

// RecordMatch inserts m and writes both order fills in one transaction. Each
// order row is locked and its fill must strictly grow and stay within its
// quantity.
func (s *MatchStore) RecordMatch(ctx context.Context, m domain.Match, buy, sell domain.Order) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		const insert = `
			INSERT INTO matches (
				id, epoch_id, buy_order_id, sell_order_id, buyer, seller,
				quantity, price, matched_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
		if _, err := tx.Exec(ctx, insert,
			m.ID, m.EpochID, m.BuyOrderID, m.SellOrderID, m.Buyer, m.Seller,
			numArg(m.Quantity), numArg(m.Price), m.MatchedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("postgres: record match %s: %w", m.ID, domain.ErrAlreadyExists)
			}
			return fmt.Errorf("postgres: record match %s: %w", m.ID, err)
		}
		for _, o := range []domain.Order{buy, sell} {
			if err := applyFill(ctx, tx, o); err != nil {
				return fmt.Errorf("postgres: record match %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

func applyFill(ctx context.Context, tx pgx.Tx, next domain.Order) error {
	var (
		status  string
		curFill string
	)
	err := tx.QueryRow(ctx,
		`SELECT status, filled_quantity::text FROM orders WHERE id = $1 FOR UPDATE`, next.ID,
	).Scan(&status, &curFill)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("order %s: %w", next.ID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock order %s: %w", next.ID, err)
	}
	if !domain.OrderStatus(status).CanTransition(next.Status) {
		return fmt.Errorf("order %s %s -> %s: %w", next.ID, status, next.Status, domain.ErrIllegalTransition)
	}
	filled, err := parseNum("filled_quantity", curFill)
	if err != nil {
		return err
	}
	if next.FilledQuantity.LessThanOrEqual(filled) || next.FilledQuantity.GreaterThan(next.Quantity) {
		return fmt.Errorf("order %s fill %s -> %s: %w", next.ID, filled, next.FilledQuantity, domain.ErrInvariantViolation)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE orders SET filled_quantity = $1, status = $2, updated_at = $3 WHERE id = $4`,
		numArg(next.FilledQuantity), string(next.Status), next.UpdatedAt, next.ID,
	); err != nil {
		return fmt.Errorf("update order %s fill: %w", next.ID, err)
	}
	return nil
}

// ListByEpoch returns an epoch's matches in the order they were recorded.
func (s *MatchStore) ListByEpoch(ctx context.Context, epochID string) ([]domain.Match, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+matchSelectCols+` FROM matches WHERE epoch_id = $1 ORDER BY recorded_at`, epochID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list matches for epoch %s: %w", epochID, err)
	}
	defer rows.Close()

	var matches []domain.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list matches rows: %w", err)
	}
	return matches, nil
}

// GetByID retrieves a match.
func (s *MatchStore) GetByID(ctx context.Context, id string) (domain.Match, error) {
	m, err := scanMatch(s.pool.QueryRow(ctx, `SELECT `+matchSelectCols+` FROM matches WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Match{}, domain.ErrNotFound
		}
		return domain.Match{}, fmt.Errorf("postgres: get match %s: %w", id, err)
	}
	return m, nil
}
