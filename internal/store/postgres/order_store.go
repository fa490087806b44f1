package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderSelectCols = `id, side, owner, quantity::text, filled_quantity::text,
	limit_price::text, epoch_id, status, seq, created_at, expires_at, updated_at`

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		o            domain.Order
		side, status string
		nums         numScanner
	)
	err := row.Scan(
		&o.ID, &side, &o.Owner,
		nums.col("quantity", &o.Quantity),
		nums.col("filled_quantity", &o.FilledQuantity),
		nums.col("limit_price", &o.LimitPrice),
		&o.EpochID, &status, &o.Seq,
		&o.CreatedAt, &o.ExpiresAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	if err := nums.apply(); err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.OrderSide(side)
	o.Status = domain.OrderStatus(status)
	return o, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.Order, error) {
	defer rows.Close()
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// Create inserts a new order.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, side, owner, quantity, filled_quantity, limit_price,
			epoch_id, status, seq, created_at, expires_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $10)`

	_, err := s.pool.Exec(ctx, query,
		o.ID, string(o.Side), o.Owner,
		numArg(o.Quantity), numArg(o.FilledQuantity), numArg(o.LimitPrice),
		o.EpochID, string(o.Status), o.Seq, o.CreatedAt, o.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create order %s: %w", o.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

// GetByID retrieves a single order by ID.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// UpdateStatus moves an order to status. The current status is locked and
// checked against the lifecycle table inside the transaction.
func (s *OrderStore) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var cur string
		err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&cur)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("postgres: lock order %s: %w", id, err)
		}
		if !domain.OrderStatus(cur).CanTransition(status) {
			return fmt.Errorf("postgres: order %s %s -> %s: %w", id, cur, status, domain.ErrIllegalTransition)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2`,
			string(status), id,
		); err != nil {
			return fmt.Errorf("postgres: update order status %s: %w", id, err)
		}
		return nil
	})
}

// Rebind moves live orders to epochID.
func (s *OrderStore) Rebind(ctx context.Context, ids []string, epochID string) error {
	if len(ids) == 0 {
		return nil
	}
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE orders SET epoch_id = $1, updated_at = NOW()
			WHERE id = ANY($2) AND status IN ('open', 'partially_filled')`,
			epochID, ids,
		)
		if err != nil {
			return fmt.Errorf("postgres: rebind orders to %s: %w", epochID, err)
		}
		if int(tag.RowsAffected()) != len(ids) {
			return fmt.Errorf("postgres: rebind %d of %d orders to %s: %w",
				tag.RowsAffected(), len(ids), epochID, domain.ErrOrderClosed)
		}
		return nil
	})
}

// ListByEpoch returns an epoch's orders in arrival order.
func (s *OrderStore) ListByEpoch(ctx context.Context, epochID string, statuses ...domain.OrderStatus) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE epoch_id = $1`
	args := []any{epochID}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += ` AND status = ANY($2)`
		args = append(args, names)
	}
	query += ` ORDER BY created_at, seq`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders for epoch %s: %w", epochID, err)
	}
	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders for epoch %s: %w", epochID, err)
	}
	return orders, nil
}

// ListByOwner returns an owner's orders, newest first.
func (s *OrderStore) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Order, error) {
	query, args := listClause(
		`SELECT `+orderSelectCols+` FROM orders WHERE owner = $1`,
		[]any{owner}, "created_at", opts, "created_at DESC, seq DESC",
	)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders for %s: %w", owner, err)
	}
	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders for %s: %w", owner, err)
	}
	return orders, nil
}

// CountByEpoch counts the orders bound to epochID.
func (s *OrderStore) CountByEpoch(ctx context.Context, epochID string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM orders WHERE epoch_id = $1`, epochID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count orders for epoch %s: %w", epochID, err)
	}
	return n, nil
}

// MaxSeq returns the highest order sequence, or 0 when empty.
func (s *OrderStore) MaxSeq(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM orders`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: max order seq: %w", err)
	}
	return n, nil
}
