package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Valid reports whether s is a known side.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusExpired         OrderStatus = "expired"
)

// Live reports whether an order in this status may still be matched.
func (s OrderStatus) Live() bool {
	return s == OrderStatusOpen || s == OrderStatusPartiallyFilled
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step. Statuses only move forward; terminal statuses never change.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case OrderStatusOpen:
		switch next {
		case OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired:
			return true
		}
	case OrderStatusPartiallyFilled:
		switch next {
		case OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired:
			return true
		}
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired:
		return false
	}
	return false
}

// Order is a limit order for energy submitted into one epoch.
type Order struct {
	ID             string
	Side           OrderSide
	Owner          string
	Quantity       decimal.Decimal // kWh
	FilledQuantity decimal.Decimal
	LimitPrice     decimal.Decimal // per kWh
	EpochID        string
	Status         OrderStatus
	Seq            int64 // monotonic arrival sequence, breaks (price, time) ties
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	UpdatedAt      time.Time
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// ArrivedBefore reports whether o has time priority over other.
func (o Order) ArrivedBefore(other Order) bool {
	if !o.CreatedAt.Equal(other.CreatedAt) {
		return o.CreatedAt.Before(other.CreatedAt)
	}
	return o.Seq < other.Seq
}

// ExpiredAt reports whether the order's good-till time has passed at t.
func (o Order) ExpiredAt(t time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(t)
}

// Fill applies a fill of qty and returns the updated order. It refuses to
// over-fill or to move the status backwards.
func (o Order) Fill(qty decimal.Decimal, at time.Time) (Order, error) {
	if !qty.IsPositive() {
		return o, fmt.Errorf("%w: fill quantity %s on order %s", ErrInvariantViolation, qty, o.ID)
	}
	if qty.GreaterThan(o.Remaining()) {
		return o, fmt.Errorf("%w: fill %s exceeds remaining %s on order %s", ErrInvariantViolation, qty, o.Remaining(), o.ID)
	}
	next := OrderStatusPartiallyFilled
	if qty.Equal(o.Remaining()) {
		next = OrderStatusFilled
	}
	if !o.Status.CanTransition(next) {
		return o, fmt.Errorf("%w: order %s %s -> %s", ErrIllegalTransition, o.ID, o.Status, next)
	}
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	o.Status = next
	o.UpdatedAt = at
	return o, nil
}

// Validate checks the submission-time invariants of an order.
func (o Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidOrder)
	}
	if !o.Side.Valid() {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, o.Side)
	}
	if o.Owner == "" {
		return fmt.Errorf("%w: missing owner", ErrInvalidOrder)
	}
	if !o.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive, got %s", ErrInvalidOrder, o.Quantity)
	}
	if !o.LimitPrice.IsPositive() {
		return fmt.Errorf("%w: limit price must be positive, got %s", ErrInvalidOrder, o.LimitPrice)
	}
	if o.FilledQuantity.IsNegative() || o.FilledQuantity.GreaterThan(o.Quantity) {
		return fmt.Errorf("%w: filled quantity %s out of range", ErrInvalidOrder, o.FilledQuantity)
	}
	return nil
}

// OrderRequest is the input to order submission.
type OrderRequest struct {
	Side       OrderSide
	Owner      string
	Quantity   decimal.Decimal
	LimitPrice decimal.Decimal
	// EpochID, when set, must name the active epoch.
	EpochID   string
	ExpiresAt *time.Time
}
