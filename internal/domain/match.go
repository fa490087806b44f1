package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Match is an immutable trade between one buy and one sell order.
type Match struct {
	ID          string
	EpochID     string
	BuyOrderID  string
	SellOrderID string
	Buyer       string
	Seller      string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	MatchedAt   time.Time
}

// Notional returns quantity * price.
func (m Match) Notional() decimal.Decimal {
	return m.Quantity.Mul(m.Price)
}
