package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel aggregates resting quantity at one price.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// BookEntry is one resting order as seen by read-only consumers.
type BookEntry struct {
	OrderID   string          `json:"order_id"`
	Owner     string          `json:"owner"`
	Side      OrderSide       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Remaining decimal.Decimal `json:"remaining"`
	Seq       int64           `json:"seq"`
	CreatedAt time.Time       `json:"created_at"`
}

// BookSnapshot is an immutable, priority-ordered view of the order book.
type BookSnapshot struct {
	EpochID   string       `json:"epoch_id"`
	Bids      []BookEntry  `json:"bids"`
	Asks      []BookEntry  `json:"asks"`
	BidLevels []PriceLevel `json:"bid_levels"`
	AskLevels []PriceLevel `json:"ask_levels"`
	TakenAt   time.Time    `json:"taken_at"`
}

// BestBid returns the top bid, if any.
func (s BookSnapshot) BestBid() (BookEntry, bool) {
	if len(s.Bids) == 0 {
		return BookEntry{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the top ask, if any.
func (s BookSnapshot) BestAsk() (BookEntry, bool) {
	if len(s.Asks) == 0 {
		return BookEntry{}, false
	}
	return s.Asks[0], true
}
