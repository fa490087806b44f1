package handler

import (
	"time"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

type orderView struct {
	ID             string     `json:"id"`
	Side           string     `json:"side"`
	Owner          string     `json:"owner"`
	Quantity       string     `json:"quantity"`
	FilledQuantity string     `json:"filled_quantity"`
	LimitPrice     string     `json:"limit_price"`
	EpochID        string     `json:"epoch_id"`
	Status         string     `json:"status"`
	Seq            int64      `json:"seq"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func viewOrder(o domain.Order) orderView {
	return orderView{
		ID:             o.ID,
		Side:           string(o.Side),
		Owner:          o.Owner,
		Quantity:       o.Quantity.String(),
		FilledQuantity: o.FilledQuantity.String(),
		LimitPrice:     o.LimitPrice.String(),
		EpochID:        o.EpochID,
		Status:         string(o.Status),
		Seq:            o.Seq,
		CreatedAt:      o.CreatedAt,
		ExpiresAt:      o.ExpiresAt,
		UpdatedAt:      o.UpdatedAt,
	}
}

type statsView struct {
	TotalOrders   int64  `json:"total_orders"`
	MatchedOrders int64  `json:"matched_orders"`
	MatchCount    int64  `json:"match_count"`
	TotalVolume   string `json:"total_volume"`
	TotalValue    string `json:"total_value"`
	ClearingPrice string `json:"clearing_price"`
}

type epochView struct {
	ID            string     `json:"id"`
	Sequence      int64      `json:"sequence"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time"`
	Status        string     `json:"status"`
	Stats         statsView  `json:"stats"`
	ClearedAt     *time.Time `json:"cleared_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

func viewEpoch(e domain.Epoch) epochView {
	return epochView{
		ID:        e.ID,
		Sequence:  e.Sequence,
		StartTime: e.StartTime,
		EndTime:   e.EndTime,
		Status:    string(e.Status),
		Stats: statsView{
			TotalOrders:   e.Stats.TotalOrders,
			MatchedOrders: e.Stats.MatchedOrders,
			MatchCount:    e.Stats.MatchCount,
			TotalVolume:   e.Stats.TotalVolume.String(),
			TotalValue:    e.Stats.TotalValue.String(),
			ClearingPrice: e.Stats.ClearingPrice.String(),
		},
		ClearedAt:     e.ClearedAt,
		FailureReason: e.FailureReason,
	}
}

type matchView struct {
	ID          string    `json:"id"`
	EpochID     string    `json:"epoch_id"`
	BuyOrderID  string    `json:"buy_order_id"`
	SellOrderID string    `json:"sell_order_id"`
	Buyer       string    `json:"buyer"`
	Seller      string    `json:"seller"`
	Quantity    string    `json:"quantity"`
	Price       string    `json:"price"`
	MatchedAt   time.Time `json:"matched_at"`
}

func viewMatch(m domain.Match) matchView {
	return matchView{
		ID:          m.ID,
		EpochID:     m.EpochID,
		BuyOrderID:  m.BuyOrderID,
		SellOrderID: m.SellOrderID,
		Buyer:       m.Buyer,
		Seller:      m.Seller,
		Quantity:    m.Quantity.String(),
		Price:       m.Price.String(),
		MatchedAt:   m.MatchedAt,
	}
}

type settlementView struct {
	ID          string     `json:"id"`
	MatchID     string     `json:"match_id"`
	EpochID     string     `json:"epoch_id"`
	Buyer       string     `json:"buyer"`
	Seller      string     `json:"seller"`
	GrossAmount string     `json:"gross_amount"`
	PlatformFee string     `json:"platform_fee"`
	NetAmount   string     `json:"net_amount"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	LedgerTxRef string     `json:"ledger_tx_ref,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

func viewSettlement(s domain.Settlement) settlementView {
	return settlementView{
		ID:          s.ID,
		MatchID:     s.MatchID,
		EpochID:     s.EpochID,
		Buyer:       s.Buyer,
		Seller:      s.Seller,
		GrossAmount: s.GrossAmount.String(),
		PlatformFee: s.PlatformFee.String(),
		NetAmount:   s.NetAmount.String(),
		Status:      string(s.Status),
		RetryCount:  s.RetryCount,
		LedgerTxRef: s.LedgerTxRef,
		LastError:   s.LastError,
		UpdatedAt:   s.UpdatedAt,
		ConfirmedAt: s.ConfirmedAt,
	}
}

// mapViews converts a slice, never returning nil so lists encode as [].
func mapViews[T, V any](in []T, fn func(T) V) []V {
	out := make([]V, 0, len(in))
	for _, v := range in {
		out = append(out, fn(v))
	}
	return out
}
