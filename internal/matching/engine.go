// Package matching implements the periodic double auction that clears one
// epoch's frozen orders under price-time priority.
//
// The engine is a pure function of its input: it performs no I/O, reads no
// clock and keeps no state between calls, so identical inputs always produce
// identical matches (including ids).
package matching

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/alanyoungcy/gridclear/internal/book"
	"github.com/alanyoungcy/gridclear/internal/domain"
)

// MatchNamespace seeds deterministic match ids.
var MatchNamespace = uuid.MustParse("6f1c2c55-3c38-4c1e-9a53-2b3e0a4f7d10")

// pricePrecision bounds the decimal places of the volume-weighted price.
const pricePrecision = 8

// Input is one clearing pass.
type Input struct {
	EpochID string
	Orders  []domain.Order
	// At stamps MatchedAt and order UpdatedAt.
	At time.Time
}

// Result is the outcome of a clearing pass.
type Result struct {
	Matches []domain.Match
	// Fills holds, per match, the buy and sell order state right after it.
	Fills []Fill
	// Updated is the final state of every order that received a fill.
	Updated []domain.Order
	// Residual holds orders still live after matching, in arrival order.
	Residual []domain.Order
	// Expired holds orders whose good-till time passed before the pass.
	Expired []domain.Order
	Stats   domain.EpochStats
}

// Fill pairs a match with the post-match state of its two orders.
type Fill struct {
	Match domain.Match
	Buy   domain.Order
	Sell  domain.Order
}

// Engine runs clearing passes.
type Engine struct{}

// NewEngine returns a matching engine.
func NewEngine() *Engine { return &Engine{} }

// Match clears in.Orders. Violated invariants are reported with
// domain.ErrInvariantViolation and no partial result.
func (e *Engine) Match(in Input) (Result, error) {
	bids := btree.NewBTreeG(book.BidLess)
	asks := btree.NewBTreeG(book.AskLess)

	var res Result

	seen := make(map[string]struct{}, len(in.Orders))
	arrival := make([]string, 0, len(in.Orders))
	for _, o := range in.Orders {
		if err := checkInput(in.EpochID, o); err != nil {
			return Result{}, err
		}
		if _, dup := seen[o.ID]; dup {
			return Result{}, fmt.Errorf("%w: duplicate order %s", domain.ErrInvariantViolation, o.ID)
		}
		seen[o.ID] = struct{}{}

		if o.ExpiredAt(in.At) {
			o.Status = domain.OrderStatusExpired
			o.UpdatedAt = in.At
			res.Expired = append(res.Expired, o)
			continue
		}
		arrival = append(arrival, o.ID)
		if o.Side == domain.OrderSideBuy {
			bids.Set(o)
		} else {
			asks.Set(o)
		}
	}

	latest := make(map[string]domain.Order)
	for {
		bid, okBid := bids.Min()
		ask, okAsk := asks.Min()
		if !okBid || !okAsk || bid.LimitPrice.LessThan(ask.LimitPrice) {
			break
		}
		bids.Delete(bid)
		asks.Delete(ask)

		qty := decimal.Min(bid.Remaining(), ask.Remaining())
		price := ask.LimitPrice
		if bid.ArrivedBefore(ask) {
			price = bid.LimitPrice
		}

		var err error
		if bid, err = bid.Fill(qty, in.At); err != nil {
			return Result{}, err
		}
		if ask, err = ask.Fill(qty, in.At); err != nil {
			return Result{}, err
		}

		m := domain.Match{
			ID:          MatchID(in.EpochID, bid.ID, ask.ID),
			EpochID:     in.EpochID,
			BuyOrderID:  bid.ID,
			SellOrderID: ask.ID,
			Buyer:       bid.Owner,
			Seller:      ask.Owner,
			Quantity:    qty,
			Price:       price,
			MatchedAt:   in.At,
		}
		res.Matches = append(res.Matches, m)
		res.Fills = append(res.Fills, Fill{Match: m, Buy: bid, Sell: ask})
		latest[bid.ID] = bid
		latest[ask.ID] = ask

		if bid.Remaining().IsPositive() {
			bids.Set(bid)
		}
		if ask.Remaining().IsPositive() {
			asks.Set(ask)
		}
	}

	for _, id := range arrival {
		if o, ok := latest[id]; ok {
			res.Updated = append(res.Updated, o)
		}
	}
	residual := make(map[string]domain.Order, bids.Len()+asks.Len())
	collect := func(o domain.Order) bool {
		residual[o.ID] = o
		return true
	}
	bids.Scan(collect)
	asks.Scan(collect)
	for _, id := range arrival {
		if o, ok := residual[id]; ok {
			res.Residual = append(res.Residual, o)
		}
	}

	res.Stats = Summarize(int64(len(in.Orders)), res.Matches)
	if err := verify(res); err != nil {
		return Result{}, err
	}
	return res, nil
}

func checkInput(epochID string, o domain.Order) error {
	if o.EpochID != epochID {
		return fmt.Errorf("%w: order %s belongs to epoch %s, clearing %s", domain.ErrInvariantViolation, o.ID, o.EpochID, epochID)
	}
	if err := o.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvariantViolation, err)
	}
	if !o.Status.Live() || !o.Remaining().IsPositive() {
		return fmt.Errorf("%w: order %s is not live (%s, remaining %s)", domain.ErrInvariantViolation, o.ID, o.Status, o.Remaining())
	}
	return nil
}

// verify re-checks the emitted matches against the final order states.
func verify(res Result) error {
	for _, f := range res.Fills {
		m := f.Match
		if !m.Quantity.IsPositive() {
			return fmt.Errorf("%w: match %s has quantity %s", domain.ErrInvariantViolation, m.ID, m.Quantity)
		}
		if m.Price.GreaterThan(f.Buy.LimitPrice) || m.Price.LessThan(f.Sell.LimitPrice) {
			return fmt.Errorf("%w: match %s price %s outside [%s, %s]", domain.ErrInvariantViolation, m.ID, m.Price, f.Sell.LimitPrice, f.Buy.LimitPrice)
		}
	}
	for _, o := range res.Updated {
		if o.FilledQuantity.GreaterThan(o.Quantity) {
			return fmt.Errorf("%w: order %s over-filled", domain.ErrInvariantViolation, o.ID)
		}
	}
	return nil
}

// MatchID derives the deterministic id of a match. A (buy, sell) pair trades
// at most once per epoch because every match exhausts one of its orders.
func MatchID(epochID, buyID, sellID string) string {
	return uuid.NewSHA1(MatchNamespace, []byte(epochID+"|"+buyID+"|"+sellID)).String()
}

// Summarize computes epoch statistics over every match of an epoch.
func Summarize(totalOrders int64, matches []domain.Match) domain.EpochStats {
	st := domain.EpochStats{TotalOrders: totalOrders, MatchCount: int64(len(matches))}
	orders := make(map[string]struct{}, 2*len(matches))
	for _, m := range matches {
		orders[m.BuyOrderID] = struct{}{}
		orders[m.SellOrderID] = struct{}{}
		st.TotalVolume = st.TotalVolume.Add(m.Quantity)
		st.TotalValue = st.TotalValue.Add(m.Notional())
	}
	st.MatchedOrders = int64(len(orders))
	if st.TotalVolume.IsPositive() {
		st.ClearingPrice = st.TotalValue.DivRound(st.TotalVolume, pricePrecision)
	}
	return st
}
