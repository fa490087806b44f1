package matching

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

func drawOrders(t *rapid.T) []domain.Order {
	n := rapid.IntRange(0, 40).Draw(t, "n")
	orders := make([]domain.Order, 0, n)
	for i := 0; i < n; i++ {
		side := domain.OrderSideBuy
		if rapid.Bool().Draw(t, fmt.Sprintf("sell%d", i)) {
			side = domain.OrderSideSell
		}
		qty := rapid.Int64Range(1, 50).Draw(t, fmt.Sprintf("qty%d", i))
		cents := rapid.Int64Range(1, 30).Draw(t, fmt.Sprintf("price%d", i))
		// Coarse timestamps force frequent ties that only seq can break.
		sec := rapid.IntRange(0, 5).Draw(t, fmt.Sprintf("ts%d", i))
		orders = append(orders, domain.Order{
			ID:         fmt.Sprintf("o%03d", i),
			Side:       side,
			Owner:      fmt.Sprintf("p%d", i%5),
			Quantity:   decimal.NewFromInt(qty),
			LimitPrice: decimal.New(cents, -2),
			EpochID:    "e1",
			Status:     domain.OrderStatusOpen,
			Seq:        int64(i + 1),
			CreatedAt:  clearAt.Add(-time.Duration(sec) * time.Second),
		})
	}
	return orders
}

func TestPropertyConservationAndNoOverfill(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		orders := drawOrders(t)
		res, err := NewEngine().Match(Input{EpochID: "e1", At: clearAt, Orders: orders})
		if err != nil {
			t.Fatalf("match: %v", err)
		}

		filled := map[string]decimal.Decimal{}
		for _, m := range res.Matches {
			if !m.Quantity.IsPositive() {
				t.Fatalf("match %s has non-positive quantity %s", m.ID, m.Quantity)
			}
			filled[m.BuyOrderID] = filled[m.BuyOrderID].Add(m.Quantity)
			filled[m.SellOrderID] = filled[m.SellOrderID].Add(m.Quantity)
		}
		var buyFilled, sellFilled decimal.Decimal
		for _, o := range orders {
			f := filled[o.ID]
			if f.GreaterThan(o.Quantity) {
				t.Fatalf("order %s over-filled: %s > %s", o.ID, f, o.Quantity)
			}
			if o.Side == domain.OrderSideBuy {
				buyFilled = buyFilled.Add(f)
			} else {
				sellFilled = sellFilled.Add(f)
			}
		}
		if !buyFilled.Equal(sellFilled) {
			t.Fatalf("buy fills %s != sell fills %s", buyFilled, sellFilled)
		}
		for _, o := range res.Updated {
			if !o.FilledQuantity.Equal(filled[o.ID]) {
				t.Fatalf("order %s filled %s, matches say %s", o.ID, o.FilledQuantity, filled[o.ID])
			}
		}
	})
}

func TestPropertyPriceWithinLimits(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		orders := drawOrders(t)
		byID := make(map[string]domain.Order, len(orders))
		for _, o := range orders {
			byID[o.ID] = o
		}
		res, err := NewEngine().Match(Input{EpochID: "e1", At: clearAt, Orders: orders})
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		for _, m := range res.Matches {
			buy, sell := byID[m.BuyOrderID], byID[m.SellOrderID]
			if buy.LimitPrice.LessThan(sell.LimitPrice) {
				t.Fatalf("match %s between non-crossing orders", m.ID)
			}
			if m.Price.GreaterThan(buy.LimitPrice) || m.Price.LessThan(sell.LimitPrice) {
				t.Fatalf("match %s price %s outside [%s, %s]", m.ID, m.Price, sell.LimitPrice, buy.LimitPrice)
			}
		}
	})
}

func TestPropertyResidualBookUncrossed(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		res, err := NewEngine().Match(Input{EpochID: "e1", At: clearAt, Orders: drawOrders(t)})
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		var bestBid, bestAsk *decimal.Decimal
		for _, o := range res.Residual {
			p := o.LimitPrice
			if o.Side == domain.OrderSideBuy && (bestBid == nil || p.GreaterThan(*bestBid)) {
				bestBid = &p
			}
			if o.Side == domain.OrderSideSell && (bestAsk == nil || p.LessThan(*bestAsk)) {
				bestAsk = &p
			}
		}
		if bestBid != nil && bestAsk != nil && !bestBid.LessThan(*bestAsk) {
			t.Fatalf("residual book crossed: bid %s >= ask %s", bestBid, bestAsk)
		}
	})
}

func TestPropertyPriceTimePriority(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		orders := drawOrders(t)
		res, err := NewEngine().Match(Input{EpochID: "e1", At: clearAt, Orders: orders})
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		filledIDs := map[string]bool{}
		for _, o := range res.Updated {
			filledIDs[o.ID] = true
		}
		// A strictly better-priced order on the same side never sits
		// untouched while a worse one was filled.
		for _, worse := range res.Updated {
			for _, better := range orders {
				if better.Side != worse.Side || filledIDs[better.ID] {
					continue
				}
				if better.Side == domain.OrderSideBuy && better.LimitPrice.GreaterThan(worse.LimitPrice) {
					t.Fatalf("buy %s @%s skipped while %s @%s filled", better.ID, better.LimitPrice, worse.ID, worse.LimitPrice)
				}
				if better.Side == domain.OrderSideSell && better.LimitPrice.LessThan(worse.LimitPrice) {
					t.Fatalf("sell %s @%s skipped while %s @%s filled", better.ID, better.LimitPrice, worse.ID, worse.LimitPrice)
				}
			}
		}
	})
}

func TestPropertyDeterminism(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		orders := drawOrders(t)
		shuffled := rapid.Permutation(orders).Draw(t, "perm")
		a, err := NewEngine().Match(Input{EpochID: "e1", At: clearAt, Orders: orders})
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		b, err := NewEngine().Match(Input{EpochID: "e1", At: clearAt, Orders: shuffled})
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		if len(a.Matches) != len(b.Matches) {
			t.Fatalf("match count %d != %d", len(a.Matches), len(b.Matches))
		}
		for i := range a.Matches {
			if a.Matches[i].ID != b.Matches[i].ID || !a.Matches[i].Quantity.Equal(b.Matches[i].Quantity) || !a.Matches[i].Price.Equal(b.Matches[i].Price) {
				t.Fatalf("match %d differs: %+v vs %+v", i, a.Matches[i], b.Matches[i])
			}
		}
	})
}
