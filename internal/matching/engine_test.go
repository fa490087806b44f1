package matching

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

var clearAt = time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)

func newOrder(id string, side domain.OrderSide, qty, price string, seq int64) domain.Order {
	return domain.Order{
		ID:         id,
		Side:       side,
		Owner:      "u-" + id,
		Quantity:   decimal.RequireFromString(qty),
		LimitPrice: decimal.RequireFromString(price),
		EpochID:    "e1",
		Status:     domain.OrderStatusOpen,
		Seq:        seq,
		CreatedAt:  clearAt.Add(-time.Duration(100-seq) * time.Second),
	}
}

func TestFullCross(t *testing.T) {
	res, err := NewEngine().Match(Input{
		EpochID: "e1",
		At:      clearAt,
		Orders: []domain.Order{
			newOrder("b", domain.OrderSideBuy, "10", "5.0", 1),
			newOrder("s", domain.OrderSideSell, "10", "4.5", 2),
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)

	m := res.Matches[0]
	assert.True(t, m.Quantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, m.Price.Equal(decimal.RequireFromString("5.0")), "earlier-arrived buy sets the price")
	assert.Equal(t, clearAt, m.MatchedAt)
	assert.Empty(t, res.Residual)
	for _, o := range res.Updated {
		assert.Equal(t, domain.OrderStatusFilled, o.Status)
	}
}

func TestPartialFillLeavesResidual(t *testing.T) {
	res, err := NewEngine().Match(Input{
		EpochID: "e1",
		At:      clearAt,
		Orders: []domain.Order{
			newOrder("s", domain.OrderSideSell, "15", "4.5", 1),
			newOrder("b", domain.OrderSideBuy, "10", "5.0", 2),
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.True(t, res.Matches[0].Quantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, res.Matches[0].Price.Equal(decimal.RequireFromString("4.5")))

	require.Len(t, res.Residual, 1)
	sell := res.Residual[0]
	assert.Equal(t, "s", sell.ID)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, sell.Status)
	assert.True(t, sell.Remaining().Equal(decimal.NewFromInt(5)))
}

func TestNoCrossNoMatch(t *testing.T) {
	res, err := NewEngine().Match(Input{
		EpochID: "e1",
		At:      clearAt,
		Orders: []domain.Order{
			newOrder("b", domain.OrderSideBuy, "10", "4.0", 1),
			newOrder("s", domain.OrderSideSell, "10", "4.5", 2),
		},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
	assert.Len(t, res.Residual, 2)
	assert.True(t, res.Stats.TotalVolume.IsZero())
}

func TestPriceTimePriorityAcrossLevels(t *testing.T) {
	res, err := NewEngine().Match(Input{
		EpochID: "e1",
		At:      clearAt,
		Orders: []domain.Order{
			newOrder("s-cheap-late", domain.OrderSideSell, "5", "4.0", 5),
			newOrder("s-mid-early", domain.OrderSideSell, "5", "4.2", 1),
			newOrder("s-mid-late", domain.OrderSideSell, "5", "4.2", 3),
			newOrder("b", domain.OrderSideBuy, "12", "5.0", 4),
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Matches, 3)
	assert.Equal(t, "s-cheap-late", res.Matches[0].SellOrderID)
	assert.Equal(t, "s-mid-early", res.Matches[1].SellOrderID)
	assert.Equal(t, "s-mid-late", res.Matches[2].SellOrderID)
	assert.True(t, res.Matches[2].Quantity.Equal(decimal.NewFromInt(2)))

	assert.Equal(t, int64(3), res.Stats.MatchCount)
	assert.Equal(t, int64(4), res.Stats.MatchedOrders)
	assert.True(t, res.Stats.TotalVolume.Equal(decimal.NewFromInt(12)))
}

func TestExpiredOrdersAreExcluded(t *testing.T) {
	expired := newOrder("b", domain.OrderSideBuy, "10", "5.0", 1)
	past := clearAt.Add(-time.Minute)
	expired.ExpiresAt = &past

	res, err := NewEngine().Match(Input{
		EpochID: "e1",
		At:      clearAt,
		Orders:  []domain.Order{expired, newOrder("s", domain.OrderSideSell, "10", "4.5", 2)},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
	require.Len(t, res.Expired, 1)
	assert.Equal(t, domain.OrderStatusExpired, res.Expired[0].Status)
	assert.Len(t, res.Residual, 1)
}

func TestInvariantViolations(t *testing.T) {
	cases := map[string][]domain.Order{
		"foreign epoch": {func() domain.Order {
			o := newOrder("b", domain.OrderSideBuy, "1", "1", 1)
			o.EpochID = "e9"
			return o
		}()},
		"duplicate id": {
			newOrder("x", domain.OrderSideBuy, "1", "1", 1),
			newOrder("x", domain.OrderSideBuy, "1", "1", 2),
		},
		"not live": {func() domain.Order {
			o := newOrder("b", domain.OrderSideBuy, "1", "1", 1)
			o.Status = domain.OrderStatusCancelled
			return o
		}()},
		"zero quantity": {newOrder("b", domain.OrderSideBuy, "0", "1", 1)},
	}
	for name, orders := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewEngine().Match(Input{EpochID: "e1", At: clearAt, Orders: orders})
			assert.ErrorIs(t, err, domain.ErrInvariantViolation)
		})
	}
}

func TestReplayOverRemainingSkipsPersistedMatches(t *testing.T) {
	orders := []domain.Order{
		newOrder("b1", domain.OrderSideBuy, "10", "5", 1),
		newOrder("b2", domain.OrderSideBuy, "10", "5", 2),
		newOrder("b3", domain.OrderSideBuy, "10", "5", 3),
		newOrder("s1", domain.OrderSideSell, "30", "4", 4),
	}
	full, err := NewEngine().Match(Input{EpochID: "e1", At: clearAt, Orders: orders})
	require.NoError(t, err)
	require.Len(t, full.Matches, 3)

	// Two matches were persisted with their fills before a crash.
	persisted := map[string]domain.Order{}
	for _, f := range full.Fills[:2] {
		persisted[f.Buy.ID] = f.Buy
		persisted[f.Sell.ID] = f.Sell
	}
	var live []domain.Order
	for _, o := range orders {
		if p, ok := persisted[o.ID]; ok {
			o = p
		}
		if o.Status.Live() {
			live = append(live, o)
		}
	}

	replay, err := NewEngine().Match(Input{EpochID: "e1", At: clearAt, Orders: live})
	require.NoError(t, err)
	require.Len(t, replay.Matches, 1)
	assertSameMatches(t, full.Matches[2:], replay.Matches)
}

func assertSameMatches(t *testing.T, want, got []domain.Match) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].BuyOrderID, got[i].BuyOrderID)
		assert.Equal(t, want[i].SellOrderID, got[i].SellOrderID)
		assert.True(t, want[i].Quantity.Equal(got[i].Quantity), "quantity of match %d", i)
		assert.True(t, want[i].Price.Equal(got[i].Price), "price of match %d", i)
		assert.Equal(t, want[i].MatchedAt, got[i].MatchedAt)
	}
}

func TestDeterministicAcrossRuns(t *testing.T) {
	var orders []domain.Order
	for i := 0; i < 20; i++ {
		side := domain.OrderSideBuy
		if i%2 == 1 {
			side = domain.OrderSideSell
		}
		orders = append(orders, newOrder(fmt.Sprintf("o%02d", i), side, fmt.Sprint(1+i%4), fmt.Sprintf("4.%d", i%7), int64(i)))
	}
	a, err := NewEngine().Match(Input{EpochID: "e1", At: clearAt, Orders: orders})
	require.NoError(t, err)

	reversed := make([]domain.Order, len(orders))
	for i, o := range orders {
		reversed[len(orders)-1-i] = o
	}
	b, err := NewEngine().Match(Input{EpochID: "e1", At: clearAt, Orders: reversed})
	require.NoError(t, err)
	assert.NotEmpty(t, a.Matches)
	assertSameMatches(t, a.Matches, b.Matches)
}
