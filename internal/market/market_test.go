package market

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gridclear/internal/book"
	"github.com/alanyoungcy/gridclear/internal/domain"
	"github.com/alanyoungcy/gridclear/internal/ledger/sim"
	"github.com/alanyoungcy/gridclear/internal/scheduler"
	"github.com/alanyoungcy/gridclear/internal/settlement"
	"github.com/alanyoungcy/gridclear/internal/store/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 7, 0, 0, time.UTC)

// hookedHandoff calls before ahead of the settlement handoff, while the
// clearing pass is still in progress.
type hookedHandoff struct {
	next   scheduler.Handoff
	before func()
}

func (h *hookedHandoff) Handoff(ctx context.Context, matches []domain.Match) ([]domain.Settlement, error) {
	if h.before != nil {
		h.before()
	}
	return h.next.Handoff(ctx, matches)
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, nil
}

type staticCache struct {
	snap domain.BookSnapshot
	sets int
}

func (c *staticCache) SetSnapshot(_ context.Context, snap domain.BookSnapshot) error {
	c.snap = snap
	c.sets++
	return nil
}

func (c *staticCache) GetSnapshot(context.Context) (domain.BookSnapshot, error) {
	return c.snap, nil
}

type fixture struct {
	market *Market
	sched  *scheduler.Scheduler
	orch   *settlement.Orchestrator
	stores domain.Stores
	book   *book.Book
	ledger *sim.Ledger
	hook   *hookedHandoff
	now    time.Time
}

func newFixture(t *testing.T, bookOpts []book.Option, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{now: t0}
	clock := func() time.Time { return f.now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f.stores = memory.New(memory.WithClock(clock)).Stores()
	f.book = book.New("", bookOpts...)
	f.ledger = sim.New(sim.WithOverdraft())
	f.orch = settlement.New(settlement.Config{FeeBps: 50}, f.stores.Settlements, f.ledger, nil, logger,
		settlement.WithClock(clock))
	f.hook = &hookedHandoff{next: f.orch}
	f.sched = scheduler.New(scheduler.Config{EpochDuration: 15 * time.Minute, CarryOver: true},
		f.stores, f.book, f.hook, logger, scheduler.WithClock(clock))

	var err error
	f.market, err = New(ctx, Config{RateLimit: 5}, f.stores, f.book, f.sched, f.orch, logger,
		append([]Option{WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, f.sched.Tick(ctx, f.now))
	return f
}

func request(side domain.OrderSide, owner, qty, price string) domain.OrderRequest {
	return domain.OrderRequest{
		Side:       side,
		Owner:      owner,
		Quantity:   decimal.RequireFromString(qty),
		LimitPrice: decimal.RequireFromString(price),
	}
}

func (f *fixture) submit(t *testing.T, req domain.OrderRequest) domain.Order {
	t.Helper()
	o, err := f.market.SubmitOrder(context.Background(), req)
	require.NoError(t, err)
	return o
}

func TestSubmitOrderAdmitsIntoActiveEpoch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	cur, err := f.market.CurrentEpoch(ctx)
	require.NoError(t, err)

	a := f.submit(t, request(domain.OrderSideBuy, "alice", "10", "5.0"))
	b := f.submit(t, request(domain.OrderSideBuy, "bob", "10", "5.0"))
	assert.Equal(t, cur.ID, a.EpochID)
	assert.Equal(t, domain.OrderStatusOpen, a.Status)
	assert.Less(t, a.Seq, b.Seq)

	stored, err := f.market.GetOrder(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, stored.ID)

	snap, err := f.market.BookSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 2)
	assert.Equal(t, a.ID, snap.Bids[0].OrderID)

	mine, err := f.market.OwnerOrders(ctx, "alice", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, mine, 1)
}

func TestSubmitOrderRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	past := t0.Add(-time.Minute)

	cases := []struct {
		name string
		req  domain.OrderRequest
		want error
	}{
		{"zero quantity", request(domain.OrderSideBuy, "a", "0", "5"), domain.ErrInvalidOrder},
		{"negative price", request(domain.OrderSideSell, "a", "1", "-5"), domain.ErrInvalidOrder},
		{"unknown side", request("hold", "a", "1", "5"), domain.ErrInvalidOrder},
		{"missing owner", request(domain.OrderSideBuy, "", "1", "5"), domain.ErrInvalidOrder},
		{"expired", func() domain.OrderRequest {
			r := request(domain.OrderSideBuy, "a", "1", "5")
			r.ExpiresAt = &past
			return r
		}(), domain.ErrInvalidOrder},
		{"foreign epoch", func() domain.OrderRequest {
			r := request(domain.OrderSideBuy, "a", "1", "5")
			r.EpochID = "not-the-active-epoch"
			return r
		}(), domain.ErrWrongEpoch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.market.SubmitOrder(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Equal(t, 0, f.book.Len())
}

func TestSubmitWithoutActiveEpoch(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stores := memory.New().Stores()
	m, err := New(ctx, Config{}, stores, book.New(""), nil, nil, logger)
	require.NoError(t, err)

	_, err = m.SubmitOrder(ctx, request(domain.OrderSideBuy, "a", "1", "5"))
	assert.ErrorIs(t, err, domain.ErrNoActiveEpoch)
	_, err = m.CurrentEpoch(ctx)
	assert.ErrorIs(t, err, domain.ErrNoActiveEpoch)
}

func TestSubmitRespectsLimits(t *testing.T) {
	ctx := context.Background()

	limited := newFixture(t, nil, WithRateLimiter(denyLimiter{}))
	_, err := limited.market.SubmitOrder(ctx, request(domain.OrderSideBuy, "a", "1", "5"))
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	capped := newFixture(t, []book.Option{book.WithMaxOrders(1)})
	capped.submit(t, request(domain.OrderSideBuy, "a", "1", "5"))
	_, err = capped.market.SubmitOrder(ctx, request(domain.OrderSideBuy, "b", "1", "5"))
	assert.ErrorIs(t, err, domain.ErrEpochFull)
}

func TestSequenceResumesAfterRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	last := f.submit(t, request(domain.OrderSideBuy, "a", "1", "5"))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	again, err := New(ctx, Config{}, f.stores, f.book, f.sched, f.orch, logger)
	require.NoError(t, err)
	next, err := again.SubmitOrder(ctx, request(domain.OrderSideBuy, "b", "1", "5"))
	require.NoError(t, err)
	assert.Equal(t, last.Seq+1, next.Seq)
}

func TestCancelBeforeClearing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	o := f.submit(t, request(domain.OrderSideSell, "s", "5", "4.0"))

	cancelled, err := f.market.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 0, f.book.Len())

	_, err = f.market.CancelOrder(ctx, o.ID)
	assert.ErrorIs(t, err, domain.ErrOrderClosed)

	_, err = f.market.CancelOrder(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClearingEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	cur, err := f.market.CurrentEpoch(ctx)
	require.NoError(t, err)

	buy := f.submit(t, request(domain.OrderSideBuy, "alice", "10", "5.0"))
	sell := f.submit(t, request(domain.OrderSideSell, "bob", "10", "4.5"))

	f.now = t0.Add(time.Minute)
	ep, err := f.market.TriggerClearing(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, cur.ID, ep.ID)
	assert.Equal(t, domain.EpochStatusSettled, ep.Status)

	matches, err := f.market.EpochMatches(ctx, cur.ID)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, buy.ID, matches[0].BuyOrderID)
	assert.Equal(t, sell.ID, matches[0].SellOrderID)
	assert.True(t, matches[0].Quantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, matches[0].Price.Equal(decimal.RequireFromString("5.0")))

	pending, err := f.market.ListSettlements(ctx, domain.SettlementStatusPending, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, f.orch.Process(ctx, pending[0].ID))

	st, err := f.market.GetSettlement(ctx, matches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementStatusConfirmed, st.Status)
	assert.True(t, st.GrossAmount.Equal(decimal.NewFromInt(50)))
	assert.True(t, st.GrossAmount.Equal(st.NetAmount.Add(st.PlatformFee)))
	assert.True(t, f.ledger.Balance("bob").Equal(st.NetAmount))

	byEpoch, err := f.market.EpochSettlements(ctx, cur.ID)
	require.NoError(t, err)
	assert.Len(t, byEpoch, 1)

	history, err := f.market.EpochHistory(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, cur.ID, history[1].ID)

	exhausted, err := f.market.ListExhaustedSettlements(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, exhausted)
}

func TestCancelAfterSnapshotIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	buy := f.submit(t, request(domain.OrderSideBuy, "alice", "10", "5.0"))
	sell := f.submit(t, request(domain.OrderSideSell, "bob", "15", "4.5"))

	var cancelErr error
	f.hook.before = func() {
		_, cancelErr = f.market.CancelOrder(ctx, buy.ID)
	}
	_, err := f.market.TriggerClearing(ctx, "")
	require.NoError(t, err)
	assert.ErrorIs(t, cancelErr, domain.ErrAlreadyMatched)

	got, err := f.market.GetOrder(ctx, buy.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)

	_, err = f.market.CancelOrder(ctx, buy.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyMatched)

	// The partially filled sell carried over and its remainder can still be
	// withdrawn.
	rest, err := f.market.GetOrder(ctx, sell.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, rest.Status)
	cancelled, err := f.market.CancelOrder(ctx, sell.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
}

func TestCancelInFailedEpoch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	cur, err := f.market.CurrentEpoch(ctx)
	require.NoError(t, err)

	o := f.submit(t, request(domain.OrderSideBuy, "alice", "10", "5.0"))
	_, err = f.stores.Epochs.Transition(ctx, cur.ID, domain.EpochStatusActive, domain.EpochStatusClearing, domain.EpochUpdate{})
	require.NoError(t, err)
	f.book.Rotate("elsewhere")

	_, err = f.market.CancelOrder(ctx, o.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyMatched)

	_, err = f.stores.Epochs.Transition(ctx, cur.ID, domain.EpochStatusClearing, domain.EpochStatusFailed,
		domain.EpochUpdate{FailureReason: "test"})
	require.NoError(t, err)
	f.book.Thaw(cur.ID)

	cancelled, err := f.market.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
}

func TestBookSnapshotFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	cache := &staticCache{}
	f := newFixture(t, nil, WithBookCache(cache))
	f.submit(t, request(domain.OrderSideBuy, "alice", "10", "5.0"))
	assert.Equal(t, 1, cache.sets)
	require.Len(t, cache.snap.Bids, 1)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	replica, err := New(ctx, Config{}, f.stores, book.New(""), f.sched, f.orch, logger, WithBookCache(cache))
	require.NoError(t, err)
	snap, err := replica.BookSnapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Bids, 1)
}
