package sim

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

func TestTransferIsIdempotentPerKey(t *testing.T) {
	ctx := context.Background()
	l := New()
	l.Deposit("alice", decimal.NewFromInt(100))
	alice, err := l.EnsureAccount(ctx, "alice")
	require.NoError(t, err)
	bob, err := l.EnsureAccount(ctx, "bob")
	require.NoError(t, err)

	ref1, err := l.Transfer(ctx, "k1", alice, bob, decimal.NewFromInt(30))
	require.NoError(t, err)
	ref2, err := l.Transfer(ctx, "k1", alice, bob, decimal.NewFromInt(30))
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)
	assert.True(t, l.Balance("alice").Equal(decimal.NewFromInt(70)))
	assert.True(t, l.Balance("bob").Equal(decimal.NewFromInt(30)))
	require.NoError(t, l.Confirm(ctx, ref1, time.Second))
}

func TestInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	l := New()
	a, _ := l.EnsureAccount(ctx, "a")
	b, _ := l.EnsureAccount(ctx, "b")
	_, err := l.Transfer(ctx, "k", a, b, decimal.NewFromInt(1))
	assert.Equal(t, domain.LedgerInsufficientFunds, domain.LedgerErrorKindOf(err))

	l2 := New(WithOverdraft())
	_, err = l2.Transfer(ctx, "k", a, b, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.True(t, l2.Balance("a").Equal(decimal.NewFromInt(-1)))
}

func TestScriptedFailures(t *testing.T) {
	ctx := context.Background()
	l := New(WithOverdraft())
	l.FailNext(OpConfirm, domain.LedgerTimeout)

	a, _ := l.EnsureAccount(ctx, "a")
	b, _ := l.EnsureAccount(ctx, "b")
	ref, err := l.Transfer(ctx, "k", a, b, decimal.NewFromInt(1))
	require.NoError(t, err)

	err = l.Confirm(ctx, ref, time.Second)
	assert.Equal(t, domain.LedgerTimeout, domain.LedgerErrorKindOf(err))
	require.NoError(t, l.Confirm(ctx, ref, time.Second))
	assert.Equal(t, 2, l.Calls(OpConfirm))

	err = l.Confirm(ctx, "missing", time.Second)
	assert.Equal(t, domain.LedgerRejected, domain.LedgerErrorKindOf(err))
}
