package evm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gridclear/internal/crypto"
	"github.com/alanyoungcy/gridclear/internal/domain"
)

const (
	operatorHex = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	tokenAddr   = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	buyerAddr   = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	sellerAddr  = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
)

type fakeChain struct {
	mu          sync.Mutex
	nonce       uint64
	sent        []*types.Transaction
	receipts    map[common.Hash]*types.Receipt
	estimateErr error
	sendErr     error
}

func newFakeChain() *fakeChain {
	return &fakeChain{receipts: make(map[common.Hash]*types.Receipt)}
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(31337), nil }

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 50_000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeChain) mine(h common.Hash, status uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[h] = &types.Receipt{Status: status, BlockNumber: big.NewInt(7)}
}

func newLedger(t *testing.T, chain *fakeChain) *Ledger {
	t.Helper()
	key, err := crypto.LoadKey(crypto.KeyConfig{RawKey: operatorHex})
	require.NoError(t, err)
	l, err := New(context.Background(), Config{
		TokenAddress:  tokenAddr,
		TokenDecimals: 6,
		Accounts:      map[string]string{"alice": buyerAddr, "bob": sellerAddr},
		PollInterval:  5 * time.Millisecond,
	}, chain, key, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return l
}

func accounts(t *testing.T, l *Ledger) (domain.AccountRef, domain.AccountRef) {
	t.Helper()
	ctx := context.Background()
	buyer, err := l.EnsureAccount(ctx, "alice")
	require.NoError(t, err)
	seller, err := l.EnsureAccount(ctx, "bob")
	require.NoError(t, err)
	return buyer, seller
}

func TestEnsureAccount(t *testing.T) {
	l := newLedger(t, newFakeChain())
	ctx := context.Background()

	ref, err := l.EnsureAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, buyerAddr, ref.Address)

	ref, err = l.EnsureAccount(ctx, sellerAddr)
	require.NoError(t, err)
	assert.Equal(t, sellerAddr, ref.Address)

	_, err = l.EnsureAccount(ctx, "mallory")
	assert.Equal(t, domain.LedgerRejected, domain.LedgerErrorKindOf(err))
}

func TestTransferEncodesTransferFrom(t *testing.T) {
	chain := newFakeChain()
	l := newLedger(t, chain)
	buyer, seller := accounts(t, l)

	ref, err := l.Transfer(context.Background(), "settle-1", buyer, seller, decimal.RequireFromString("1.4925"))
	require.NoError(t, err)
	require.Len(t, chain.sent, 1)

	tx := chain.sent[0]
	assert.Equal(t, string(ref), tx.Hash().Hex())
	assert.Equal(t, common.HexToAddress(tokenAddr), *tx.To())
	assert.Equal(t, uint64(60_000), tx.Gas())

	method := l.method.Methods["transferFrom"]
	assert.Equal(t, method.ID, tx.Data()[:4])
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(buyerAddr), args[0])
	assert.Equal(t, common.HexToAddress(sellerAddr), args[1])
	assert.Equal(t, big.NewInt(1_492_500), args[2])

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), tx)
	require.NoError(t, err)
	assert.Equal(t, l.key.Address, sender)
}

func TestTransferIsIdempotent(t *testing.T) {
	chain := newFakeChain()
	l := newLedger(t, chain)
	buyer, seller := accounts(t, l)
	ctx := context.Background()

	first, err := l.Transfer(ctx, "settle-1", buyer, seller, decimal.NewFromInt(2))
	require.NoError(t, err)
	second, err := l.Transfer(ctx, "settle-1", buyer, seller, decimal.NewFromInt(2))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, chain.sent, 1)
}

func TestTransferErrorKinds(t *testing.T) {
	tests := []struct {
		name        string
		estimateErr error
		sendErr     error
		amount      string
		want        domain.LedgerErrorKind
	}{
		{name: "allowance", estimateErr: errors.New("execution reverted: ERC20: insufficient allowance"), amount: "1", want: domain.LedgerInsufficientFunds},
		{name: "revert", estimateErr: errors.New("execution reverted"), amount: "1", want: domain.LedgerRejected},
		{name: "node down", sendErr: io.EOF, amount: "1", want: domain.LedgerUnavailable},
		{name: "deadline", sendErr: context.DeadlineExceeded, amount: "1", want: domain.LedgerTimeout},
		{name: "too precise", amount: "0.0000001", want: domain.LedgerRejected},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chain := newFakeChain()
			chain.estimateErr = tc.estimateErr
			chain.sendErr = tc.sendErr
			l := newLedger(t, chain)
			buyer, seller := accounts(t, l)

			_, err := l.Transfer(context.Background(), "k", buyer, seller, decimal.RequireFromString(tc.amount))
			require.Error(t, err)
			assert.Equal(t, tc.want, domain.LedgerErrorKindOf(err))
			assert.Empty(t, chain.sent)
		})
	}
}

func TestConfirm(t *testing.T) {
	chain := newFakeChain()
	l := newLedger(t, chain)
	buyer, seller := accounts(t, l)
	ctx := context.Background()

	ok, err := l.Transfer(ctx, "a", buyer, seller, decimal.NewFromInt(1))
	require.NoError(t, err)
	reverted, err := l.Transfer(ctx, "b", buyer, seller, decimal.NewFromInt(1))
	require.NoError(t, err)
	pending, err := l.Transfer(ctx, "c", buyer, seller, decimal.NewFromInt(1))
	require.NoError(t, err)

	chain.mine(common.HexToHash(string(ok)), types.ReceiptStatusSuccessful)
	chain.mine(common.HexToHash(string(reverted)), types.ReceiptStatusFailed)

	assert.NoError(t, l.Confirm(ctx, ok, time.Second))
	assert.Equal(t, domain.LedgerRejected, domain.LedgerErrorKindOf(l.Confirm(ctx, reverted, time.Second)))
	assert.Equal(t, domain.LedgerTimeout, domain.LedgerErrorKindOf(l.Confirm(ctx, pending, 30*time.Millisecond)))
}

func TestConfirmWaitsForMining(t *testing.T) {
	chain := newFakeChain()
	l := newLedger(t, chain)
	buyer, seller := accounts(t, l)
	ctx := context.Background()

	ref, err := l.Transfer(ctx, "a", buyer, seller, decimal.NewFromInt(1))
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		chain.mine(common.HexToHash(string(ref)), types.ReceiptStatusSuccessful)
	}()
	assert.NoError(t, l.Confirm(ctx, ref, 2*time.Second))
}

func TestToUnits(t *testing.T) {
	u, err := ToUnits(decimal.RequireFromString("12.5"), 18)
	require.NoError(t, err)
	want, _ := new(big.Int).SetString("12500000000000000000", 10)
	assert.Equal(t, want, u)

	_, err = ToUnits(decimal.Zero, 6)
	assert.Error(t, err)
}
