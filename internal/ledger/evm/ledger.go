// Package evm settles trades on an EVM chain. Each transfer is an ERC-20
// transferFrom(buyer, seller, amount) submitted by the operator account,
// which must hold an allowance from every buyer.
package evm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/gridclear/internal/crypto"
	"github.com/alanyoungcy/gridclear/internal/domain"
)

const erc20ABI = `[{"type":"function","name":"transferFrom","stateMutability":"nonpayable",
"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
"outputs":[{"name":"","type":"bool"}]}]`

// Chain is the subset of ethclient.Client the ledger uses.
type Chain interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxIndex remembers which transaction was submitted for an idempotency key.
type TxIndex interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
	Record(ctx context.Context, key, hash string) error
}

// Config describes the settlement token and participant accounts.
type Config struct {
	TokenAddress  string
	TokenDecimals int32
	// ChainID is fetched from the node when zero.
	ChainID int64
	// Accounts maps owner ids to addresses. Owners that are themselves hex
	// addresses need no entry.
	Accounts     map[string]string
	PollInterval time.Duration
}

// Ledger implements domain.Ledger on an ERC-20 token.
type Ledger struct {
	chain    Chain
	key      *crypto.OperatorKey
	index    TxIndex
	token    common.Address
	decimals int32
	chainID  *big.Int
	accounts map[string]common.Address
	poll     time.Duration
	method   abi.ABI
	logger   *slog.Logger

	// serialises nonce allocation for the operator account
	sendMu sync.Mutex
}

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", rpcURL, err)
	}
	return c, nil
}

// New creates a Ledger. A nil index keeps idempotency keys in memory.
func New(ctx context.Context, cfg Config, chain Chain, key *crypto.OperatorKey, index TxIndex, logger *slog.Logger) (*Ledger, error) {
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("evm: invalid token address %q", cfg.TokenAddress)
	}
	if key == nil {
		return nil, errors.New("evm: operator key required")
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parse abi: %w", err)
	}

	accounts := make(map[string]common.Address, len(cfg.Accounts))
	for owner, addr := range cfg.Accounts {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("evm: invalid address %q for owner %s", addr, owner)
		}
		accounts[owner] = common.HexToAddress(addr)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = chain.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("evm: chain id: %w", err)
		}
	}

	if index == nil {
		index = newMemoryIndex()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}

	return &Ledger{
		chain:    chain,
		key:      key,
		index:    index,
		token:    common.HexToAddress(cfg.TokenAddress),
		decimals: cfg.TokenDecimals,
		chainID:  chainID,
		accounts: accounts,
		poll:     poll,
		method:   parsed,
		logger:   logger.With(slog.String("component", "evm_ledger")),
	}, nil
}

// EnsureAccount resolves owner to an on-chain address.
func (l *Ledger) EnsureAccount(_ context.Context, owner string) (domain.AccountRef, error) {
	if addr, ok := l.accounts[owner]; ok {
		return domain.AccountRef{Owner: owner, Address: addr.Hex()}, nil
	}
	if common.IsHexAddress(owner) {
		return domain.AccountRef{Owner: owner, Address: common.HexToAddress(owner).Hex()}, nil
	}
	return domain.AccountRef{}, &domain.LedgerError{
		Kind: domain.LedgerRejected,
		Op:   "ensure_account",
		Err:  fmt.Errorf("no address for owner %s", owner),
	}
}

// Transfer submits transferFrom(from, to, amount). A key that was already
// submitted returns the original transaction hash.
func (l *Ledger) Transfer(ctx context.Context, idempotencyKey string, from, to domain.AccountRef, amount decimal.Decimal) (domain.TxRef, error) {
	const op = "transfer"

	if hash, ok, err := l.index.Lookup(ctx, idempotencyKey); err != nil {
		return "", &domain.LedgerError{Kind: domain.LedgerUnavailable, Op: op, Err: err}
	} else if ok {
		return domain.TxRef(hash), nil
	}

	units, err := ToUnits(amount, l.decimals)
	if err != nil {
		return "", &domain.LedgerError{Kind: domain.LedgerRejected, Op: op, Err: err}
	}
	data, err := l.method.Pack("transferFrom", common.HexToAddress(from.Address), common.HexToAddress(to.Address), units)
	if err != nil {
		return "", &domain.LedgerError{Kind: domain.LedgerRejected, Op: op, Err: err}
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	// Re-check under the lock so concurrent retries of one key send once.
	if hash, ok, err := l.index.Lookup(ctx, idempotencyKey); err != nil {
		return "", &domain.LedgerError{Kind: domain.LedgerUnavailable, Op: op, Err: err}
	} else if ok {
		return domain.TxRef(hash), nil
	}

	signed, err := l.buildTx(ctx, data)
	if err != nil {
		return "", classify(op, err)
	}
	if err := l.chain.SendTransaction(ctx, signed); err != nil {
		return "", classify(op, err)
	}

	hash := signed.Hash().Hex()
	if err := l.index.Record(ctx, idempotencyKey, hash); err != nil {
		// The transfer is on its way; losing the mapping risks a resend.
		l.logger.ErrorContext(ctx, "tx index write failed",
			slog.String("key", idempotencyKey),
			slog.String("tx", hash),
			slog.String("error", err.Error()),
		)
	}

	l.logger.InfoContext(ctx, "transfer submitted",
		slog.String("key", idempotencyKey),
		slog.String("tx", hash),
		slog.String("from", from.Address),
		slog.String("to", to.Address),
		slog.String("amount", amount.String()),
	)
	return domain.TxRef(hash), nil
}

func (l *Ledger) buildTx(ctx context.Context, data []byte) (*types.Transaction, error) {
	nonce, err := l.chain.PendingNonceAt(ctx, l.key.Address)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := l.chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	gas, err := l.chain.EstimateGas(ctx, ethereum.CallMsg{
		From: l.key.Address,
		To:   &l.token,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &l.token,
		Value:    big.NewInt(0),
		Gas:      gas + gas/5,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(l.chainID), l.key.Private)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return signed, nil
}

// Confirm polls for the receipt of ref until it is mined or timeout elapses.
func (l *Ledger) Confirm(ctx context.Context, ref domain.TxRef, timeout time.Duration) error {
	const op = "confirm"

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hash := common.HexToHash(string(ref))
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := l.chain.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return &domain.LedgerError{
					Kind: domain.LedgerRejected,
					Op:   op,
					Err:  fmt.Errorf("tx %s reverted in block %v", ref, receipt.BlockNumber),
				}
			}
			return nil
		case errors.Is(err, ethereum.NotFound):
		default:
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return &domain.LedgerError{Kind: domain.LedgerTimeout, Op: op, Err: lastErr}
			}
			return &domain.LedgerError{Kind: domain.LedgerTimeout, Op: op, Err: fmt.Errorf("tx %s not mined", ref)}
		case <-ticker.C:
		}
	}
}

// ToUnits converts a token amount into base units. Amounts finer than the
// token's decimals are rejected.
func ToUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount %s must be positive", amount)
	}
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s exceeds %d decimals", amount, decimals)
	}
	return shifted.BigInt(), nil
}

func classify(op string, err error) *domain.LedgerError {
	kind := domain.LedgerRejected
	msg := strings.ToLower(err.Error())
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = domain.LedgerTimeout
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "exceeds balance"),
		strings.Contains(msg, "insufficient allowance"),
		strings.Contains(msg, "exceeds allowance"):
		kind = domain.LedgerInsufficientFunds
	case errors.As(err, &netErr),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF),
		strings.Contains(msg, "connection refused"):
		kind = domain.LedgerUnavailable
	}
	return &domain.LedgerError{Kind: kind, Op: op, Err: err}
}

type memoryIndex struct {
	mu     sync.Mutex
	hashes map[string]string
}

func newMemoryIndex() *memoryIndex {
	return &memoryIndex{hashes: make(map[string]string)}
}

func (m *memoryIndex) Lookup(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	return h, ok, nil
}

func (m *memoryIndex) Record(_ context.Context, key, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hashes[key]; !ok {
		m.hashes[key] = hash
	}
	return nil
}
