// Package sim is an in-process ledger used by the dev run mode and tests. It
// keeps balances per owner, honours idempotency keys and can be scripted to
// fail specific operations.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

// Operation names accepted by FailNext.
const (
	OpEnsureAccount = "ensure_account"
	OpTransfer      = "transfer"
	OpConfirm       = "confirm"
)

type transfer struct {
	from, to  string
	amount    decimal.Decimal
	confirmed bool
}

// Ledger is a simulated domain.Ledger.
type Ledger struct {
	mu        sync.Mutex
	balances  map[string]decimal.Decimal
	transfers map[domain.TxRef]*transfer
	byKey     map[string]domain.TxRef
	failures  map[string][]domain.LedgerErrorKind
	calls     map[string]int
	overdraft bool
	seq       int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithOverdraft lets balances go negative instead of failing with
// insufficient funds.
func WithOverdraft() Option {
	return func(l *Ledger) { l.overdraft = true }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		balances:  make(map[string]decimal.Decimal),
		transfers: make(map[domain.TxRef]*transfer),
		byKey:     make(map[string]domain.TxRef),
		failures:  make(map[string][]domain.LedgerErrorKind),
		calls:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Deposit credits owner.
func (l *Ledger) Deposit(owner string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[owner] = l.balances[owner].Add(amount)
}

// Balance returns owner's balance.
func (l *Ledger) Balance(owner string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[owner]
}

// FailNext makes the next len(kinds) calls of op fail with those kinds.
func (l *Ledger) FailNext(op string, kinds ...domain.LedgerErrorKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[op] = append(l.failures[op], kinds...)
}

// Calls returns how many times op was invoked.
func (l *Ledger) Calls(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

// Transfers returns the number of distinct transfers that moved value.
func (l *Ledger) Transfers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.transfers)
}

// scripted pops a scripted failure for op. Callers hold l.mu.
func (l *Ledger) scripted(op string) error {
	l.calls[op]++
	queue := l.failures[op]
	if len(queue) == 0 {
		return nil
	}
	kind := queue[0]
	l.failures[op] = queue[1:]
	return &domain.LedgerError{Kind: kind, Op: op, Err: fmt.Errorf("simulated %s failure", kind)}
}

// EnsureAccount opens an account on first use.
func (l *Ledger) EnsureAccount(ctx context.Context, owner string) (domain.AccountRef, error) {
	if err := ctx.Err(); err != nil {
		return domain.AccountRef{}, &domain.LedgerError{Kind: domain.LedgerUnavailable, Op: OpEnsureAccount, Err: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.scripted(OpEnsureAccount); err != nil {
		return domain.AccountRef{}, err
	}
	if _, ok := l.balances[owner]; !ok {
		l.balances[owner] = decimal.Zero
	}
	return domain.AccountRef{Owner: owner, Address: "sim:" + owner}, nil
}

// Transfer moves amount from one account to another. A repeated key returns
// the original reference without moving value again.
func (l *Ledger) Transfer(ctx context.Context, key string, from, to domain.AccountRef, amount decimal.Decimal) (domain.TxRef, error) {
	if err := ctx.Err(); err != nil {
		return "", &domain.LedgerError{Kind: domain.LedgerUnavailable, Op: OpTransfer, Err: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.scripted(OpTransfer); err != nil {
		return "", err
	}
	if ref, ok := l.byKey[key]; ok {
		return ref, nil
	}
	if !amount.IsPositive() {
		return "", &domain.LedgerError{Kind: domain.LedgerRejected, Op: OpTransfer, Err: fmt.Errorf("amount %s", amount)}
	}
	if !l.overdraft && l.balances[from.Owner].LessThan(amount) {
		return "", &domain.LedgerError{Kind: domain.LedgerInsufficientFunds, Op: OpTransfer,
			Err: fmt.Errorf("%s has %s, needs %s", from.Owner, l.balances[from.Owner], amount)}
	}
	l.balances[from.Owner] = l.balances[from.Owner].Sub(amount)
	l.balances[to.Owner] = l.balances[to.Owner].Add(amount)
	l.seq++
	ref := domain.TxRef(fmt.Sprintf("sim-tx-%06d", l.seq))
	l.transfers[ref] = &transfer{from: from.Owner, to: to.Owner, amount: amount}
	l.byKey[key] = ref
	return ref, nil
}

// Confirm marks a transfer final. Unknown references are rejected.
func (l *Ledger) Confirm(ctx context.Context, ref domain.TxRef, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return &domain.LedgerError{Kind: domain.LedgerTimeout, Op: OpConfirm, Err: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.scripted(OpConfirm); err != nil {
		return err
	}
	t, ok := l.transfers[ref]
	if !ok {
		return &domain.LedgerError{Kind: domain.LedgerRejected, Op: OpConfirm, Err: fmt.Errorf("unknown tx %s", ref)}
	}
	t.confirmed = true
	return nil
}

var _ domain.Ledger = (*Ledger)(nil)
