package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AccountRef identifies a participant's account on the ledger.
type AccountRef struct {
	Owner   string
	Address string
}

// TxRef is the ledger's reference for a submitted transfer.
type TxRef string

// LedgerErrorKind classifies ledger failures.
type LedgerErrorKind string

const (
	LedgerTimeout           LedgerErrorKind = "timeout"
	LedgerRejected          LedgerErrorKind = "rejected"
	LedgerInsufficientFunds LedgerErrorKind = "insufficient_funds"
	LedgerUnavailable       LedgerErrorKind = "unavailable"
)

// LedgerError is returned by Ledger implementations. All kinds are treated as
// recoverable by the settlement orchestrator.
type LedgerError struct {
	Kind LedgerErrorKind
	Op   string
	Err  error
}

func (e *LedgerError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ledger %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("ledger %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

// LedgerErrorKindOf extracts the kind from err, or "" when err is not a
// LedgerError.
func LedgerErrorKindOf(err error) LedgerErrorKind {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// Ledger is the external value-transfer system. Implementations must treat
// idempotencyKey as a client-side dedup key: a repeated Transfer with the same
// key returns the original reference instead of moving value twice.
type Ledger interface {
	EnsureAccount(ctx context.Context, owner string) (AccountRef, error)
	Transfer(ctx context.Context, idempotencyKey string, from, to AccountRef, amount decimal.Decimal) (TxRef, error)
	Confirm(ctx context.Context, ref TxRef, timeout time.Duration) error
}
