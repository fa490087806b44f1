package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementStatus tracks a settlement through the ledger.
type SettlementStatus string

const (
	SettlementStatusPending    SettlementStatus = "pending"
	SettlementStatusProcessing SettlementStatus = "processing"
	SettlementStatusConfirmed  SettlementStatus = "confirmed"
	SettlementStatusFailed     SettlementStatus = "failed"
)

// CanTransition reports whether moving from s to next is legal. The retry
// bound on failed -> processing is enforced by Settlement.CanRetry.
func (s SettlementStatus) CanTransition(next SettlementStatus) bool {
	switch s {
	case SettlementStatusPending:
		return next == SettlementStatusProcessing
	case SettlementStatusProcessing:
		return next == SettlementStatusConfirmed || next == SettlementStatusFailed
	case SettlementStatusFailed:
		return next == SettlementStatusProcessing
	case SettlementStatusConfirmed:
		return false
	}
	return false
}

// Settlement realises one Match on the external ledger.
type Settlement struct {
	ID          string
	MatchID     string
	EpochID     string
	Buyer       string
	Seller      string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	GrossAmount decimal.Decimal
	PlatformFee decimal.Decimal
	NetAmount   decimal.Decimal
	Status      SettlementStatus
	RetryCount  int
	LedgerTxRef string
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ConfirmedAt *time.Time
}

// CanRetry reports whether a failed settlement may be attempted again.
func (s Settlement) CanRetry(maxRetries int) bool {
	return s.Status == SettlementStatusFailed && s.RetryCount < maxRetries
}

// Exhausted reports whether the settlement failed permanently.
func (s Settlement) Exhausted(maxRetries int) bool {
	return s.Status == SettlementStatusFailed && s.RetryCount >= maxRetries
}

// SettlementUpdate is a status change written by the orchestrator.
type SettlementUpdate struct {
	Status      SettlementStatus
	RetryCount  *int
	LedgerTxRef string
	LastError   string
	ConfirmedAt *time.Time
}
