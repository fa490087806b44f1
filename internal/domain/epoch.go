package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EpochStatus tracks the epoch lifecycle.
type EpochStatus string

const (
	EpochStatusPending  EpochStatus = "pending"
	EpochStatusActive   EpochStatus = "active"
	EpochStatusClearing EpochStatus = "clearing"
	EpochStatusSettled  EpochStatus = "settled"
	EpochStatusFailed   EpochStatus = "failed"
)

// CanTransition reports whether moving from s to next is a legal step.
func (s EpochStatus) CanTransition(next EpochStatus) bool {
	switch s {
	case EpochStatusPending:
		return next == EpochStatusActive
	case EpochStatusActive:
		return next == EpochStatusClearing
	case EpochStatusClearing:
		return next == EpochStatusSettled || next == EpochStatusFailed
	case EpochStatusSettled, EpochStatusFailed:
		return false
	}
	return false
}

// PastActive reports whether the epoch has already left the active state.
func (s EpochStatus) PastActive() bool {
	switch s {
	case EpochStatusClearing, EpochStatusSettled, EpochStatusFailed:
		return true
	}
	return false
}

// EpochStats summarises one clearing pass.
type EpochStats struct {
	TotalOrders   int64
	MatchedOrders int64
	MatchCount    int64
	TotalVolume   decimal.Decimal // kWh
	TotalValue    decimal.Decimal
	ClearingPrice decimal.Decimal // volume-weighted average
}

// Epoch is a fixed trading window [StartTime, EndTime).
type Epoch struct {
	ID            string
	Sequence      int64
	StartTime     time.Time
	EndTime       time.Time
	Status        EpochStatus
	Stats         EpochStats
	ClearedAt     *time.Time
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Contains reports whether t falls inside the epoch window.
func (e Epoch) Contains(t time.Time) bool {
	return !t.Before(e.StartTime) && t.Before(e.EndTime)
}

// EpochUpdate carries the optional fields written alongside a transition.
type EpochUpdate struct {
	Stats         *EpochStats
	ClearedAt     *time.Time
	FailureReason string
}
