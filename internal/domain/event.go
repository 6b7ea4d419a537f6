package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventID is the upstream event's globally unique identifier. It is the only
// valid idempotency key; the guard accepts no other type, so a caller cannot
// substitute a derived or caller-supplied key by accident.
type EventID string

func (id EventID) String() string { return string(id) }

// EventType discriminates the lease lifecycle event payload.
type EventType string

const (
	LeaseApproved               EventType = "LeaseApproved"
	LeaseDenied                 EventType = "LeaseDenied"
	LeaseExpired                EventType = "LeaseExpired"
	LeaseFrozen                 EventType = "LeaseFrozen"
	LeaseTerminated             EventType = "LeaseTerminated"
	LeaseBudgetThresholdAlert   EventType = "LeaseBudgetThresholdAlert"
	LeaseDurationThresholdAlert EventType = "LeaseDurationThresholdAlert"
	AccountCleanupFailed        EventType = "AccountCleanupFailed"
	AccountDriftDetected        EventType = "AccountDriftDetected"
)

// Event is an immutable lease lifecycle record delivered by the upstream bus.
// Detail is kept raw and decoded per type; unknown fields in the payload are
// tolerated so upstream schema additions do not break processing.
type Event struct {
	ID            EventID         `json:"id" validate:"required"`
	Type          EventType       `json:"type" validate:"required"`
	Source        string          `json:"source" validate:"required"`
	SourceAccount string          `json:"sourceAccount" validate:"required"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Detail        json.RawMessage `json:"detail"`
}

// LeaseDetail is the common payload shape shared by lease events. Fields not
// present for a given type simply decode to their zero value.
type LeaseDetail struct {
	LeaseID      string  `json:"leaseId"`
	UserEmail    string  `json:"userEmail"`
	AccountID    string  `json:"accountId"`
	BudgetUSD    float64 `json:"budgetUsd"`
	SpendUSD     float64 `json:"spendUsd"`
	ThresholdPct float64 `json:"thresholdPct"`
	ExpiresAt    string  `json:"expiresAt"`
	Comment      string  `json:"comment"`

	// Only set for LeaseFrozen.
	Reason *FreezeReason `json:"reason,omitempty"`
}

// DecodeDetail decodes the raw detail payload for this event.
func (e Event) DecodeDetail() (LeaseDetail, error) {
	var d LeaseDetail
	if len(e.Detail) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(e.Detail, &d); err != nil {
		return d, fmt.Errorf("decode %s detail: %w", e.Type, err)
	}
	return d, nil
}
