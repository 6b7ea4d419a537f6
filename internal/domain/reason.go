package domain

import "fmt"

// FreezeReasonKind tags the freeze reason variant.
type FreezeReasonKind string

const (
	FreezeBudgetExceeded   FreezeReasonKind = "budget_exceeded"
	FreezeDurationExceeded FreezeReasonKind = "duration_exceeded"
	FreezeManual           FreezeReasonKind = "manual"
)

// FreezeReason is a tagged union carried by LeaseFrozen events. Exactly one
// variant-specific field set is meaningful per kind; formatting code matches
// on Kind and must fall back to a generic rendering for kinds it does not
// recognise (upstream may add variants at any time).
type FreezeReason struct {
	Kind FreezeReasonKind `json:"kind"`

	// budget_exceeded
	BudgetUSD float64 `json:"budgetUsd,omitempty"`
	SpendUSD  float64 `json:"spendUsd,omitempty"`

	// duration_exceeded
	MaxDurationHours int `json:"maxDurationHours,omitempty"`

	// manual
	RequestedBy string `json:"requestedBy,omitempty"`
	Comment     string `json:"comment,omitempty"`
}

// Describe renders the reason as a short plain sentence. Unknown kinds get a
// generic description rather than an error.
func (r FreezeReason) Describe() string {
	switch r.Kind {
	case FreezeBudgetExceeded:
		return fmt.Sprintf("budget exceeded: spent $%.2f of $%.2f", r.SpendUSD, r.BudgetUSD)
	case FreezeDurationExceeded:
		return fmt.Sprintf("maximum lease duration of %dh exceeded", r.MaxDurationHours)
	case FreezeManual:
		return "manually frozen by an administrator"
	default:
		return fmt.Sprintf("frozen (%s)", r.Kind)
	}
}
