package dispute

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// OutcomeKind names the arbitration decision.
type OutcomeKind string

const (
	// OutcomeTenantFavor refunds the full balance to the tenant.
	OutcomeTenantFavor OutcomeKind = "tenant_favor"
	// OutcomeLandlordFavor pays the full balance out to the landlord.
	OutcomeLandlordFavor OutcomeKind = "landlord_favor"
	// OutcomeSplit divides the balance; Ratio is the landlord's share.
	OutcomeSplit OutcomeKind = "split"
)

// ErrInvalidOutcome rejects malformed resolution outcomes.
var ErrInvalidOutcome = errors.New("dispute: invalid outcome")

// Outcome is an arbitration decision. Ratio is meaningful only for splits.
type Outcome struct {
	Kind  OutcomeKind
	Ratio decimal.Decimal
}

// Validate checks the outcome is well formed.
func (o Outcome) Validate() error {
	switch o.Kind {
	case OutcomeTenantFavor, OutcomeLandlordFavor:
		return nil
	case OutcomeSplit:
		if o.Ratio.IsNegative() || o.Ratio.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%w: split ratio %s outside [0, 1]", ErrInvalidOutcome, o.Ratio)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOutcome, o.Kind)
	}
}

// Equal reports whether two outcomes are the same decision. Replaying a
// resolution with an equal outcome is a no-op rather than an error.
func (o Outcome) Equal(other Outcome) bool {
	if o.Kind != other.Kind {
		return false
	}
	if o.Kind != OutcomeSplit {
		return true
	}
	return o.Ratio.Equal(other.Ratio)
}

// LandlordRatio is the portion of the balance paid out to the landlord.
func (o Outcome) LandlordRatio() decimal.Decimal {
	switch o.Kind {
	case OutcomeTenantFavor:
		return decimal.Zero
	case OutcomeLandlordFavor:
		return decimal.NewFromInt(1)
	default:
		return o.Ratio
	}
}

// Record mirrors the disputes table. A resolved record is immutable.
type Record struct {
	ID           string
	LeaseID      string
	RaisedBy     string
	Reason       string
	EvidenceRefs []string
	Status       Status
	Outcome      *Outcome
	ResolvedBy   *string
	RaisedAt     time.Time
	ResolvedAt   *time.Time
}
