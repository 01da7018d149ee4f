package lease

import (
	"time"

	"leasevault/money"
)

// State is the engine-enforced lifecycle position of a lease. Handlers and
// repositories never assign it directly; every change goes through the
// transition table in statemachine.go.
type State string

const (
	StateDraft          State = "draft"
	StatePendingFunding State = "pending_funding"
	StatePendingMoveIn  State = "pending_move_in"
	StateActive         State = "active"
	StatePendingClose   State = "pending_close"
	StateInDispute      State = "in_dispute"
	StateClosed         State = "closed"
	StateCancelled      State = "cancelled"
)

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateCancelled
}

// Party identifies which side of the lease an actor is on.
type Party string

const (
	PartyTenant   Party = "tenant"
	PartyLandlord Party = "landlord"
)

// Terms are the immutable conditions fixed at creation. Deposit and
// MonthlyRent never change afterwards; only state, confirmations, and the
// version counter mutate on the Lease.
type Terms struct {
	TenantID    string
	LandlordID  string
	Property    string
	Deposit     money.Money
	MonthlyRent money.Money
	StartDate   time.Time
	EndDate     time.Time
}

// Lease mirrors the leases table.
type Lease struct {
	ID      string
	Terms
	State   State
	Version int64

	// Per-party confirmation timestamps. Move-in and release each require
	// both parties before the corresponding transition fires.
	MoveInTenantAt    *time.Time
	MoveInLandlordAt  *time.Time
	ReleaseTenantAt   *time.Time
	ReleaseLandlordAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PartyOf resolves an actor id to its side of the lease.
func (l Lease) PartyOf(actorID string) (Party, bool) {
	switch actorID {
	case l.TenantID:
		return PartyTenant, true
	case l.LandlordID:
		return PartyLandlord, true
	default:
		return "", false
	}
}

// MoveInConfirmedBy reports whether the given party already confirmed move-in.
func (l Lease) MoveInConfirmedBy(p Party) bool {
	if p == PartyTenant {
		return l.MoveInTenantAt != nil
	}
	return l.MoveInLandlordAt != nil
}

// ReleaseConfirmedBy reports whether the given party already confirmed release.
func (l Lease) ReleaseConfirmedBy(p Party) bool {
	if p == PartyTenant {
		return l.ReleaseTenantAt != nil
	}
	return l.ReleaseLandlordAt != nil
}

// Filters narrow and page List results. Ordering is by creation time.
type Filters struct {
	TenantID   string
	LandlordID string
	State      State
	Page       int
	PageSize   int
}
