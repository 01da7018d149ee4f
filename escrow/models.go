package escrow

import (
	"time"

	"leasevault/money"
)

// Direction classifies a movement. Deposits credit the account; refunds
// (back to the tenant) and payouts (to the landlord) debit it.
type Direction string

const (
	DirectionDeposit Direction = "deposit"
	DirectionRefund  Direction = "refund"
	DirectionPayout  Direction = "payout"
)

// Role is the capability under which an actor touches the ledger. Parties
// act under their lease role; the arbitration subsystem and the engine's
// automatic close path act under elevated roles.
type Role string

const (
	RoleTenant     Role = "tenant"
	RoleLandlord   Role = "landlord"
	RoleArbitrator Role = "arbitrator"
	RoleSystem     Role = "system"
)

// Movement is one immutable, signed change to an escrow balance. Movements
// are append-only: never edited, never reordered. Seq is a per-lease
// sequence number; ResultingBalance is the balance after this movement and
// serves as an audit cross-check against the signed sum.
type Movement struct {
	ID               string
	LeaseID          string
	Seq              int
	Direction        Direction
	Amount           money.Money
	ActorID          string
	ResultingBalance money.Money
	CreatedAt        time.Time
}
