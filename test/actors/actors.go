// Package actors contains the concurrent workloads of the stress harness.
// Each actor drives the real domain services in a loop, tolerating the
// domain errors that are expected under contention and failing on anything
// else.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"leasevault/dispute"
	"leasevault/escrow"
	"leasevault/lease"
	"leasevault/money"
	"leasevault/outbox"
)

// expectedLeaseErr reports whether err is a normal outcome of racing
// lifecycle operations rather than a harness failure.
func expectedLeaseErr(err error) bool {
	return errors.Is(err, lease.ErrVersionConflict) ||
		errors.Is(err, lease.ErrBusy) ||
		errors.Is(err, lease.ErrInvalidTransition) ||
		errors.Is(err, lease.ErrFundsHeld) ||
		errors.Is(err, lease.ErrNotEnded)
}

func expectedEscrowErr(err error) bool {
	return errors.Is(err, escrow.ErrOverfunded) ||
		errors.Is(err, escrow.ErrInsufficientBalance) ||
		errors.Is(err, escrow.ErrNotFundable)
}

func expectedDisputeErr(err error) bool {
	return errors.Is(err, dispute.ErrAlreadyOpen) ||
		errors.Is(err, dispute.ErrAlreadyResolved) ||
		errors.Is(err, dispute.ErrNotFound)
}

func canceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// transient covers connections the chaos actor yanked out from under us.
func transient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "57P") {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "conn closed") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "unexpected EOF")
}

func pause(base, jitter int) {
	time.Sleep(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
}

// Funder pushes deposits at the lease in random slices. Competing funders
// racing past the declared deposit must be stopped by the overfunding
// guard, never by timing.
func Funder(ctx context.Context, svc *escrow.Service, leaseID, tenantID, currency string, stop <-chan struct{}) error {
	slices := []string{"50.00", "100.00", "250.00", "500.00", "1500.00"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		amount := money.MustParse(slices[rand.Intn(len(slices))], currency)
		if _, err := svc.Fund(ctx, leaseID, amount, tenantID); err != nil && !expectedLeaseErr(err) && !expectedEscrowErr(err) {
			if canceled(err) || transient(err) {
				return nil
			}
			return fmt.Errorf("funder: %w", err)
		}
		pause(10, 30)
	}
}

// Confirmer hammers the two-party confirmations from one side. A tenant
// and a landlord confirmer run at once; only their combination may fire a
// transition.
func Confirmer(ctx context.Context, svc *lease.Service, leaseID, actorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var err error
		if rand.Intn(2) == 0 {
			_, err = svc.ConfirmMoveIn(ctx, leaseID, actorID)
		} else {
			_, err = svc.ConfirmRelease(ctx, leaseID, actorID)
		}
		if err != nil && !expectedLeaseErr(err) {
			if canceled(err) || transient(err) {
				return nil
			}
			return fmt.Errorf("confirmer %s: %w", actorID, err)
		}
		pause(20, 40)
	}
}

// Closer keeps trying to end and close the lease through the legal path.
func Closer(ctx context.Context, svc *lease.Service, leaseID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := svc.MarkEnded(ctx, leaseID); err != nil && !expectedLeaseErr(err) {
			if canceled(err) || transient(err) {
				return nil
			}
			return fmt.Errorf("closer mark ended: %w", err)
		}
		if _, err := svc.AutoRelease(ctx, leaseID); err != nil && !expectedLeaseErr(err) {
			if canceled(err) || transient(err) {
				return nil
			}
			return fmt.Errorf("closer auto release: %w", err)
		}
		pause(50, 100)
	}
}

// Disputer repeatedly tries to open a dispute. The partial unique index
// must keep it to one open dispute no matter how many racers.
func Disputer(ctx context.Context, svc *dispute.Service, leaseID, raisedBy string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := svc.Raise(ctx, dispute.RaiseParams{
			LeaseID:  leaseID,
			RaisedBy: raisedBy,
			Reason:   "deposit contested under load",
		})
		if err != nil && !expectedLeaseErr(err) && !expectedDisputeErr(err) {
			if canceled(err) || transient(err) {
				return nil
			}
			return fmt.Errorf("disputer: %w", err)
		}
		pause(100, 150)
	}
}

// Resolver finds the open dispute, if any, and resolves it with a random
// outcome. Concurrent resolvers replaying a different outcome must hit
// ErrAlreadyResolved; an identical outcome must no-op.
func Resolver(ctx context.Context, svc *dispute.Service, leaseID, arbitratorID string, stop <-chan struct{}) error {
	outcomes := []dispute.Outcome{
		{Kind: dispute.OutcomeTenantFavor},
		{Kind: dispute.OutcomeLandlordFavor},
		{Kind: dispute.OutcomeSplit, Ratio: decimal.RequireFromString("0.5")},
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		records, err := svc.ListByLease(ctx, leaseID)
		if err != nil {
			if canceled(err) || transient(err) {
				return nil
			}
			return fmt.Errorf("resolver list: %w", err)
		}
		for _, rec := range records {
			if rec.Status != dispute.StatusOpen {
				continue
			}
			_, err := svc.Resolve(ctx, dispute.ResolveParams{
				DisputeID:    rec.ID,
				Outcome:      outcomes[rand.Intn(len(outcomes))],
				ResolvedBy:   arbitratorID,
				ResolverRole: escrow.RoleArbitrator,
			})
			if err != nil && !expectedLeaseErr(err) && !expectedDisputeErr(err) {
				if canceled(err) || transient(err) {
					return nil
				}
				return fmt.Errorf("resolver: %w", err)
			}
		}
		pause(150, 200)
	}
}

// OutboxWorker drains the outbox with the production dispatcher.
func OutboxWorker(ctx context.Context, dispatcher *outbox.Dispatcher, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := dispatcher.DispatchOne(ctx); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			if canceled(err) || transient(err) {
				return nil
			}
			return fmt.Errorf("outbox worker: %w", err)
		}
		pause(50, 100)
	}
}
