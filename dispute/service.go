package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"leasevault/escrow"
	"leasevault/lease"
)

var (
	// ErrUnauthorizedArbitrator rejects resolutions by callers without the
	// arbitration capability.
	ErrUnauthorizedArbitrator = errors.New("dispute: resolver lacks arbitration capability")
	// ErrEmptyReason rejects disputes raised without a stated reason.
	ErrEmptyReason = errors.New("dispute: reason required")
)

// OutboxWriter appends a delivery message inside the operation's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// ResolveResult bundles the resolved dispute and the closed lease.
type ResolveResult struct {
	Dispute Record
	Lease   lease.Lease
}

// Service records disputes and executes arbitration decisions. Resolution
// moves funds and closes the lease within one transaction: if any ledger
// write fails, nothing is persisted.
type Service struct {
	pool   lease.TxBeginner
	repo   Repository
	leases lease.Repository
	ledger *escrow.Ledger
	outbox OutboxWriter
	idGen  func() string
}

func NewService(pool lease.TxBeginner, repo Repository, leases lease.Repository, ledger *escrow.Ledger, outbox OutboxWriter) *Service {
	if ledger == nil {
		ledger = escrow.NewLedger()
	}
	return &Service{
		pool:   pool,
		repo:   repo,
		leases: leases,
		ledger: ledger,
		outbox: outbox,
		idGen:  func() string { return uuid.NewString() },
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// RaiseParams describe a new dispute.
type RaiseParams struct {
	LeaseID      string
	RaisedBy     string
	Reason       string
	EvidenceRefs []string
}

// Raise opens a dispute and drives the lease into InDispute in the same
// transaction. At most one dispute may be open per lease.
func (s *Service) Raise(ctx context.Context, params RaiseParams) (Record, error) {
	if strings.TrimSpace(params.Reason) == "" {
		return Record{}, ErrEmptyReason
	}
	evidence := params.EvidenceRefs
	if evidence == nil {
		// evidence_refs is NOT NULL; a request without evidence stores [].
		evidence = []string{}
	}

	var out Record
	err := lease.RetryOnConflict(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("dispute: begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		l, err := s.leases.GetTx(ctx, tx, params.LeaseID)
		if err != nil {
			return err
		}
		if _, ok := l.PartyOf(params.RaisedBy); !ok {
			return lease.ErrNotParty
		}
		next, err := lease.Next(l.State, lease.EventDisputeRaised)
		if err != nil {
			return err
		}

		rec, err := s.repo.Insert(ctx, tx, Record{
			ID:           s.idGen(),
			LeaseID:      params.LeaseID,
			RaisedBy:     params.RaisedBy,
			Reason:       params.Reason,
			EvidenceRefs: evidence,
		})
		if err != nil {
			return err
		}

		if _, err := s.leases.UpdateState(ctx, tx, lease.UpdateParams{
			ID:              l.ID,
			ExpectedVersion: l.Version,
			NextState:       next,
		}); err != nil {
			return err
		}

		if s.outbox != nil {
			payload := map[string]any{
				"dispute_id": rec.ID,
				"lease_id":   rec.LeaseID,
				"raised_by":  rec.RaisedBy,
			}
			if err := s.outbox.Enqueue(ctx, tx, "dispute.raised", payload); err != nil {
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("dispute: commit: %w", err)
		}
		out = rec
		return nil
	})
	return out, err
}

// ResolveParams describe an arbitration decision.
type ResolveParams struct {
	DisputeID    string
	Outcome      Outcome
	ResolvedBy   string
	ResolverRole escrow.Role
}

// Resolve executes the arbitration outcome: it splits the escrow balance
// between payout and refund, closes the lease, and stamps the dispute
// resolved, all in one transaction. Re-resolving with the identical outcome
// is a no-op returning the already-closed lease; a different outcome is
// ErrAlreadyResolved.
func (s *Service) Resolve(ctx context.Context, params ResolveParams) (ResolveResult, error) {
	if err := params.Outcome.Validate(); err != nil {
		return ResolveResult{}, err
	}
	if params.ResolverRole != escrow.RoleArbitrator {
		return ResolveResult{}, ErrUnauthorizedArbitrator
	}

	var out ResolveResult
	err := lease.RetryOnConflict(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("dispute: begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		rec, err := s.repo.MarkResolved(ctx, tx, params.DisputeID, params.Outcome, params.ResolvedBy)
		if err != nil {
			if errors.Is(err, ErrAlreadyResolved) {
				// Retried request: same decision is a success no-op.
				if rec.Outcome != nil && rec.Outcome.Equal(params.Outcome) {
					l, lerr := s.leases.GetTx(ctx, tx, rec.LeaseID)
					if lerr != nil {
						return lerr
					}
					out = ResolveResult{Dispute: rec, Lease: l}
					return nil
				}
			}
			return err
		}

		l, err := s.leases.GetTx(ctx, tx, rec.LeaseID)
		if err != nil {
			return err
		}
		next, err := lease.Next(l.State, lease.EventDisputeResolved)
		if err != nil {
			return err
		}

		if err := s.moveFunds(ctx, tx, l, params); err != nil {
			return err
		}

		closed, err := s.leases.UpdateState(ctx, tx, lease.UpdateParams{
			ID:              l.ID,
			ExpectedVersion: l.Version,
			NextState:       next,
		})
		if err != nil {
			return err
		}

		if s.outbox != nil {
			payload := map[string]any{
				"dispute_id":  rec.ID,
				"lease_id":    rec.LeaseID,
				"outcome":     string(params.Outcome.Kind),
				"resolved_by": params.ResolvedBy,
			}
			if err := s.outbox.Enqueue(ctx, tx, "dispute.resolved", payload); err != nil {
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("dispute: commit: %w", err)
		}
		out = ResolveResult{Dispute: rec, Lease: closed}
		return nil
	})
	return out, err
}

// moveFunds pays the landlord's share out and refunds the remainder to the
// tenant, skipping zero movements.
func (s *Service) moveFunds(ctx context.Context, tx pgx.Tx, l lease.Lease, params ResolveParams) error {
	balance, err := s.ledger.Balance(ctx, tx, l.ID, l.Deposit.Currency())
	if err != nil {
		return err
	}
	if balance.IsZero() {
		return nil
	}

	landlordShare, tenantShare, err := balance.SplitRatio(params.Outcome.LandlordRatio())
	if err != nil {
		return err
	}

	if !landlordShare.IsZero() {
		if _, err := s.ledger.Append(ctx, tx, escrow.AppendParams{
			Lease:     l,
			Direction: escrow.DirectionPayout,
			Amount:    landlordShare,
			ActorID:   params.ResolvedBy,
			ActorRole: escrow.RoleArbitrator,
		}); err != nil {
			return err
		}
	}
	if !tenantShare.IsZero() {
		if _, err := s.ledger.Append(ctx, tx, escrow.AppendParams{
			Lease:     l,
			Direction: escrow.DirectionRefund,
			Amount:    tenantShare,
			ActorID:   params.ResolvedBy,
			ActorRole: escrow.RoleArbitrator,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Get returns one dispute record.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.repo.Get(ctx, id)
}

// ListByLease returns the dispute history for a lease, oldest first.
func (s *Service) ListByLease(ctx context.Context, leaseID string) ([]Record, error) {
	return s.repo.ListByLease(ctx, leaseID)
}
