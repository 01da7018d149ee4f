package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"leasevault/money"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

var (
	// ErrBusy is surfaced when an operation keeps losing the optimistic
	// version race after bounded retries.
	ErrBusy = errors.New("lease: busy, retry with fresh state")
	// ErrNotParty rejects lifecycle calls by actors who are neither the
	// tenant nor the landlord of the lease.
	ErrNotParty = errors.New("lease: actor is not a party to the lease")
	// ErrFundsHeld blocks cancellation while the escrow account holds money.
	ErrFundsHeld = errors.New("lease: funds held in escrow")
	// ErrNotEnded rejects an end-of-lease event before the end date.
	ErrNotEnded = errors.New("lease: end date not reached")
)

const (
	retryAttempts = 3
	retryBaseWait = 25 * time.Millisecond
)

// RetryOnConflict runs fn up to three times, backing off between attempts
// that fail with ErrVersionConflict. Exhausted retries surface as ErrBusy.
// Any other error, and context cancellation, abort immediately.
func RetryOnConflict(ctx context.Context, fn func() error) error {
	wait := retryBaseWait
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, ErrVersionConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return ErrBusy
}

// EscrowGateway is the slice of the escrow ledger the lifecycle service
// needs: balance checks for guards and the closing release of held funds.
type EscrowGateway interface {
	BalanceTx(ctx context.Context, tx pgx.Tx, l Lease) (money.Money, error)
	// ReleaseAll refunds the full current balance to the tenant inside tx.
	// arbitral marks engine-driven releases (automatic close); otherwise the
	// movement is recorded under the landlord's authority.
	ReleaseAll(ctx context.Context, tx pgx.Tx, l Lease, arbitral bool) (money.Money, error)
}

// OutboxWriter appends a delivery message inside the operation's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service drives the lease lifecycle. Every mutating operation is one
// transaction: read current state, check guards, apply the version-guarded
// update together with any escrow movement and outbox row.
type Service struct {
	pool   TxBeginner
	repo   Repository
	escrow EscrowGateway
	outbox OutboxWriter
	idGen  func() string
	now    func() time.Time

	// releaseGrace is how long after the end date an unconfirmed,
	// undisputed close waits before the engine releases automatically.
	releaseGrace time.Duration
}

func NewService(pool TxBeginner, repo Repository, escrow EscrowGateway, outbox OutboxWriter) *Service {
	return &Service{
		pool:         pool,
		repo:         repo,
		escrow:       escrow,
		outbox:       outbox,
		idGen:        func() string { return uuid.NewString() },
		now:          time.Now,
		releaseGrace: 14 * 24 * time.Hour,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithReleaseGrace(d time.Duration) *Service {
	s.releaseGrace = d
	return s
}

// CreateParams carry the terms of a new lease.
type CreateParams struct {
	TenantID    string
	LandlordID  string
	Property    string
	Deposit     money.Money
	MonthlyRent money.Money
	StartDate   time.Time
	EndDate     time.Time
}

func (p CreateParams) validate() error {
	if p.TenantID == "" || p.LandlordID == "" {
		return fmt.Errorf("%w: tenant and landlord required", ErrInvalidTerms)
	}
	if p.TenantID == p.LandlordID {
		return fmt.Errorf("%w: tenant and landlord must differ", ErrInvalidTerms)
	}
	if !p.EndDate.After(p.StartDate) {
		return fmt.Errorf("%w: end date must be after start date", ErrInvalidTerms)
	}
	if p.Deposit.Currency() != p.MonthlyRent.Currency() {
		return fmt.Errorf("%w: deposit and rent currencies differ", ErrInvalidTerms)
	}
	return nil
}

// Create persists a new lease in Draft. The repository issues the identity;
// callers never supply one.
func (s *Service) Create(ctx context.Context, params CreateParams) (Lease, error) {
	if err := params.validate(); err != nil {
		return Lease{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Lease{}, fmt.Errorf("lease: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l := Lease{
		ID: s.idGen(),
		Terms: Terms{
			TenantID:    params.TenantID,
			LandlordID:  params.LandlordID,
			Property:    params.Property,
			Deposit:     params.Deposit,
			MonthlyRent: params.MonthlyRent,
			StartDate:   params.StartDate,
			EndDate:     params.EndDate,
		},
		State: StateDraft,
	}

	created, err := s.repo.Create(ctx, tx, l)
	if err != nil {
		return Lease{}, err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"lease_id": created.ID,
			"tenant":   created.TenantID,
			"landlord": created.LandlordID,
			"deposit":  created.Deposit.String(),
		}
		if err := s.outbox.Enqueue(ctx, tx, "lease.created", payload); err != nil {
			return Lease{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Lease{}, fmt.Errorf("lease: commit: %w", err)
	}
	return created, nil
}

// Get returns the lease snapshot.
func (s *Service) Get(ctx context.Context, id string) (Lease, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of lease snapshots ordered by creation time.
func (s *Service) List(ctx context.Context, filters Filters) ([]Lease, int, error) {
	return s.repo.List(ctx, filters)
}

// Submit moves a Draft lease to PendingFunding. Leases declaring a zero
// deposit have nothing to fund and pass straight on to PendingMoveIn.
func (s *Service) Submit(ctx context.Context, id, actorID string) (Lease, error) {
	var out Lease
	err := RetryOnConflict(ctx, func() error {
		return s.transact(ctx, func(tx pgx.Tx) error {
			l, err := s.repo.GetTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if _, ok := l.PartyOf(actorID); !ok {
				return ErrNotParty
			}
			next, err := Next(l.State, EventSubmit)
			if err != nil {
				return err
			}
			version := l.Version
			if l.Deposit.IsZero() {
				// balance (0) already equals the declared deposit
				if next, err = Next(next, EventDepositReceived); err != nil {
					return err
				}
			}
			updated, err := s.repo.UpdateState(ctx, tx, UpdateParams{
				ID:              id,
				ExpectedVersion: version,
				NextState:       next,
			})
			if err != nil {
				return err
			}
			out = updated
			return s.enqueueStatus(ctx, tx, l.State, updated, actorID)
		})
	})
	return out, err
}

// Cancel terminates a PendingFunding lease. Either party may cancel, but
// only while the escrow account holds nothing.
func (s *Service) Cancel(ctx context.Context, id, actorID string) (Lease, error) {
	var out Lease
	err := RetryOnConflict(ctx, func() error {
		return s.transact(ctx, func(tx pgx.Tx) error {
			l, err := s.repo.GetTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if _, ok := l.PartyOf(actorID); !ok {
				return ErrNotParty
			}
			next, err := Next(l.State, EventCancel)
			if err != nil {
				return err
			}
			balance, err := s.escrow.BalanceTx(ctx, tx, l)
			if err != nil {
				return err
			}
			if !balance.IsZero() {
				return ErrFundsHeld
			}
			updated, err := s.repo.UpdateState(ctx, tx, UpdateParams{
				ID:              id,
				ExpectedVersion: l.Version,
				NextState:       next,
			})
			if err != nil {
				return err
			}
			out = updated
			return s.enqueueStatus(ctx, tx, l.State, updated, actorID)
		})
	})
	return out, err
}

// ConfirmMoveIn records one party's move-in confirmation. The lease becomes
// Active once both parties have confirmed.
func (s *Service) ConfirmMoveIn(ctx context.Context, id, actorID string) (Lease, error) {
	var out Lease
	err := RetryOnConflict(ctx, func() error {
		return s.transact(ctx, func(tx pgx.Tx) error {
			l, err := s.repo.GetTx(ctx, tx, id)
			if err != nil {
				return err
			}
			party, ok := l.PartyOf(actorID)
			if !ok {
				return ErrNotParty
			}
			if !CanTransition(l.State, EventMoveInConfirmed) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.State, EventMoveInConfirmed)
			}

			params := UpdateParams{
				ID:                id,
				ExpectedVersion:   l.Version,
				NextState:         l.State,
				SetMoveInTenant:   party == PartyTenant,
				SetMoveInLandlord: party == PartyLandlord,
			}
			other := PartyLandlord
			if party == PartyLandlord {
				other = PartyTenant
			}
			if l.MoveInConfirmedBy(other) {
				if params.NextState, err = Next(l.State, EventMoveInConfirmed); err != nil {
					return err
				}
			}

			updated, err := s.repo.UpdateState(ctx, tx, params)
			if err != nil {
				return err
			}
			out = updated
			return s.enqueueStatus(ctx, tx, l.State, updated, actorID)
		})
	})
	return out, err
}

// ConfirmRelease records one party's agreement to close out the lease and
// return the deposit. Once both parties agree the lease closes and the full
// balance is refunded to the tenant in the same transaction.
func (s *Service) ConfirmRelease(ctx context.Context, id, actorID string) (Lease, error) {
	var out Lease
	err := RetryOnConflict(ctx, func() error {
		return s.transact(ctx, func(tx pgx.Tx) error {
			l, err := s.repo.GetTx(ctx, tx, id)
			if err != nil {
				return err
			}
			party, ok := l.PartyOf(actorID)
			if !ok {
				return ErrNotParty
			}
			if !CanTransition(l.State, EventReleaseConfirmed) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.State, EventReleaseConfirmed)
			}

			params := UpdateParams{
				ID:                 id,
				ExpectedVersion:    l.Version,
				NextState:          l.State,
				SetReleaseTenant:   party == PartyTenant,
				SetReleaseLandlord: party == PartyLandlord,
			}
			other := PartyLandlord
			if party == PartyLandlord {
				other = PartyTenant
			}
			closing := l.ReleaseConfirmedBy(other)
			if closing {
				if params.NextState, err = Next(l.State, EventReleaseConfirmed); err != nil {
					return err
				}
			}

			updated, err := s.repo.UpdateState(ctx, tx, params)
			if err != nil {
				return err
			}
			if closing {
				if _, err := s.escrow.ReleaseAll(ctx, tx, l, false); err != nil {
					return err
				}
			}
			out = updated
			return s.enqueueStatus(ctx, tx, l.State, updated, actorID)
		})
	})
	return out, err
}

// MarkEnded applies the end-of-term event once the lease's end date has
// passed, parking it in PendingClose to await release confirmations.
func (s *Service) MarkEnded(ctx context.Context, id string) (Lease, error) {
	var out Lease
	err := RetryOnConflict(ctx, func() error {
		return s.transact(ctx, func(tx pgx.Tx) error {
			l, err := s.repo.GetTx(ctx, tx, id)
			if err != nil {
				return err
			}
			next, err := Next(l.State, EventLeaseEndReached)
			if err != nil {
				return err
			}
			if s.now().Before(l.EndDate) {
				return ErrNotEnded
			}
			updated, err := s.repo.UpdateState(ctx, tx, UpdateParams{
				ID:              id,
				ExpectedVersion: l.Version,
				NextState:       next,
			})
			if err != nil {
				return err
			}
			out = updated
			return s.enqueueStatus(ctx, tx, l.State, updated, "")
		})
	})
	return out, err
}

// AutoRelease closes a PendingClose lease whose grace period has elapsed
// without confirmations or a dispute, refunding the full balance.
func (s *Service) AutoRelease(ctx context.Context, id string) (Lease, error) {
	var out Lease
	err := RetryOnConflict(ctx, func() error {
		return s.transact(ctx, func(tx pgx.Tx) error {
			l, err := s.repo.GetTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if l.State != StatePendingClose {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.State, EventReleaseConfirmed)
			}
			if s.now().Before(l.EndDate.Add(s.releaseGrace)) {
				return ErrNotEnded
			}
			next, err := Next(l.State, EventReleaseConfirmed)
			if err != nil {
				return err
			}
			updated, err := s.repo.UpdateState(ctx, tx, UpdateParams{
				ID:              id,
				ExpectedVersion: l.Version,
				NextState:       next,
			})
			if err != nil {
				return err
			}
			if _, err := s.escrow.ReleaseAll(ctx, tx, l, true); err != nil {
				return err
			}
			out = updated
			return s.enqueueStatus(ctx, tx, l.State, updated, "")
		})
	})
	return out, err
}

// CloseDue advances every lease the clock has caught up with: active leases
// past their end date move to PendingClose, and pending-close leases past the
// grace window release automatically. Leases another writer got to first, or
// that are not due yet, are skipped. Returns how many leases advanced.
func (s *Service) CloseDue(ctx context.Context) (int, error) {
	advanced := 0

	active, _, err := s.repo.List(ctx, Filters{State: StateActive, PageSize: 100})
	if err != nil {
		return advanced, err
	}
	for _, l := range active {
		if s.now().Before(l.EndDate) {
			continue
		}
		if _, err := s.MarkEnded(ctx, l.ID); err != nil {
			if sweepSkip(err) {
				continue
			}
			return advanced, err
		}
		advanced++
	}

	pending, _, err := s.repo.List(ctx, Filters{State: StatePendingClose, PageSize: 100})
	if err != nil {
		return advanced, err
	}
	for _, l := range pending {
		if _, err := s.AutoRelease(ctx, l.ID); err != nil {
			if sweepSkip(err) {
				continue
			}
			return advanced, err
		}
		advanced++
	}
	return advanced, nil
}

// sweepSkip reports errors the sweeper tolerates: the lease is not due,
// changed under it, or is gone.
func sweepSkip(err error) bool {
	return errors.Is(err, ErrNotEnded) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrBusy) ||
		errors.Is(err, ErrNotFound)
}

func (s *Service) transact(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("lease: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("lease: commit: %w", err)
	}
	return nil
}

func (s *Service) enqueueStatus(ctx context.Context, tx pgx.Tx, previous State, updated Lease, actorID string) error {
	if s.outbox == nil {
		return nil
	}
	payload := map[string]any{
		"lease_id": updated.ID,
		"previous": previous,
		"next":     updated.State,
		"version":  updated.Version,
	}
	if actorID != "" {
		payload["actor_id"] = actorID
	}
	return s.outbox.Enqueue(ctx, tx, "lease.status_changed", payload)
}
