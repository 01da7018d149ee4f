package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"leasevault/lease"
	"leasevault/money"
)

// DB is the slice of pgxpool.Pool the funding service needs: transactions
// for writes, plain queries for reads.
type DB interface {
	lease.TxBeginner
	Querier
}

// ErrNotFundable rejects deposits against a lease that is not awaiting
// funding.
var ErrNotFundable = errors.New("escrow: lease not accepting deposits")

// OutboxWriter appends a delivery message inside the operation's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// FundResult is the outcome of a deposit: the lease snapshot after the
// operation and the escrow balance it produced.
type FundResult struct {
	Lease    lease.Lease
	Movement Movement
	Balance  money.Money
}

// Service accepts tenant deposits and applies the funding-complete
// transition when the declared deposit is reached. The movement append and
// the lease update share one transaction.
type Service struct {
	pool   DB
	leases lease.Repository
	ledger *Ledger
	outbox OutboxWriter
}

func NewService(pool DB, leases lease.Repository, ledger *Ledger, outbox OutboxWriter) *Service {
	if ledger == nil {
		ledger = NewLedger()
	}
	return &Service{pool: pool, leases: leases, ledger: ledger, outbox: outbox}
}

// Fund credits the escrow account for a PendingFunding lease. Reaching the
// declared deposit fires depositReceived in the same transaction; funding
// less leaves the state untouched (the version still advances, keeping the
// movement and the optimistic token in lockstep).
func (s *Service) Fund(ctx context.Context, leaseID string, amount money.Money, actorID string) (FundResult, error) {
	var out FundResult
	err := lease.RetryOnConflict(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("escrow: begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		l, err := s.leases.GetTx(ctx, tx, leaseID)
		if err != nil {
			return err
		}
		if !lease.CanTransition(l.State, lease.EventDepositReceived) {
			return ErrNotFundable
		}

		movement, err := s.ledger.Append(ctx, tx, AppendParams{
			Lease:     l,
			Direction: DirectionDeposit,
			Amount:    amount,
			ActorID:   actorID,
			ActorRole: RoleTenant,
		})
		if err != nil {
			return err
		}

		next := l.State
		if movement.ResultingBalance.Equal(l.Deposit) {
			if next, err = lease.Next(l.State, lease.EventDepositReceived); err != nil {
				return err
			}
		}

		updated, err := s.leases.UpdateState(ctx, tx, lease.UpdateParams{
			ID:              leaseID,
			ExpectedVersion: l.Version,
			NextState:       next,
		})
		if err != nil {
			return err
		}

		if s.outbox != nil {
			payload := map[string]any{
				"lease_id":  leaseID,
				"movement":  movement.ID,
				"direction": string(DirectionDeposit),
				"amount":    amount.String(),
				"balance":   movement.ResultingBalance.String(),
			}
			if err := s.outbox.Enqueue(ctx, tx, "escrow.movement", payload); err != nil {
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("escrow: commit: %w", err)
		}
		out = FundResult{Lease: updated, Movement: movement, Balance: movement.ResultingBalance}
		return nil
	})
	return out, err
}

// Balance reads the current escrow balance for a lease.
func (s *Service) Balance(ctx context.Context, leaseID string) (money.Money, error) {
	l, err := s.leases.Get(ctx, leaseID)
	if err != nil {
		return money.Money{}, err
	}
	return s.ledger.Balance(ctx, s.pool, l.ID, l.Deposit.Currency())
}

// History returns the ordered movement log for a lease.
func (s *Service) History(ctx context.Context, leaseID string) ([]Movement, error) {
	l, err := s.leases.Get(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	return s.ledger.Movements(ctx, s.pool, l.ID, l.Deposit.Currency())
}

// Gateway adapts the ledger to the narrow surface the lease lifecycle
// service depends on.
type Gateway struct {
	ledger *Ledger
	outbox OutboxWriter
}

func NewGateway(ledger *Ledger, outbox OutboxWriter) *Gateway {
	if ledger == nil {
		ledger = NewLedger()
	}
	return &Gateway{ledger: ledger, outbox: outbox}
}

func (g *Gateway) BalanceTx(ctx context.Context, tx pgx.Tx, l lease.Lease) (money.Money, error) {
	return g.ledger.Balance(ctx, tx, l.ID, l.Deposit.Currency())
}

// ReleaseAll refunds the entire current balance to the tenant inside tx.
// Closing an empty account appends nothing.
func (g *Gateway) ReleaseAll(ctx context.Context, tx pgx.Tx, l lease.Lease, arbitral bool) (money.Money, error) {
	balance, err := g.ledger.Balance(ctx, tx, l.ID, l.Deposit.Currency())
	if err != nil {
		return money.Money{}, err
	}
	if balance.IsZero() {
		return balance, nil
	}

	params := AppendParams{
		Lease:     l,
		Direction: DirectionRefund,
		Amount:    balance,
		ActorID:   l.LandlordID,
		ActorRole: RoleLandlord,
	}
	if arbitral {
		params.ActorID = "system"
		params.ActorRole = RoleSystem
	}
	movement, err := g.ledger.Append(ctx, tx, params)
	if err != nil {
		return money.Money{}, err
	}

	if g.outbox != nil {
		payload := map[string]any{
			"lease_id":  l.ID,
			"movement":  movement.ID,
			"direction": string(DirectionRefund),
			"amount":    balance.String(),
			"balance":   movement.ResultingBalance.String(),
		}
		if err := g.outbox.Enqueue(ctx, tx, "escrow.movement", payload); err != nil {
			return money.Money{}, err
		}
	}
	return balance, nil
}
