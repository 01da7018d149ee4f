package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"leasevault/lease"
	"leasevault/money"
)

var (
	// ErrUnauthorizedActor rejects ledger operations by actors the lease and
	// role do not entitle to them.
	ErrUnauthorizedActor = errors.New("escrow: actor not authorized for movement")
	// ErrOverfunded rejects deposits that would push the balance above the
	// lease's declared deposit.
	ErrOverfunded = errors.New("escrow: deposit exceeds declared amount")
	// ErrInsufficientBalance rejects refunds/payouts larger than the balance.
	ErrInsufficientBalance = errors.New("escrow: insufficient balance")
	// ErrZeroAmount rejects movements that would not change the balance.
	ErrZeroAmount = errors.New("escrow: zero-amount movement")
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting balance
// reads run standalone or inside a compound transaction.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// AppendParams describe one prospective movement against a lease's account.
type AppendParams struct {
	Lease     lease.Lease
	Direction Direction
	Amount    money.Money
	ActorID   string
	ActorRole Role
}

// Ledger appends to and reads the per-lease movement log. It is stateless;
// all mutating calls run inside the caller's transaction so a movement and
// the lease-state write it belongs to commit or roll back together.
type Ledger struct {
	idGen func() string
}

func NewLedger() *Ledger {
	return &Ledger{idGen: func() string { return uuid.NewString() }}
}

// WithIDGenerator overrides movement id generation, for tests.
func (l *Ledger) WithIDGenerator(gen func() string) *Ledger {
	l.idGen = gen
	return l
}

// Balance returns the signed sum of the movement log for the lease. It is
// always consistent with the log because it is computed from it.
func (l *Ledger) Balance(ctx context.Context, q Querier, leaseID, currency string) (money.Money, error) {
	const query = `
        SELECT COALESCE(SUM(CASE WHEN direction = 'deposit' THEN amount ELSE -amount END), 0)::text
        FROM escrow_movements
        WHERE lease_id = $1`

	var sum string
	if err := q.QueryRow(ctx, query, leaseID).Scan(&sum); err != nil {
		return money.Money{}, fmt.Errorf("escrow: balance: %w", err)
	}
	bal, err := money.Parse(sum, currency)
	if err != nil {
		return money.Money{}, fmt.Errorf("escrow: balance parse: %w", err)
	}
	return bal, nil
}

// Movements returns the ordered movement log for a lease.
func (l *Ledger) Movements(ctx context.Context, q Querier, leaseID, currency string) ([]Movement, error) {
	const query = `
        SELECT id, lease_id, seq, direction, amount::text, actor_id, resulting_balance::text, created_at
        FROM escrow_movements
        WHERE lease_id = $1
        ORDER BY seq ASC`

	rows, err := q.Query(ctx, query, leaseID)
	if err != nil {
		return nil, fmt.Errorf("escrow: movements: %w", err)
	}
	defer rows.Close()

	out := make([]Movement, 0, 8)
	for rows.Next() {
		var (
			m          Movement
			amountStr  string
			balanceStr string
		)
		if err := rows.Scan(&m.ID, &m.LeaseID, &m.Seq, &m.Direction, &amountStr, &m.ActorID, &balanceStr, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan movement: %w", err)
		}
		if m.Amount, err = money.Parse(amountStr, currency); err != nil {
			return nil, fmt.Errorf("escrow: stored amount: %w", err)
		}
		if m.ResultingBalance, err = money.Parse(balanceStr, currency); err != nil {
			return nil, fmt.Errorf("escrow: stored balance: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate movements: %w", err)
	}
	return out, nil
}

// Append validates authorization and balance invariants, then writes one
// movement inside tx. The caller is responsible for pairing the append with
// a version-guarded lease update in the same transaction; a concurrent
// append surfaces as lease.ErrVersionConflict so the compound operation
// retries as a unit.
func (l *Ledger) Append(ctx context.Context, tx pgx.Tx, params AppendParams) (Movement, error) {
	if params.Amount.IsZero() {
		return Movement{}, ErrZeroAmount
	}
	if params.Amount.Currency() != params.Lease.Deposit.Currency() {
		return Movement{}, money.ErrCurrencyMismatch
	}

	balance, err := l.Balance(ctx, tx, params.Lease.ID, params.Lease.Deposit.Currency())
	if err != nil {
		return Movement{}, err
	}

	if err := authorize(params, balance); err != nil {
		return Movement{}, err
	}

	var next money.Money
	switch params.Direction {
	case DirectionDeposit:
		if next, err = balance.Add(params.Amount); err != nil {
			return Movement{}, err
		}
		if cmp, cerr := next.Cmp(params.Lease.Deposit); cerr != nil {
			return Movement{}, cerr
		} else if cmp > 0 {
			return Movement{}, ErrOverfunded
		}
	case DirectionRefund, DirectionPayout:
		if next, err = balance.Sub(params.Amount); err != nil {
			if errors.Is(err, money.ErrNegativeAmount) {
				return Movement{}, ErrInsufficientBalance
			}
			return Movement{}, err
		}
	default:
		return Movement{}, fmt.Errorf("escrow: unknown direction %q", params.Direction)
	}

	const insert = `
        INSERT INTO escrow_movements (id, lease_id, seq, direction, amount, actor_id, resulting_balance)
        SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4::numeric, $5, $6::numeric
        FROM escrow_movements
        WHERE lease_id = $2
        RETURNING id, seq, created_at`

	m := Movement{
		ID:               l.idGen(),
		LeaseID:          params.Lease.ID,
		Direction:        params.Direction,
		Amount:           params.Amount,
		ActorID:          params.ActorID,
		ResultingBalance: next,
	}
	err = tx.QueryRow(ctx, insert,
		m.ID,
		m.LeaseID,
		m.Direction,
		params.Amount.Amount().String(),
		m.ActorID,
		next.Amount().String(),
	).Scan(&m.ID, &m.Seq, &m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Lost a seq race against a concurrent append on the same lease.
			return Movement{}, lease.ErrVersionConflict
		}
		return Movement{}, fmt.Errorf("escrow: append movement: %w", err)
	}
	return m, nil
}

func authorize(params AppendParams, balance money.Money) error {
	switch params.Direction {
	case DirectionDeposit:
		if params.ActorID != params.Lease.TenantID {
			return ErrUnauthorizedActor
		}
	case DirectionPayout:
		if params.ActorRole != RoleArbitrator && params.ActorRole != RoleSystem {
			return ErrUnauthorizedActor
		}
	case DirectionRefund:
		if params.ActorRole == RoleArbitrator || params.ActorRole == RoleSystem {
			return nil
		}
		// A landlord may release the deposit back to the tenant in full,
		// uncontested. Anything partial requires arbitration.
		if params.ActorID == params.Lease.LandlordID && params.Amount.Equal(balance) {
			return nil
		}
		return ErrUnauthorizedActor
	}
	return nil
}
