package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"leasevault/money"
)

var (
	// ErrNotFound is returned when no lease row exists for the identifier.
	ErrNotFound = errors.New("lease: not found")
	// ErrInvalidTerms rejects creation requests with impossible terms.
	ErrInvalidTerms = errors.New("lease: invalid terms")
	// ErrVersionConflict signals a stale optimistic version; the caller must
	// re-read and retry.
	ErrVersionConflict = errors.New("lease: version conflict")
)

// UpdateParams describe one version-guarded mutation. NextState is always
// set (it may equal the current state when only a confirmation is recorded);
// the Set* flags stamp the matching confirmation column if not already set.
type UpdateParams struct {
	ID              string
	ExpectedVersion int64
	NextState       State

	SetMoveInTenant    bool
	SetMoveInLandlord  bool
	SetReleaseTenant   bool
	SetReleaseLandlord bool
}

// Repository is the data access surface for leases. The sole mutation path
// is UpdateState's conditional write, which rejects stale writers instead
// of locking.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, l Lease) (Lease, error)
	Get(ctx context.Context, id string) (Lease, error)
	GetTx(ctx context.Context, tx pgx.Tx, id string) (Lease, error)
	UpdateState(ctx context.Context, tx pgx.Tx, params UpdateParams) (Lease, error)
	List(ctx context.Context, filters Filters) ([]Lease, int, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const leaseColumns = `id, tenant_id, landlord_id, property,
       deposit_amount::text, rent_amount::text, currency,
       start_date, end_date, state, version,
       move_in_tenant_at, move_in_landlord_at, release_tenant_at, release_landlord_at,
       created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, l Lease) (Lease, error) {
	const query = `
        INSERT INTO leases (id, tenant_id, landlord_id, property, deposit_amount, rent_amount,
            currency, start_date, end_date, state, version)
        VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, 1)
        RETURNING ` + leaseColumns

	row := tx.QueryRow(ctx, query,
		l.ID,
		l.TenantID,
		l.LandlordID,
		l.Property,
		l.Deposit.Amount().String(),
		l.MonthlyRent.Amount().String(),
		l.Deposit.Currency(),
		l.StartDate,
		l.EndDate,
		l.State,
	)
	created, err := scanLease(row)
	if err != nil {
		return Lease{}, fmt.Errorf("lease: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Lease, error) {
	return r.get(ctx, r.pool, id)
}

// GetTx reads a lease inside the caller's transaction. No row lock is
// taken; concurrency is handled by the version check in UpdateState.
func (r *PGRepository) GetTx(ctx context.Context, tx pgx.Tx, id string) (Lease, error) {
	return r.get(ctx, tx, id)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PGRepository) get(ctx context.Context, q rowQuerier, id string) (Lease, error) {
	row := q.QueryRow(ctx, `SELECT `+leaseColumns+` FROM leases WHERE id = $1`, id)
	l, err := scanLease(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lease{}, ErrNotFound
		}
		return Lease{}, fmt.Errorf("lease: query by id: %w", err)
	}
	return l, nil
}

func (r *PGRepository) UpdateState(ctx context.Context, tx pgx.Tx, params UpdateParams) (Lease, error) {
	const query = `
        UPDATE leases
        SET state = $3,
            move_in_tenant_at    = CASE WHEN $4 THEN COALESCE(move_in_tenant_at, now())    ELSE move_in_tenant_at END,
            move_in_landlord_at  = CASE WHEN $5 THEN COALESCE(move_in_landlord_at, now())  ELSE move_in_landlord_at END,
            release_tenant_at    = CASE WHEN $6 THEN COALESCE(release_tenant_at, now())    ELSE release_tenant_at END,
            release_landlord_at  = CASE WHEN $7 THEN COALESCE(release_landlord_at, now())  ELSE release_landlord_at END,
            version = version + 1,
            updated_at = now()
        WHERE id = $1 AND version = $2
        RETURNING ` + leaseColumns

	row := tx.QueryRow(ctx, query,
		params.ID,
		params.ExpectedVersion,
		params.NextState,
		params.SetMoveInTenant,
		params.SetMoveInLandlord,
		params.SetReleaseTenant,
		params.SetReleaseLandlord,
	)
	updated, err := scanLease(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Lease{}, fmt.Errorf("lease: update state: %w", err)
	}

	// Distinguish a missing lease from a stale version.
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM leases WHERE id = $1)`, params.ID).Scan(&exists); err != nil {
		return Lease{}, fmt.Errorf("lease: update state recheck: %w", err)
	}
	if !exists {
		return Lease{}, ErrNotFound
	}
	return Lease{}, ErrVersionConflict
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Lease, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}

	if filters.TenantID != "" {
		where = append(where, fmt.Sprintf("tenant_id=$%d", len(args)+1))
		args = append(args, filters.TenantID)
	}
	if filters.LandlordID != "" {
		where = append(where, fmt.Sprintf("landlord_id=$%d", len(args)+1))
		args = append(args, filters.LandlordID)
	}
	if filters.State != "" {
		where = append(where, fmt.Sprintf("state=$%d", len(args)+1))
		args = append(args, filters.State)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	query := fmt.Sprintf(`SELECT `+leaseColumns+` FROM leases%s ORDER BY created_at ASC, id ASC LIMIT $%d OFFSET $%d`,
		whereClause, len(args)+1, len(args)+2)
	listArgs := append(args, filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := r.pool.Query(ctx, query, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("lease: list: %w", err)
	}
	defer rows.Close()

	leases := make([]Lease, 0, filters.PageSize)
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("lease: scan: %w", err)
		}
		leases = append(leases, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("lease: iterate: %w", err)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM leases" + whereClause
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("lease: count: %w", err)
	}

	return leases, total, nil
}

func scanLease(row pgx.Row) (Lease, error) {
	var (
		l                  Lease
		depositStr, rentStr string
		currency            string
	)
	err := row.Scan(
		&l.ID,
		&l.TenantID,
		&l.LandlordID,
		&l.Property,
		&depositStr,
		&rentStr,
		&currency,
		&l.StartDate,
		&l.EndDate,
		&l.State,
		&l.Version,
		&l.MoveInTenantAt,
		&l.MoveInLandlordAt,
		&l.ReleaseTenantAt,
		&l.ReleaseLandlordAt,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return Lease{}, err
	}
	if l.Deposit, err = money.Parse(depositStr, currency); err != nil {
		return Lease{}, fmt.Errorf("lease: stored deposit: %w", err)
	}
	if l.MonthlyRent, err = money.Parse(rentStr, currency); err != nil {
		return Lease{}, fmt.Errorf("lease: stored rent: %w", err)
	}
	return l, nil
}
