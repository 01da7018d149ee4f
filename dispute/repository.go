package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no dispute row exists for the identifier.
	ErrNotFound = errors.New("dispute: not found")
	// ErrAlreadyOpen enforces at most one open dispute per lease.
	ErrAlreadyOpen = errors.New("dispute: already open for lease")
	// ErrAlreadyResolved rejects re-resolution with a different outcome.
	ErrAlreadyResolved = errors.New("dispute: already resolved")
)

// Repository is the data access surface for dispute records.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	GetTx(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	MarkResolved(ctx context.Context, tx pgx.Tx, id string, outcome Outcome, resolvedBy string) (Record, error)
	ListByLease(ctx context.Context, leaseID string) ([]Record, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const disputeColumns = `id, lease_id, raised_by, reason, evidence_refs, status,
       outcome, outcome_ratio::text, resolved_by, raised_at, resolved_at`

// Insert appends a new open dispute. The partial unique index on open
// disputes per lease turns a double-raise into ErrAlreadyOpen.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const query = `
        INSERT INTO disputes (id, lease_id, raised_by, reason, evidence_refs, status)
        VALUES ($1, $2, $3, $4, $5, 'open')
        RETURNING ` + disputeColumns

	row := tx.QueryRow(ctx, query, rec.ID, rec.LeaseID, rec.RaisedBy, rec.Reason, rec.EvidenceRefs)
	created, err := scanRecord(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyOpen
		}
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Record, error) {
	return r.get(ctx, r.pool, id)
}

func (r *PGRepository) GetTx(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	return r.get(ctx, tx, id)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PGRepository) get(ctx context.Context, q rowQuerier, id string) (Record, error) {
	row := q.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: query by id: %w", err)
	}
	return rec, nil
}

// MarkResolved stamps the outcome on a still-open dispute. A concurrent or
// repeated resolution loses the status guard and is rechecked by the caller.
func (r *PGRepository) MarkResolved(ctx context.Context, tx pgx.Tx, id string, outcome Outcome, resolvedBy string) (Record, error) {
	const query = `
        UPDATE disputes
        SET status = 'resolved',
            outcome = $2,
            outcome_ratio = $3::numeric,
            resolved_by = $4,
            resolved_at = now()
        WHERE id = $1 AND status = 'open'
        RETURNING ` + disputeColumns

	var ratio *string
	if outcome.Kind == OutcomeSplit {
		s := outcome.Ratio.String()
		ratio = &s
	}
	row := tx.QueryRow(ctx, query, id, outcome.Kind, ratio, resolvedBy)
	rec, err := scanRecord(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("dispute: mark resolved: %w", err)
	}

	// Either missing or already resolved; let the caller decide on no-op
	// replay semantics.
	existing, gerr := r.get(ctx, tx, id)
	if gerr != nil {
		return Record{}, gerr
	}
	if existing.Status == StatusResolved {
		return existing, ErrAlreadyResolved
	}
	return Record{}, fmt.Errorf("dispute: mark resolved: row vanished for %s", id)
}

func (r *PGRepository) ListByLease(ctx context.Context, leaseID string) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE lease_id = $1 ORDER BY raised_at ASC`, leaseID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec      Record
		kind     *string
		ratioStr *string
	)
	err := row.Scan(
		&rec.ID,
		&rec.LeaseID,
		&rec.RaisedBy,
		&rec.Reason,
		&rec.EvidenceRefs,
		&rec.Status,
		&kind,
		&ratioStr,
		&rec.ResolvedBy,
		&rec.RaisedAt,
		&rec.ResolvedAt,
	)
	if err != nil {
		return Record{}, err
	}
	if kind != nil {
		outcome := Outcome{Kind: OutcomeKind(*kind)}
		if ratioStr != nil {
			ratio, err := decimal.NewFromString(*ratioStr)
			if err != nil {
				return Record{}, fmt.Errorf("dispute: stored ratio: %w", err)
			}
			outcome.Ratio = ratio
		}
		rec.Outcome = &outcome
	}
	return rec, nil
}
