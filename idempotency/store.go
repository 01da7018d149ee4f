// Package idempotency reserves client-supplied request keys and replays the
// originally stored response when the same key and payload are retried.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrDuplicateKey signals the key is already reserved; the caller should
	// look up and replay the stored response.
	ErrDuplicateKey = errors.New("idempotency: duplicate key")
	// ErrPayloadMismatch signals a replayed key arrived with a different
	// request body than the original.
	ErrPayloadMismatch = errors.New("idempotency: payload differs from original request")
	// ErrPending signals the original request reserved the key but has not
	// recorded its response yet.
	ErrPending = errors.New("idempotency: original request still in flight")
)

// Saved is the recorded outcome of the original request.
type Saved struct {
	StatusCode int
	Body       []byte
}

// HashPayload fingerprints a request body for same-payload verification.
func HashPayload(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// defaultPendingTTL is how long a reservation without a recorded response is
// trusted before it is treated as abandoned (the original request crashed
// between reserving and completing) and becomes reclaimable.
const defaultPendingTTL = 5 * time.Minute

type Store struct {
	pool       *pgxpool.Pool
	pendingTTL time.Duration
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, pendingTTL: defaultPendingTTL}
}

// WithPendingTTL overrides how long pending reservations are trusted.
func (s *Store) WithPendingTTL(d time.Duration) *Store {
	s.pendingTTL = d
	return s
}

// Reserve claims the key for this request. A unique violation means the key
// was used before: if the earlier reservation never completed and has gone
// stale, this request takes it over; otherwise ErrDuplicateKey is returned
// and the caller replays the stored response.
func (s *Store) Reserve(ctx context.Context, key, requestHash string) error {
	if key == "" {
		return fmt.Errorf("idempotency: empty key")
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO idempotency (key, request_hash) VALUES ($1, $2)`, key, requestHash)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return fmt.Errorf("idempotency: reserve key: %w", err)
	}

	// Reclaim an abandoned reservation; the status guard keeps completed
	// responses replayable forever.
	tag, err := s.pool.Exec(ctx, `
        UPDATE idempotency
        SET request_hash = $2, created_at = now()
        WHERE key = $1 AND status_code IS NULL
          AND created_at <= now() - make_interval(secs => $3)`,
		key, requestHash, s.pendingTTL.Seconds())
	if err != nil {
		return fmt.Errorf("idempotency: reclaim key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return ErrDuplicateKey
}

// Complete records the response produced by the original request.
func (s *Store) Complete(ctx context.Context, key string, statusCode int, body []byte) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE idempotency SET status_code=$2, response=$3, completed_at=now() WHERE key=$1`,
		key, statusCode, body)
	if err != nil {
		return fmt.Errorf("idempotency: complete key: %w", err)
	}
	return nil
}

// Release forgets a reservation whose request failed before producing a
// durable effect, so the client may retry with the same key.
func (s *Store) Release(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency WHERE key=$1 AND status_code IS NULL`, key); err != nil {
		return fmt.Errorf("idempotency: release key: %w", err)
	}
	return nil
}

// Lookup fetches the stored response for a replayed key, verifying the
// retried payload matches the original.
func (s *Store) Lookup(ctx context.Context, key, requestHash string) (Saved, error) {
	var (
		storedHash string
		statusCode *int
		body       []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT request_hash, status_code, response FROM idempotency WHERE key=$1`, key).
		Scan(&storedHash, &statusCode, &body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Saved{}, fmt.Errorf("idempotency: lookup missing key %q", key)
		}
		return Saved{}, fmt.Errorf("idempotency: lookup key: %w", err)
	}
	if storedHash != requestHash {
		return Saved{}, ErrPayloadMismatch
	}
	if statusCode == nil {
		return Saved{}, ErrPending
	}
	return Saved{StatusCode: *statusCode, Body: body}, nil
}
