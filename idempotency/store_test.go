package idempotency

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestReserve_StalePendingReclaimed exercises crash recovery against a real
// PostgreSQL via DATABASE_URL: a reservation abandoned before Complete stops
// blocking the key once its pending window lapses, while a completed key
// stays reserved forever.
func TestReserve_StalePendingReclaimed(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'idempotency')`).Scan(&exists); err != nil || !exists {
		t.Skip("database schema missing; apply migrations/0001_init.sql first")
	}

	key := fmt.Sprintf("stale-reclaim-%d", time.Now().UnixNano())
	hash := HashPayload([]byte("POST /api/leases/l1/fund\n{}"))

	store := NewStore(pool)
	if err := store.Reserve(ctx, key, hash); err != nil {
		t.Fatalf("initial reserve: %v", err)
	}

	// within the pending window the key is held for the in-flight request
	if err := store.Reserve(ctx, key, hash); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey while pending, got %v", err)
	}
	if _, err := store.Lookup(ctx, key, hash); !errors.Is(err, ErrPending) {
		t.Fatalf("expected ErrPending, got %v", err)
	}

	// a zero TTL makes the abandoned reservation immediately reclaimable
	eager := NewStore(pool).WithPendingTTL(0)
	if err := eager.Reserve(ctx, key, hash); err != nil {
		t.Fatalf("reclaim abandoned reservation: %v", err)
	}

	body := []byte(`{"ok":true}`)
	if err := eager.Complete(ctx, key, 200, body); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// completed keys are never reclaimed, whatever the TTL
	if err := eager.Reserve(ctx, key, hash); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey after completion, got %v", err)
	}
	saved, err := eager.Lookup(ctx, key, hash)
	if err != nil {
		t.Fatalf("lookup completed key: %v", err)
	}
	if saved.StatusCode != 200 || string(saved.Body) != string(body) {
		t.Fatalf("unexpected stored response: %d %s", saved.StatusCode, saved.Body)
	}
}
