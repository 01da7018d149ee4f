package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"leasevault/dispute"
	"leasevault/escrow"
	"leasevault/lease"
	"leasevault/money"
	"leasevault/outbox"
	"leasevault/test/actors"
	"leasevault/test/chaos"
	"leasevault/test/infra"
	"leasevault/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent funders")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func TestLeaseEscrowConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	rand.Seed(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	writer := outbox.NewWriter()
	ledger := escrow.NewLedger()
	leaseRepo := lease.NewRepository(pool)
	gateway := escrow.NewGateway(ledger, writer)
	leaseSvc := lease.NewService(pool, leaseRepo, gateway, writer).WithReleaseGrace(time.Second)
	escrowSvc := escrow.NewService(pool, leaseRepo, ledger, writer)
	disputeSvc := dispute.NewService(pool, dispute.NewRepository(pool), leaseRepo, ledger, writer)
	dispatcher := outbox.NewDispatcher(pool, func(_ context.Context, _ outbox.Message) error {
		// Fail one delivery in ten to exercise the retry accounting.
		if rand.Intn(10) == 0 {
			return errors.New("synthetic delivery failure")
		}
		return nil
	})

	seedData := mustSeed(t, ctx, pool, leaseSvc)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// funders racing each other and the overfunding guard
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			return actors.Funder(ctx2, escrowSvc, seedData.leaseID, seedData.tenantID, "USD", stop)
		})
	}
	// both parties confirming from both sides
	g.Go(func() error { return actors.Confirmer(ctx2, leaseSvc, seedData.leaseID, seedData.tenantID, stop) })
	g.Go(func() error { return actors.Confirmer(ctx2, leaseSvc, seedData.leaseID, seedData.landlordID, stop) })
	// end-of-lease driver
	g.Go(func() error { return actors.Closer(ctx2, leaseSvc, seedData.leaseID, stop) })
	// dispute racers
	g.Go(func() error { return actors.Disputer(ctx2, disputeSvc, seedData.leaseID, seedData.tenantID, stop) })
	g.Go(func() error { return actors.Disputer(ctx2, disputeSvc, seedData.leaseID, seedData.landlordID, stop) })
	g.Go(func() error { return actors.Resolver(ctx2, disputeSvc, seedData.leaseID, seedData.arbitratorID, stop) })
	// outbox worker
	g.Go(func() error { return actors.OutboxWorker(ctx2, dispatcher, stop) })
	// chaos: kill random backends
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	tenantID     string
	landlordID   string
	arbitratorID string
	leaseID      string
}

// mustSeed provisions the three parties directly and a funded-ready lease
// through the real service so every guard applies from the first insert.
func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool, leaseSvc *lease.Service) seedIDs {
	t.Helper()
	var s seedIDs
	insertUser := `INSERT INTO users (email, full_name, role) VALUES ($1, $2, $3) RETURNING id`
	if err := pool.QueryRow(ctx, insertUser, fmt.Sprintf("tenant%d@example.com", rand.Int63()), "Stress Tenant", "tenant").Scan(&s.tenantID); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	if err := pool.QueryRow(ctx, insertUser, fmt.Sprintf("landlord%d@example.com", rand.Int63()), "Stress Landlord", "landlord").Scan(&s.landlordID); err != nil {
		t.Fatalf("seed landlord: %v", err)
	}
	if err := pool.QueryRow(ctx, insertUser, fmt.Sprintf("arb%d@example.com", rand.Int63()), "Stress Arbitrator", "arbitrator").Scan(&s.arbitratorID); err != nil {
		t.Fatalf("seed arbitrator: %v", err)
	}

	// The term is already over so the closing paths are reachable during
	// the run.
	now := time.Now().UTC()
	created, err := leaseSvc.Create(ctx, lease.CreateParams{
		TenantID:    s.tenantID,
		LandlordID:  s.landlordID,
		Property:    "7 Stress Court, Unit 1",
		Deposit:     money.MustParse("1500.00", "USD"),
		MonthlyRent: money.MustParse("750.00", "USD"),
		StartDate:   now.AddDate(-1, 0, 0),
		EndDate:     now.Add(-2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("seed lease: %v", err)
	}
	if _, err := leaseSvc.Submit(ctx, created.ID, s.tenantID); err != nil {
		t.Fatalf("submit lease: %v", err)
	}
	s.leaseID = created.ID
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"leases", `SELECT id, state, version, deposit_amount FROM leases ORDER BY updated_at DESC LIMIT 20`},
		{"escrow_movements", `SELECT lease_id, seq, direction, amount, resulting_balance, created_at FROM escrow_movements ORDER BY created_at DESC LIMIT 50`},
		{"disputes", `SELECT id, lease_id, status, outcome, raised_at, resolved_at FROM disputes ORDER BY raised_at DESC LIMIT 20`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
