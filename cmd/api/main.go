package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leasevault/auth"
	"leasevault/db"
	"leasevault/dispute"
	"leasevault/escrow"
	"leasevault/idempotency"
	"leasevault/lease"
	"leasevault/outbox"
)

func main() {
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	outboxWriter := outbox.NewWriter()
	ledger := escrow.NewLedger()
	leaseRepo := lease.NewRepository(pool)
	gateway := escrow.NewGateway(ledger, outboxWriter)
	leaseSvc := lease.NewService(pool, leaseRepo, gateway, outboxWriter)

	server := &Server{
		authService:    auth.NewService(auth.NewRepository(pool), jwtSecret),
		leaseService:   leaseSvc,
		escrowService:  escrow.NewService(pool, leaseRepo, ledger, outboxWriter),
		disputeService: dispute.NewService(pool, dispute.NewRepository(pool), leaseRepo, ledger, outboxWriter),
		idempotency:    idempotency.NewStore(pool),
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	dispatcher := outbox.NewDispatcher(pool, func(_ context.Context, msg outbox.Message) error {
		// Delivery target is deployment-specific; the default build logs.
		log.Printf("outbox: %s %s", msg.Topic, msg.Payload)
		return nil
	})
	go func() {
		if err := dispatcher.Run(workerCtx, time.Second); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("outbox dispatcher stopped: %v", err)
		}
	}()

	// Sweep ended leases so the automatic close path fires without any
	// party's involvement.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				if n, err := leaseSvc.CloseDue(workerCtx); err != nil {
					log.Printf("close sweep: %v", err)
				} else if n > 0 {
					log.Printf("close sweep: advanced %d leases", n)
				}
			}
		}
	}()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	case <-stop:
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}
