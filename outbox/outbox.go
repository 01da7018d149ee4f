// Package outbox implements the transactional outbox: every committed
// lifecycle change enqueues a row in the same transaction, and a dispatcher
// drains pending rows for downstream delivery.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Topics published by the engine.
const (
	TopicLeaseCreated    = "lease.created"
	TopicLeaseStatus     = "lease.status_changed"
	TopicEscrowMovement  = "escrow.movement"
	TopicDisputeRaised   = "dispute.raised"
	TopicDisputeResolved = "dispute.resolved"
)

// Message mirrors an outbox row.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// Writer enqueues messages inside the caller's transaction.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Enqueue appends one pending message. It participates in the surrounding
// transaction so the message exists iff the business write committed.
func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// Handler consumes one dispatched message.
type Handler func(ctx context.Context, msg Message) error

// Dispatcher drains pending messages one at a time, skipping rows other
// workers hold locked.
type Dispatcher struct {
	pool    *pgxpool.Pool
	handler Handler
}

func NewDispatcher(pool *pgxpool.Pool, handler Handler) *Dispatcher {
	return &Dispatcher{pool: pool, handler: handler}
}

// DispatchOne claims and processes a single pending message. It returns
// pgx.ErrNoRows when the queue is empty.
func (d *Dispatcher) DispatchOne(ctx context.Context) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("outbox: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const claim = `
        SELECT id, topic, payload, status, attempts, created_at
        FROM outbox
        WHERE status = 'pending'
        ORDER BY created_at ASC
        LIMIT 1
        FOR UPDATE SKIP LOCKED`

	var msg Message
	if err := tx.QueryRow(ctx, claim).Scan(&msg.ID, &msg.Topic, &msg.Payload, &msg.Status, &msg.Attempts, &msg.CreatedAt); err != nil {
		return err
	}

	next := "processed"
	if d.handler != nil {
		if err := d.handler(ctx, msg); err != nil {
			next = "pending"
			if msg.Attempts+1 >= 5 {
				next = "dead"
			}
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE outbox SET status=$2, attempts=attempts+1 WHERE id=$1`, msg.ID, next); err != nil {
		return fmt.Errorf("outbox: mark %s: %w", next, err)
	}
	return tx.Commit(ctx)
}

// Run drains the queue until ctx is cancelled, idling between empty polls.
func (d *Dispatcher) Run(ctx context.Context, idle time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		err := d.DispatchOne(ctx)
		if err == nil {
			continue
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idle):
		}
	}
}
