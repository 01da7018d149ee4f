// Package oracles holds the SQL invariants the stress run checks while the
// actors are hammering the database. A row returned by any oracle is a
// correctness failure.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_running_balance_matches_sum",
			SQL: `WITH running AS (
                      SELECT lease_id, seq, resulting_balance,
                             SUM(CASE WHEN direction = 'deposit' THEN amount ELSE -amount END)
                                 OVER (PARTITION BY lease_id ORDER BY seq) AS computed
                      FROM escrow_movements)
                  SELECT * FROM running WHERE resulting_balance <> computed`,
		},
		{
			Name: "O2_balance_within_bounds",
			SQL: `WITH running AS (
                      SELECT lease_id,
                             SUM(CASE WHEN direction = 'deposit' THEN amount ELSE -amount END)
                                 OVER (PARTITION BY lease_id ORDER BY seq) AS computed
                      FROM escrow_movements)
                  SELECT r.* FROM running r
                  JOIN leases l ON l.id = r.lease_id
                  WHERE r.computed < 0 OR r.computed > l.deposit_amount`,
		},
		{
			Name: "O3_movement_seq_gapless",
			SQL: `WITH seqs AS (
                      SELECT lease_id, seq,
                             LAG(seq) OVER (PARTITION BY lease_id ORDER BY seq) AS prev
                      FROM escrow_movements)
                  SELECT * FROM seqs
                  WHERE (prev IS NULL AND seq <> 1)
                     OR (prev IS NOT NULL AND seq <> prev + 1)`,
		},
		{
			Name: "O4_single_open_dispute",
			SQL: `SELECT lease_id, COUNT(*) FROM disputes
                  WHERE status = 'open'
                  GROUP BY lease_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_dispute_state_linkage",
			SQL: `SELECT l.id::text AS detail FROM leases l
                  WHERE l.state = 'in_dispute'
                    AND NOT EXISTS (SELECT 1 FROM disputes d
                                    WHERE d.lease_id = l.id AND d.status = 'open')
                  UNION ALL
                  SELECT d.lease_id::text FROM disputes d
                  JOIN leases l ON l.id = d.lease_id
                  WHERE d.status = 'open' AND l.state <> 'in_dispute'`,
		},
		{
			Name: "O6_resolved_dispute_complete",
			SQL: `SELECT id FROM disputes
                  WHERE status = 'resolved'
                    AND (outcome IS NULL OR resolved_by IS NULL OR resolved_at IS NULL)`,
		},
		{
			Name: "O7_closed_lease_zero_balance",
			SQL: `SELECT l.id, SUM(CASE WHEN m.direction = 'deposit' THEN m.amount ELSE -m.amount END) AS held
                  FROM leases l
                  JOIN escrow_movements m ON m.lease_id = l.id
                  WHERE l.state IN ('closed', 'cancelled')
                  GROUP BY l.id
                  HAVING SUM(CASE WHEN m.direction = 'deposit' THEN m.amount ELSE -m.amount END) <> 0`,
		},
		{
			Name: "O8_version_floor",
			SQL:  `SELECT id, version FROM leases WHERE version < 1`,
		},
		{
			Name: "O9_outbox_not_wedged",
			SQL: `SELECT id::text FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
