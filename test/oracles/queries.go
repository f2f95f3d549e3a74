// Package oracles holds SQL checks that must return no rows while the cache
// is under concurrent load.
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
			Name: "O1_token_shift_once_per_log",
			SQL: `SELECT r.account, r.dispute_id, k.key
                  FROM dispute_records r,
                       LATERAL jsonb_array_elements_text(
                           CASE jsonb_typeof(r.record->'tokenShiftKeys') WHEN 'array' THEN r.record->'tokenShiftKeys' ELSE '[]'::jsonb END
                       ) AS k(key)
                  GROUP BY r.account, r.dispute_id, k.key
                  HAVING COUNT(*) > 1`,
		},
		{
			// every stress shift is worth one token
			Name: "O2_net_shift_matches_keys",
			SQL: `SELECT account, dispute_id, record->'netTokenShift' FROM dispute_records
                  WHERE (record->>'netTokenShift')::numeric <>
                        CASE jsonb_typeof(record->'tokenShiftKeys') WHEN 'array' THEN jsonb_array_length(record->'tokenShiftKeys') ELSE 0 END`,
		},
		{
			Name: "O3_appeals_bounded",
			SQL: `SELECT account, dispute_id FROM dispute_records
                  WHERE (CASE jsonb_typeof(record->'appealDraws') WHEN 'array' THEN jsonb_array_length(record->'appealDraws') ELSE 0 END)
                        > (record->>'numberOfAppeals')::int + 1
                     OR (CASE jsonb_typeof(record->'appealCreatedAt') WHEN 'array' THEN jsonb_array_length(record->'appealCreatedAt') ELSE 0 END)
                        > (record->>'numberOfAppeals')::int + 1`,
		},
		{
			Name: "O4_notification_key_unique",
			SQL: `SELECT account, tx_hash, log_index, subject FROM notifications
                  GROUP BY account, tx_hash, log_index, subject HAVING COUNT(*) > 1`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
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
