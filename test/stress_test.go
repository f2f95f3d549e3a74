package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"golang.org/x/sync/errgroup"

	"arbsync/cache"
	"arbsync/test/actors"
	"arbsync/test/chaos"
	"arbsync/test/infra"
	"arbsync/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of concurrent actors per kind")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flFaultRate   = flag.Float64("fault-rate", 0.05, "fraction of cache writes failed as terminated connections")
)

func TestCacheUnderConcurrentPipelines(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}
	seed := *flSeed
	rand.Seed(seed)

	dsn := *flDSN
	if dsn == "" {
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
	}
	if dsn == "" && os.Getenv(infra.DSNEnv) == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	h, err := infra.NewHarness(ctx, cache.Schema, infra.WithDSN(dsn))
	if err != nil {
		t.Fatalf("start harness: %v", err)
	}
	defer h.Close(context.Background())
	pool := h.Pool()

	tg := actors.Target{
		Account:    common.HexToAddress("0x0000000000000000000000000000000000000001"),
		Arbitrator: common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		DisputeID:  1,
	}
	if err := h.SeedProfile(ctx, tg.Account, "juror@example.org"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < *flConcurrency; i++ {
		if err := h.SeedWatermark(ctx, fmt.Sprintf("stress:%d", i), uint64(100*i)); err != nil {
			t.Fatal(err)
		}
	}

	flaky := chaos.NewPool(pool, *flFaultRate, seed)
	store := cache.NewPGStore(flaky)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Shifter(ctx2, store, tg, 16, stop) })
		g.Go(func() error { return actors.Drawer(ctx2, store, tg, stop) })
		g.Go(func() error { return actors.Notifier(ctx2, store, tg, 32, stop) })
		g.Go(func() error { return actors.Advancer(ctx2, store, fmt.Sprintf("stress:%d", i), stop) })
	}
	g.Go(func() error { return actors.Reader(ctx2, store, tg, stop) })

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Logf("oracle %s skipped: %v", name, err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx, pool)
				close(stop)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}
	t.Logf("injected %d write faults (seed=%d)", flaky.Faults(), seed)
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"dispute_records", `SELECT account, dispute_id, record, updated_at FROM dispute_records ORDER BY updated_at DESC LIMIT 20`},
		{"notifications", `SELECT tx_hash, log_index, subject, read, created_at FROM notifications ORDER BY created_at DESC LIMIT 50`},
		{"watermarks", `SELECT consumer, block, updated_at FROM watermarks ORDER BY consumer`},
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
