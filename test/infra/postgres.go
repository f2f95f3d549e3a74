// Package infra provides a Postgres database carrying the cache schema for
// integration and stress tests.
package infra

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// DSNEnv names an existing database to use instead of a container.
const DSNEnv = "ARBSYNC_TEST_PG_DSN"

// cacheTables in an order TRUNCATE accepts without CASCADE surprises.
var cacheTables = []string{
	"notifications",
	"watermarks",
	"dispute_records",
	"contract_records",
	"profiles",
}

// Harness owns one run's schema. Runs sharing a server never see each other's
// rows because every pooled connection has its search_path set to the run's
// schema.
type Harness struct {
	container *postgres.PostgresContainer
	dsn       string
	schema    string
	pool      *pgxpool.Pool
}

type Option func(*Harness)

// WithDSN reuses an existing database instead of starting a container.
func WithDSN(dsn string) Option {
	return func(h *Harness) {
		if dsn != "" {
			h.dsn = dsn
		}
	}
}

// NewHarness connects to the database named by DSNEnv or WithDSN, starting a
// Postgres 16 container when neither is set, and applies schemaSQL in a fresh
// schema.
func NewHarness(ctx context.Context, schemaSQL string, opts ...Option) (*Harness, error) {
	h := &Harness{
		dsn:    os.Getenv(DSNEnv),
		schema: fmt.Sprintf("arbsync_test_%d", time.Now().UnixNano()),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.dsn == "" {
		if err := h.start(ctx); err != nil {
			return nil, err
		}
	}
	if err := h.open(ctx, schemaSQL); err != nil {
		h.Close(ctx)
		return nil, err
	}
	return h, nil
}

func (h *Harness) start(ctx context.Context) error {
	c, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("arbsync"),
		postgres.WithUsername("arbsync"),
		postgres.WithPassword("arbsync"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return fmt.Errorf("infra: start postgres: %w", err)
	}
	h.container = c
	if h.dsn, err = c.ConnectionString(ctx, "sslmode=disable"); err != nil {
		return fmt.Errorf("infra: connection string: %w", err)
	}
	return nil
}

func (h *Harness) open(ctx context.Context, schemaSQL string) error {
	cfg, err := pgxpool.ParseConfig(h.dsn)
	if err != nil {
		return fmt.Errorf("infra: parse dsn: %w", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = h.schema
	if h.pool, err = pgxpool.NewWithConfig(ctx, cfg); err != nil {
		return fmt.Errorf("infra: connect: %w", err)
	}
	if _, err := h.pool.Exec(ctx, "CREATE SCHEMA "+h.ident()); err != nil {
		return fmt.Errorf("infra: create schema %s: %w", h.schema, err)
	}
	if _, err := h.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("infra: apply cache schema: %w", err)
	}
	return nil
}

func (h *Harness) ident() string {
	return pgx.Identifier{h.schema}.Sanitize()
}

func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// Reset empties every cache table.
func (h *Harness) Reset(ctx context.Context) error {
	return pgx.BeginFunc(ctx, h.pool, func(tx pgx.Tx) error {
		for _, tbl := range cacheTables {
			if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
				return fmt.Errorf("infra: truncate %s: %w", tbl, err)
			}
		}
		return nil
	})
}

// SeedProfile registers account with email so that its dispute and contract
// records can be written.
func (h *Harness) SeedProfile(ctx context.Context, account common.Address, email string) error {
	_, err := h.pool.Exec(ctx, `
		INSERT INTO profiles (account, email) VALUES ($1, $2)
		ON CONFLICT (account) DO UPDATE SET email = EXCLUDED.email
	`, account.Hex(), email)
	if err != nil {
		return fmt.Errorf("infra: seed profile %s: %w", account.Hex(), err)
	}
	return nil
}

// SeedWatermark sets consumer's watermark to block, as if a pipeline had
// already handled everything up to it.
func (h *Harness) SeedWatermark(ctx context.Context, consumer string, block uint64) error {
	_, err := h.pool.Exec(ctx, `
		INSERT INTO watermarks (consumer, block) VALUES ($1, $2)
		ON CONFLICT (consumer) DO UPDATE SET block = EXCLUDED.block
	`, consumer, int64(block))
	if err != nil {
		return fmt.Errorf("infra: seed watermark %s: %w", consumer, err)
	}
	return nil
}

// Close drops the run's schema and releases the database.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		_, _ = h.pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+h.ident()+" CASCADE")
		h.pool.Close()
	}
	if h.container != nil {
		_ = h.container.Terminate(ctx)
	}
}
