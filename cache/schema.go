package cache

import (
	"context"
	_ "embed"
)

// Schema creates every table PGStore uses. Each statement is idempotent.
//
//go:embed schema.sql
var Schema string

// Migrate applies Schema to the store's database.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return pgError("migrate", err)
	}
	return nil
}
