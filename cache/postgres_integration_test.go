package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/testcontainers/testcontainers-go"

	"arbsync/test/infra"
)

func TestPGStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	if os.Getenv(infra.DSNEnv) == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	h, err := infra.NewHarness(ctx, Schema)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })

	runStoreContract(t, func(t *testing.T) Store {
		if err := h.Reset(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
		return NewPGStore(h.Pool())
	})

	t.Run("seeded state", func(t *testing.T) {
		if err := h.Reset(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
		account := common.HexToAddress("0x00000000000000000000000000000000000000e1")
		if err := h.SeedProfile(ctx, account, "party@example.org"); err != nil {
			t.Fatal(err)
		}
		if err := h.SeedWatermark(ctx, "viewer:seeded", 41); err != nil {
			t.Fatal(err)
		}

		store := NewPGStore(h.Pool())
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("re-applying the schema: %v", err)
		}
		p, err := store.GetUserProfile(ctx, account)
		if err != nil {
			t.Fatalf("GetUserProfile: %v", err)
		}
		if p.Email != "party@example.org" {
			t.Fatalf("email = %q", p.Email)
		}
		if err := store.SetWatermark(ctx, "viewer:seeded", 12); err != nil {
			t.Fatal(err)
		}
		block, ok, err := store.GetWatermark(ctx, "viewer:seeded")
		if err != nil || !ok || block != 41 {
			t.Fatalf("watermark = %d, %v, %v; want 41 kept over a lower write", block, ok, err)
		}
	})
}
