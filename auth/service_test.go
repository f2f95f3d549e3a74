package auth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

type fixture struct {
	svc     *Service
	key     *ecdsa.PrivateKey
	account common.Address
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := NewMemoryChallengeStore(16)
	if err != nil {
		t.Fatalf("challenge store: %v", err)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &fixture{
		key:     key,
		account: crypto.PubkeyToAddress(key.PublicKey),
		now:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(store, "test-secret",
		WithChallengeTTL(time.Minute),
		WithClock(func() time.Time { return f.now }))
	return f
}

// sign produces a personal_sign style signature with V as 27/28.
func sign(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	sig, err := crypto.Sign(textHash(message), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

func TestService_ChallengeAndLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.Challenge(ctx, f.account)
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	res, err := f.svc.Login(ctx, LoginRequest{
		Account:   f.account,
		Nonce:     c.Nonce,
		Signature: sign(t, f.key, c.Message),
		Role:      RoleJuror,
	})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if res.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}

	account, role, err := f.svc.VerifyToken(res.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if account != f.account {
		t.Fatalf("verify token: expected %s got %s", f.account.Hex(), account.Hex())
	}
	if role != RoleJuror {
		t.Fatalf("verify token: expected role %s got %s", RoleJuror, role)
	}

	if _, err := f.svc.Login(ctx, LoginRequest{Account: f.account, Nonce: c.Nonce, Signature: sign(t, f.key, c.Message)}); !errors.Is(err, ErrUnknownChallenge) {
		t.Fatalf("reused nonce: expected ErrUnknownChallenge, got %v", err)
	}
}

func TestService_LoginRejectsOtherSigner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intruder, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	c, err := f.svc.Challenge(ctx, f.account)
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	_, err = f.svc.Login(ctx, LoginRequest{Account: f.account, Nonce: c.Nonce, Signature: sign(t, intruder, c.Message)})
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestService_LoginRejectsMalformedSignature(t *testing.T) {
	f := newFixture(t)
	c, err := f.svc.Challenge(context.Background(), f.account)
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	_, err = f.svc.Login(context.Background(), LoginRequest{Account: f.account, Nonce: c.Nonce, Signature: "0x1234"})
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestService_LoginExpiredChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.Challenge(ctx, f.account)
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	f.now = f.now.Add(2 * time.Minute)
	_, err = f.svc.Login(ctx, LoginRequest{Account: f.account, Nonce: c.Nonce, Signature: sign(t, f.key, c.Message)})
	if !errors.Is(err, ErrExpiredChallenge) {
		t.Fatalf("expected ErrExpiredChallenge, got %v", err)
	}
}

func TestService_VerifyTokenRejectsForeignSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.svc.Challenge(ctx, f.account)
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	res, err := f.svc.Login(ctx, LoginRequest{Account: f.account, Nonce: c.Nonce, Signature: sign(t, f.key, c.Message)})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Role != RoleParty {
		t.Fatalf("expected default role %s got %s", RoleParty, res.Role)
	}

	store, _ := NewMemoryChallengeStore(1)
	other := NewService(store, "another-secret", WithClock(func() time.Time { return f.now }))
	if _, _, err := other.VerifyToken(res.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	f.now = f.now.Add(48 * time.Hour)
	if _, _, err := f.svc.VerifyToken(res.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: expected ErrInvalidToken, got %v", err)
	}
}
