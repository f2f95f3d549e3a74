package auth

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrUnknownChallenge signals a nonce that was never issued or already used.
var ErrUnknownChallenge = errors.New("auth: unknown challenge")

// ChallengeStore keeps outstanding challenges until they are answered.
type ChallengeStore interface {
	Put(ctx context.Context, c Challenge) error
	// Take removes and returns the challenge for nonce.
	Take(ctx context.Context, nonce string) (Challenge, error)
}

// MemoryChallengeStore bounds outstanding challenges, evicting the oldest.
type MemoryChallengeStore struct {
	cache *lru.Cache[string, Challenge]
}

func NewMemoryChallengeStore(size int) (*MemoryChallengeStore, error) {
	cache, err := lru.New[string, Challenge](size)
	if err != nil {
		return nil, fmt.Errorf("auth: challenge store: %w", err)
	}
	return &MemoryChallengeStore{cache: cache}, nil
}

func (s *MemoryChallengeStore) Put(_ context.Context, c Challenge) error {
	s.cache.Add(c.Nonce, c)
	return nil
}

func (s *MemoryChallengeStore) Take(_ context.Context, nonce string) (Challenge, error) {
	c, ok := s.cache.Peek(nonce)
	if !ok || !s.cache.Remove(nonce) {
		return Challenge{}, ErrUnknownChallenge
	}
	return c, nil
}
