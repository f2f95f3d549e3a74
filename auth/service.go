package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

var (
	// ErrInvalidSignature signals a signature that does not recover to the
	// account claiming it.
	ErrInvalidSignature = errors.New("auth: invalid signature")
	// ErrExpiredChallenge signals a challenge answered after its deadline.
	ErrExpiredChallenge = errors.New("auth: challenge expired")
	ErrInvalidToken     = errors.New("auth: invalid token")
)

// Service issues login challenges and JWTs for wallet accounts.
type Service struct {
	challenges   ChallengeStore
	jwtSecret    []byte
	tokenTTL     time.Duration
	challengeTTL time.Duration
	now          func() time.Time
}

type Option func(*Service)

func WithTokenTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.tokenTTL = d
		}
	}
}

func WithChallengeTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.challengeTTL = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new authentication service.
func NewService(challenges ChallengeStore, jwtSecret string, opts ...Option) *Service {
	s := &Service{
		challenges:   challenges,
		jwtSecret:    []byte(jwtSecret),
		tokenTTL:     24 * time.Hour,
		challengeTTL: 5 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Challenge issues a single-use message for account to sign.
func (s *Service) Challenge(ctx context.Context, account common.Address) (Challenge, error) {
	if account == (common.Address{}) {
		return Challenge{}, fmt.Errorf("auth: account is required")
	}
	c := Challenge{
		Nonce:     uuid.NewString(),
		Account:   account,
		ExpiresAt: s.now().Add(s.challengeTTL).UTC(),
	}
	c.Message = challengeMessage(c)
	if err := s.challenges.Put(ctx, c); err != nil {
		return Challenge{}, fmt.Errorf("auth: store challenge: %w", err)
	}
	return c, nil
}

func challengeMessage(c Challenge) string {
	return fmt.Sprintf("Sign in to arbsync\nAccount: %s\nNonce: %s\nExpires: %s",
		c.Account.Hex(), c.Nonce, c.ExpiresAt.Format(time.RFC3339))
}

// Login verifies the signed challenge and returns a JWT for the account.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	c, err := s.challenges.Take(ctx, req.Nonce)
	if err != nil {
		return LoginResult{}, err
	}
	if c.Account != req.Account {
		return LoginResult{}, ErrInvalidSignature
	}
	if !s.now().Before(c.ExpiresAt) {
		return LoginResult{}, ErrExpiredChallenge
	}

	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		return LoginResult{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	signer, err := recoverSigner(c.Message, sig)
	if err != nil {
		return LoginResult{}, err
	}
	if signer != req.Account {
		return LoginResult{}, ErrInvalidSignature
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleParty
	}
	if !isValidRole(role) {
		return LoginResult{}, fmt.Errorf("auth: invalid role %q", role)
	}

	expires := s.now().Add(s.tokenTTL)
	token, err := s.generateToken(req.Account, role, expires)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}
	return LoginResult{Token: token, Account: req.Account, Role: role, ExpiresAt: expires.UTC()}, nil
}

// textHash is the EIP-191 personal message hash.
func textHash(message string) []byte {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "\x19Ethereum Signed Message:\n%d%s", len(message), message)
	return h.Sum(nil)
}

func recoverSigner(message string, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	sig = append([]byte(nil), sig...)
	// wallets return V as 27/28
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(textHash(message), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

type claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// VerifyToken validates a JWT token and returns the account and role.
func (s *Service) VerifyToken(tokenString string) (common.Address, Role, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return common.Address{}, "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || !common.IsHexAddress(c.Subject) {
		return common.Address{}, "", ErrInvalidToken
	}
	if !isValidRole(c.Role) {
		return common.Address{}, "", fmt.Errorf("%w: role %q", ErrInvalidToken, c.Role)
	}
	return common.HexToAddress(c.Subject), c.Role, nil
}

func (s *Service) generateToken(account common.Address, role Role, expires time.Time) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.Hex(),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	return token.SignedString(s.jwtSecret)
}

func isValidRole(role Role) bool {
	switch role {
	case RoleParty, RoleJuror:
		return true
	default:
		return false
	}
}
