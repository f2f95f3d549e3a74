package auth

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Role string

const (
	RoleParty Role = "party"
	RoleJuror Role = "juror"
)

// Challenge is a single-use login message an account must sign.
type Challenge struct {
	Nonce     string         `json:"nonce"`
	Account   common.Address `json:"account"`
	Message   string         `json:"message"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

// ChallengeRequest asks for a challenge for Account.
type ChallengeRequest struct {
	Account common.Address `json:"account"`
}

// LoginRequest answers a challenge. Signature is the 65-byte personal_sign
// signature of the challenge message, hex encoded.
type LoginRequest struct {
	Account   common.Address `json:"account"`
	Nonce     string         `json:"nonce"`
	Signature string         `json:"signature"`
	Role      Role           `json:"role"`
}

// LoginResult bundles the token and the identity it was issued for.
type LoginResult struct {
	Token     string         `json:"token"`
	Account   common.Address `json:"account"`
	Role      Role           `json:"role"`
	ExpiresAt time.Time      `json:"expiresAt"`
}
