package handoff

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/covenant-labs/warden/pkg/canonical"
	"github.com/covenant-labs/warden/pkg/contracts"
)

// ErrGrantInvalid reports a grant that fails verification or does not
// match the action presented with it.
var ErrGrantInvalid = errors.New("approval grant is invalid")

// GrantClaims bind an approval to one exact action. The action hash is
// the canonical hash of the approved action, so any change to the
// action after approval invalidates the grant.
type GrantClaims struct {
	HandoffID  string `json:"handoff_id"`
	SessionID  string `json:"session_id"`
	ActionHash string `json:"action_hash"`
	ApprovedBy string `json:"approved_by"`
	jwt.RegisteredClaims
}

func (m *Manager) issueGrant(req *contracts.HandoffRequest, action *contracts.Action, approvedBy string) (string, error) {
	if len(m.cfg.SigningKey) == 0 {
		return "", fmt.Errorf("handoff: signing key is not configured")
	}
	hash, err := canonical.Hash(action)
	if err != nil {
		return "", fmt.Errorf("handoff: action hash: %w", err)
	}

	now := m.clock().UTC()
	claims := GrantClaims{
		HandoffID:  req.ID,
		SessionID:  req.SessionID,
		ActionHash: hash,
		ApprovedBy: approvedBy,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "warden",
			Subject:   action.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.GrantTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.cfg.SigningKey)
	if err != nil {
		return "", fmt.Errorf("handoff: grant signing: %w", err)
	}
	return signed, nil
}

// VerifyGrant checks a grant's signature and expiry and that it was
// issued for exactly this action.
func VerifyGrant(tokenString string, action *contracts.Action, signingKey []byte) (*GrantClaims, error) {
	claims := &GrantClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGrantInvalid, err)
	}
	if !token.Valid {
		return nil, ErrGrantInvalid
	}

	hash, err := canonical.Hash(action)
	if err != nil {
		return nil, fmt.Errorf("%w: action hash: %v", ErrGrantInvalid, err)
	}
	if claims.ActionHash != hash {
		return nil, fmt.Errorf("%w: grant was issued for a different action", ErrGrantInvalid)
	}
	return claims, nil
}
