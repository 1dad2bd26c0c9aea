// Package confirm validates pre-authorization confirmation tokens. A
// confirmed intent may cross soft limits without escalating; the token
// proves a human (or an upstream policy system) signed off on this agent
// performing this action class in advance.
package confirm

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cognigate/backend/internal/core"
)

// Validator checks whether an intent's confirmation token is genuine and
// bound to the intent it accompanies.
type Validator interface {
	Validate(ctx context.Context, token string, intent *core.Intent) error
}

// Claims is the payload of a confirmation token. Subject carries the
// agent id; ActionType scopes the confirmation to one action class.
type Claims struct {
	ActionType string  `json:"action_type"`
	MaxAmount  float64 `json:"max_amount,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator validates HMAC-signed confirmation tokens.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator for tokens signed with secret.
func NewJWTValidator(secret []byte) *JWTValidator {
	return &JWTValidator{secret: secret}
}

// Validate parses and verifies the token, then checks that it was minted
// for this agent and action class and, when the token caps an amount,
// that the intent stays under the cap. Any failure wraps ErrValidation.
func (v *JWTValidator) Validate(_ context.Context, token string, intent *core.Intent) error {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: confirmation token rejected: %v", core.ErrValidation, err)
	}
	if !parsed.Valid {
		return core.Validationf("confirmation token invalid")
	}
	if claims.Subject != intent.AgentID {
		return core.Validationf("confirmation token issued for a different agent")
	}
	if claims.ActionType != intent.ActionType {
		return core.Validationf("confirmation token issued for action %q, intent is %q", claims.ActionType, intent.ActionType)
	}
	if claims.MaxAmount > 0 && intent.Context.Amount > claims.MaxAmount {
		return core.Validationf("intent amount %.2f exceeds confirmed cap %.2f", intent.Context.Amount, claims.MaxAmount)
	}
	return nil
}

// Issuer mints confirmation tokens. Production minting happens in the
// approval surface upstream of this service; the issuer here backs the
// dev endpoint and the test suite.
type Issuer struct {
	secret []byte
}

// NewIssuer creates a token issuer sharing the validator's secret.
func NewIssuer(secret []byte) *Issuer {
	return &Issuer{secret: secret}
}

// Issue mints a token confirming agentID for actionType until expiry.
// maxAmount of zero leaves the amount uncapped.
func (i *Issuer) Issue(agentID, actionType string, maxAmount float64, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		ActionType: actionType,
		MaxAmount:  maxAmount,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign confirmation token: %w", err)
	}
	return signed, nil
}
