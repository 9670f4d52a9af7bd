// Package approval issues and verifies signed approval tokens.
//
// Tokens are compact JWTs signed with HS256 under a per-tenant key. The
// pipeline never sees a token: callers verify it here and pass the parsed
// policy.Approval along with the invocation.
package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tollgate-labs/tollgate/pkg/policy"
)

const (
	Issuer   = "tollgate/approval"
	Audience = "tollgate.pipeline"
)

var (
	ErrInvalidToken   = errors.New("approval: invalid token")
	ErrTenantMismatch = errors.New("approval: token was issued for another tenant")
)

// Claims is the JWT payload of an approval token.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	RunID    string   `json:"run_id"`
	Scopes   []string `json:"scopes"`
}

// Signer issues approval tokens.
type Signer struct {
	keys *KeyDeriver
	ttl  time.Duration
	now  func() time.Time
}

// NewSigner returns a signer. A zero ttl issues tokens without an expiry.
func NewSigner(keys *KeyDeriver, ttl time.Duration) *Signer {
	return &Signer{keys: keys, ttl: ttl, now: time.Now}
}

// Issue signs an approval for one run and returns the token together with
// the approval it encodes.
func (s *Signer) Issue(tenantID, runID, approverID string, scopes []policy.Scope) (string, *policy.Approval, error) {
	if runID == "" {
		return "", nil, errors.New("approval: run id required")
	}
	if len(scopes) == 0 {
		return "", nil, errors.New("approval: at least one scope required")
	}
	names := make([]string, len(scopes))
	for i, sc := range scopes {
		if _, err := policy.ParseScope(string(sc)); err != nil {
			return "", nil, err
		}
		names[i] = string(sc)
	}

	key, err := s.keys.TenantKey(tenantID)
	if err != nil {
		return "", nil, err
	}

	now := s.now().UTC().Truncate(time.Second)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			Subject:  approverID,
			Issuer:   Issuer,
			Audience: jwt.ClaimStrings{Audience},
			IssuedAt: jwt.NewNumericDate(now),
		},
		TenantID: tenantID,
		RunID:    runID,
		Scopes:   names,
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", nil, fmt.Errorf("approval: sign: %w", err)
	}
	return signed, claims.approval(), nil
}

// Verifier parses approval tokens for a given tenant.
type Verifier struct {
	keys *KeyDeriver
	now  func() time.Time
}

func NewVerifier(keys *KeyDeriver) *Verifier {
	return &Verifier{keys: keys, now: time.Now}
}

// Verify checks signature, issuer, audience, expiry and tenant binding.
func (v *Verifier) Verify(tenantID, token string) (*policy.Approval, error) {
	key, err := v.keys.TenantKey(tenantID)
	if err != nil {
		return nil, err
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{},
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TenantID != tenantID {
		return nil, ErrTenantMismatch
	}
	if claims.RunID == "" || claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: missing run id or issued-at", ErrInvalidToken)
	}
	for _, sc := range claims.Scopes {
		if _, err := policy.ParseScope(sc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}
	return claims.approval(), nil
}

func (c *Claims) approval() *policy.Approval {
	scopes := make([]policy.Scope, len(c.Scopes))
	for i, s := range c.Scopes {
		scopes[i] = policy.Scope(s)
	}
	return &policy.Approval{
		ID:         c.ID,
		RunID:      c.RunID,
		Scopes:     scopes,
		ApprovedAt: c.IssuedAt.Time.UTC(),
		ApproverID: c.Subject,
	}
}
