// Package auth verifies inbound bearer JWTs and extracts the tenant.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingCredential = errors.New("auth: missing bearer credential")
	ErrInvalidCredential = errors.New("auth: invalid credential")
)

// Identity is what a verified credential says about the caller.
type Identity struct {
	Tenant  string
	Tier    string // optional rate-limit class hint
	Subject string
}

// Verifier checks HMAC-signed JWTs. It is safe for concurrent use.
type Verifier struct {
	secret      []byte
	algorithm   string
	tenantClaim string
	tierClaim   string
	leeway      time.Duration
	now         func() time.Time
	parser      *jwt.Parser
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithAlgorithm selects HS256, HS384 or HS512 (default HS256).
func WithAlgorithm(alg string) Option {
	return func(v *Verifier) { v.algorithm = strings.ToUpper(alg) }
}

// WithTenantClaim names the claim holding the tenant id (default "org_id").
func WithTenantClaim(name string) Option {
	return func(v *Verifier) {
		if name != "" {
			v.tenantClaim = name
		}
	}
}

// WithTierClaim names the claim holding the rate-limit class (default "tier").
func WithTierClaim(name string) Option {
	return func(v *Verifier) {
		if name != "" {
			v.tierClaim = name
		}
	}
}

// WithLeeway tolerates clock skew on exp/nbf/iat.
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) { v.leeway = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier creates a Verifier for secret.
func NewVerifier(secret []byte, opts ...Option) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty secret")
	}
	v := &Verifier{
		secret:      secret,
		algorithm:   "HS256",
		tenantClaim: "org_id",
		tierClaim:   "tier",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	switch v.algorithm {
	case "HS256", "HS384", "HS512":
	default:
		return nil, fmt.Errorf("auth: unsupported algorithm %q", v.algorithm)
	}

	v.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{v.algorithm}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	return v, nil
}

// TenantClaim returns the claim name the tenant is read from.
func (v *Verifier) TenantClaim() string { return v.tenantClaim }

// Verify checks signature and expiry of token and returns the caller's
// Identity. Every failure wraps ErrInvalidCredential.
func (v *Verifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingCredential
	}

	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(token, claims, v.key); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	tenant, ok := claims[v.tenantClaim].(string)
	if !ok || strings.TrimSpace(tenant) == "" {
		return Identity{}, fmt.Errorf("%w: claim %q missing or not a string", ErrInvalidCredential, v.tenantClaim)
	}

	id := Identity{Tenant: tenant}
	id.Tier, _ = claims[v.tierClaim].(string)
	id.Subject, _ = claims.GetSubject()
	return id, nil
}

// VerifyHeader verifies the value of an Authorization header.
func (v *Verifier) VerifyHeader(header string) (Identity, error) {
	token, ok := BearerToken(header)
	if !ok {
		return Identity{}, ErrMissingCredential
	}
	return v.Verify(token)
}

func (v *Verifier) key(*jwt.Token) (interface{}, error) {
	return v.secret, nil
}

// BearerToken extracts the token from "Bearer <token>". The scheme is
// case-insensitive.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
