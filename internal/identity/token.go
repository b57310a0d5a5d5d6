package identity

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the operator token claims. The subject is the operator id.
type Claims struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies operator tokens with a shared secret.
type TokenService struct {
	secret []byte
	expiry time.Duration
	issuer string
}

// NewTokenService builds a token helper. A non-positive expiry issues
// tokens without an exp claim.
func NewTokenService(secret string, expiry time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), expiry: expiry, issuer: "opswire"}
}

// Enabled reports whether a secret is configured.
func (s *TokenService) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Issue signs a token for op.
func (s *TokenService) Issue(op Operator) (string, error) {
	if !s.Enabled() {
		return "", ErrSigningDisabled
	}
	if !op.Valid() {
		return "", fmt.Errorf("operator id required")
	}

	now := time.Now()
	claims := Claims{
		Name: strings.TrimSpace(op.Name),
		Role: strings.TrimSpace(op.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  strings.TrimSpace(op.ID),
			Issuer:   s.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify checks the signature and expiry of token and returns its operator.
func (s *TokenService) Verify(token string) (Operator, error) {
	if !s.Enabled() {
		return Operator{}, ErrSigningDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return Operator{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Operator{}, ErrInvalidToken
	}
	return claims.operator(token)
}

// FromToken reads the operator from a token without verifying its signature.
// Clients use it to fill in their identity; the gateway does the verification.
func FromToken(token string) (Operator, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Operator{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims.operator(token)
}

func (c *Claims) operator(token string) (Operator, error) {
	id := strings.TrimSpace(c.Subject)
	if id == "" {
		return Operator{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Operator{
		ID:    id,
		Name:  strings.TrimSpace(c.Name),
		Role:  strings.TrimSpace(c.Role),
		Token: token,
	}, nil
}
