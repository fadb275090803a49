// Package auth issues and validates the bearer tokens of command-ingest
// clients.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes a token may carry.
const (
	ScopeCommands = "commands:write"
	ScopeSessions = "sessions:read"
)

const issuer = "salient"

// Claims holds the JWT token payload. An empty AccountID marks a service
// token that may act for any account.
type Claims struct {
	jwt.RegisteredClaims
	AccountID string   `json:"aid,omitempty"`
	Scopes    []string `json:"scp"`
}

// ErrInvalidToken is returned when a JWT cannot be parsed or has expired.
var ErrInvalidToken = errors.New("auth: invalid or expired token") //nolint:gochecknoglobals // sentinel error

// ErrForbidden is returned when valid claims do not cover a request.
var ErrForbidden = errors.New("auth: forbidden") //nolint:gochecknoglobals // sentinel error

// HasScope reports whether the token was granted scope.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// CanActFor reports whether the token may submit commands or read sessions
// of accountID.
func (c *Claims) CanActFor(accountID string) bool {
	return c.AccountID == "" || c.AccountID == accountID
}

// IssueToken creates a signed HS256 token for client. Pass an empty
// accountID for a service token.
func IssueToken(secret, client, accountID string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   client,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
		},
		AccountID: accountID,
		Scopes:    scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth.IssueToken: %w", err)
	}

	return signed, nil
}

// ValidateToken parses and validates a JWT token string. Returns the embedded claims.
func ValidateToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("auth.ValidateToken: %w", ErrInvalidToken)
	}

	if !token.Valid {
		return nil, fmt.Errorf("auth.ValidateToken: %w", ErrInvalidToken)
	}

	return claims, nil
}
