// Package auth verifies candidate bearer credentials presented at connection
// time. Token issuance lives in a separate identity service; this package only
// checks signatures and expiry and extracts the owning candidate's identity.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors so the gatekeeper can map verification failures onto
// distinct rejection codes.
var (
	// ErrMissingToken is returned when no credential was presented.
	ErrMissingToken = errors.New("auth: missing token")

	// ErrInvalidToken is returned when the credential fails signature or
	// structural validation.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrExpiredToken is returned when the credential is structurally valid
	// but past its expiry.
	ErrExpiredToken = errors.New("auth: expired token")
)

// TokenVerifier turns a bearer credential into the candidate identity that
// owns it.
type TokenVerifier interface {
	// Verify returns the owner id encoded in token. Errors wrap one of the
	// package sentinel errors.
	Verify(token string) (ownerID string, err error)
}

// JWTVerifier verifies HS256-signed JWTs. The subject claim carries the
// candidate's owner id.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier creates a verifier for tokens signed with secret. When
// issuer is non-empty, the token's iss claim must match it.
func NewJWTVerifier(secret []byte, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: secret, issuer: issuer}
}

// Verify implements [TokenVerifier].
func (v *JWTVerifier) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: %w", ErrExpiredToken, err)
		}
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing subject claim", ErrInvalidToken)
	}
	return sub, nil
}

var _ TokenVerifier = (*JWTVerifier)(nil)

// StaticVerifier is a test double mapping literal tokens to owner ids.
type StaticVerifier map[string]string

// Verify implements [TokenVerifier].
func (v StaticVerifier) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	owner, ok := v[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return owner, nil
}
