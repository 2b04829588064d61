// Package auth verifies the credentials carried by the document-room handshake. Credentials are
// minted by an external identity provider; this package only checks them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// Identity is the verified caller of a handshake.
type Identity struct {
	Subject string
}

// Authenticator decides whether credential grants access to roomID.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string, roomID string) (Identity, error)
}

// Claims are the token claims understood by JWTVerifier. Rooms, when present, restricts the token
// to the listed room ids.
type Claims struct {
	jwt.RegisteredClaims
	Rooms []string `json:"rooms,omitempty"`
}

// JWTVerifier accepts HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier returns a verifier for tokens signed with secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

func (v *JWTVerifier) Authenticate(_ context.Context, credential string, roomID string) (Identity, error) {
	var claims Claims
	if _, err := v.parser.ParseWithClaims(strings.TrimSpace(credential), &claims, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	}); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	if len(claims.Rooms) > 0 && !slices.Contains(claims.Rooms, roomID) {
		return Identity{}, fmt.Errorf("%w: token does not grant room %s", ErrUnauthorized, roomID)
	}
	return Identity{Subject: subject}, nil
}

// Sign mints a token for subject. It exists for tests and local tooling; production tokens come
// from the identity provider.
func (v *JWTVerifier) Sign(claims Claims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// AllowAll accepts every non-blank credential and uses it as the subject. Development only.
type AllowAll struct{}

func (AllowAll) Authenticate(_ context.Context, credential string, _ string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: credential is required", ErrUnauthorized)
	}
	return Identity{Subject: credential}, nil
}
