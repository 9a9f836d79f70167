// Package identity issues and checks the anonymous per-session identities
// participants chat under.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const issuer = "moodchat-service"

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrRevoked      = errors.New("identity has been signed out")
)

// RevocationStore remembers signed-out identities until their tokens expire.
// storage.Gateway satisfies it.
type RevocationStore interface {
	RevokeIdentity(ctx context.Context, anonID string, ttl time.Duration) error
	IsIdentityRevoked(ctx context.Context, anonID string) (bool, error)
}

// Claims is the JWT payload of an anonymous identity.
type Claims struct {
	AnonID string `json:"anon_id"`
	jwt.RegisteredClaims
}

// Service signs identities in and out.
type Service struct {
	secret []byte
	ttl    time.Duration
	store  RevocationStore
	clock  clockwork.Clock
}

// NewService creates an identity service. A nil clock means the real clock.
func NewService(secret string, ttl time.Duration, store RevocationStore, clock clockwork.Clock) (*Service, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("jwt ttl must be positive, got %s", ttl)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{secret: []byte(secret), ttl: ttl, store: store, clock: clock}, nil
}

// TTL is how long an issued token stays valid.
func (s *Service) TTL() time.Duration { return s.ttl }

// SignInAnonymously mints a fresh anonymous id and a token carrying it.
func (s *Service) SignInAnonymously() (token, anonID string, err error) {
	anonUUID, err := uuid.NewRandom()
	if err != nil {
		return "", "", fmt.Errorf("generate anon id: %w", err)
	}
	anonID = anonUUID.String()

	now := s.clock.Now()
	claims := Claims{
		AnonID: anonID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   anonID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", fmt.Errorf("sign token: %w", err)
	}
	return token, anonID, nil
}

// Verify checks a token's signature, expiry and revocation and returns the anon id it carries.
func (s *Service) Verify(ctx context.Context, tokenString string) (string, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.AnonID == "" {
		return "", fmt.Errorf("%w: missing anon_id", ErrInvalidToken)
	}

	revoked, err := s.store.IsIdentityRevoked(ctx, claims.AnonID)
	if err != nil {
		return "", fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return "", ErrRevoked
	}
	return claims.AnonID, nil
}

// SignOut discards anonID: tokens carrying it are rejected from now on.
func (s *Service) SignOut(ctx context.Context, anonID string) error {
	if err := s.store.RevokeIdentity(ctx, anonID, s.ttl); err != nil {
		return fmt.Errorf("sign out %s: %w", anonID, err)
	}
	return nil
}
