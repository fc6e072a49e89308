package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// accessClaims is the claim set the REST tier mints into gateway tokens. The gateway only ever parses these; token
// creation lives with the login endpoints.
type accessClaims struct {
	jwt.RegisteredClaims
}

// Service validates gateway tokens against the shared JWT secret. Clients sometimes paste the whole Authorization
// header value into the identify payload, so a leading "Bearer " prefix is tolerated.
type Service struct {
	secret string
	issuer string
}

// NewService creates a token validation service.
func NewService(secret, issuer string) *Service {
	return &Service{secret: secret, issuer: issuer}
}

// ValidateToken verifies the token's signature, expiry, and issuer, and returns the user ID from the subject claim.
func (s *Service) ValidateToken(_ context.Context, token string) (uuid.UUID, error) {
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" || s.issuer == "" {
		return uuid.Nil, ErrInvalidToken
	}

	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.secret), nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed subject", ErrInvalidToken)
	}
	return userID, nil
}
