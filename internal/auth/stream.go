package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"outdial-platform/internal/config"
)

// StreamTokens signs and verifies the short-lived token embedded in the
// stream/answer callback URLs handed to the telephony provider. The token
// is the only authentication on those public endpoints, so it is scoped to
// a single call id and expires quickly.
type StreamTokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

var (
	ErrStreamTokenInvalid = errors.New("auth: invalid stream token")
)

const streamIssuer = "outdial"

func NewStreamTokens(cfg config.AuthConfig) (*StreamTokens, error) {
	if cfg.StreamSecret == "" {
		return nil, errors.New("auth: stream secret is required")
	}
	ttl := cfg.StreamTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &StreamTokens{
		secret: []byte(cfg.StreamSecret),
		issuer: streamIssuer,
		ttl:    ttl,
	}, nil
}

type streamClaims struct {
	CallID string `json:"call_id"`
	jwt.RegisteredClaims
}

// Issue signs a token scoped to callID.
func (s *StreamTokens) Issue(now time.Time, callID string) (string, error) {
	if callID == "" {
		return "", errors.New("auth: call id is required")
	}
	claims := streamClaims{
		CallID: callID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign stream token: %w", err)
	}
	return signed, nil
}

// Verify validates the token and returns the call id it is scoped to.
func (s *StreamTokens) Verify(tokenString string, now time.Time) (string, error) {
	var claims streamClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	tok, err := parser.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil || !tok.Valid {
		return "", ErrStreamTokenInvalid
	}
	if claims.CallID == "" {
		return "", ErrStreamTokenInvalid
	}
	return claims.CallID, nil
}
