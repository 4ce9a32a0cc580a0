// Package jwt issues and validates the bearer tokens the admin API uses to
// authenticate operator login sessions (CLI clients use shd_ tokens
// instead). It never touches thing-to-cloud
// credentials, which live outside this repo's scope.
package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("jwt: invalid token")

// Claims identifies the operator account a token was issued to.
type Claims struct {
	UserID    string `json:"user_id"`
	TokenType string `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

func newClaims(userID, tokenType string, expiration time.Duration) Claims {
	now := time.Now()
	return Claims{
		UserID:    userID,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
		},
	}
}

// GenerateToken issues a short-lived access token for userID.
func GenerateToken(userID string, expiration time.Duration, secret string) (string, error) {
	claims := newClaims(userID, "access", expiration)
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// GenerateRefreshToken issues a long-lived refresh token for userID.
func GenerateRefreshToken(userID string, expiration time.Duration, secret string) (string, error) {
	claims := newClaims(userID, "refresh", expiration)
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ValidateToken parses and verifies token, returning its claims if it is
// well-formed, correctly signed, and unexpired.
func ValidateToken(token, secret string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
