package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles a dashboard token may carry.
const (
	RoleAdmin   = "admin"
	RoleViewer  = "viewer"
	RoleService = "service"
)

// Claims represents JWT payload.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Token is a signed token and its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Issue signs an HS256 token for subject with role.
func Issue(subject, role, issuer, key string, ttl time.Duration) (Token, error) {
	if key == "" {
		return Token{}, errors.New("signing key required")
	}
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return Token{}, err
	}
	return Token{Value: signed, ExpiresAt: exp}, nil
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(key), nil
	})
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if issuer != "" && claims.Issuer != issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	return *claims, nil
}

// ServiceTokens mints short-lived tokens for calls to the upstream API and
// reuses each one until it is close to expiry.
type ServiceTokens struct {
	Subject string
	Issuer  string
	Key     string
	TTL     time.Duration

	current Token
}

// Bearer returns a valid token value. Not safe for concurrent use without
// external locking.
func (s *ServiceTokens) Bearer() (string, error) {
	if s.current.Value != "" && time.Until(s.current.ExpiresAt) > s.TTL/4 {
		return s.current.Value, nil
	}
	tok, err := Issue(s.Subject, RoleService, s.Issuer, s.Key, s.TTL)
	if err != nil {
		return "", err
	}
	s.current = tok
	return tok.Value, nil
}
