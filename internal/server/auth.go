package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chunkmesh/chunkmesh/pkg/proto"
)

// ErrUnauthorized is returned when a request does not identify its gateway.
var ErrUnauthorized = errors.New("unauthorized")

// GenerateGatewayToken issues a token identifying gatewayID, signed with secret.
func GenerateGatewayToken(secret, gatewayID string, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   gatewayID,
		Issuer:    "chunkmesh",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateGatewayToken parses a token issued by GenerateGatewayToken and
// returns the gateway id in its subject.
func ValidateGatewayToken(tokenString, secret string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", jwt.ErrSignatureInvalid
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

// gatewayID identifies the caller: from the bearer token when a secret is
// configured, otherwise from the gateway header. Anonymous callers get "".
func (s *Server) gatewayID(r *http.Request) (string, error) {
	if s.jwtSecret == "" {
		return r.Header.Get(proto.HeaderGatewayID), nil
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("%w: missing authorization header", ErrUnauthorized)
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fmt.Errorf("%w: invalid authorization header", ErrUnauthorized)
	}
	id, err := ValidateGatewayToken(parts[1], s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return id, nil
}
