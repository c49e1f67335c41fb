// Package controller verifies the identity of the routing layer that forwards privileged court calls.
package controller

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/qubic/go-court/entities"
)

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses an HS256 token and returns its subject claim as the caller address.
func (v *Verifier) Verify(tokenString string) (entities.Address, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("controller: parse token: %w", err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("controller: invalid token")
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("controller: token without subject")
	}
	return entities.Address(claims.Subject), nil
}

// Issue signs a token for caller valid for ttl. Used by operators and tests to mint controller credentials.
func (v *Verifier) Issue(caller entities.Address, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   string(caller),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
