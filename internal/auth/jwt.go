// Package auth implements the frontend's optional bearer-token check
// (spec §6 External Interfaces, Frontend auth is config-gated). Grounded on
// the teacher's JWTManager, trimmed to verification only: this module never
// issues tokens, it only accepts or rejects the ones an operator's own
// issuer already handed out.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies the caller behind a frontend connection. The frontend
// only checks that verification succeeds; it does not read any claim.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier checks bearer tokens against a shared HMAC secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates tokenString, rejecting anything not signed
// with HMAC (the source's AuthConfig only ever configures a shared secret,
// so accepting other algorithms would let a caller pick a weaker one).
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// ExtractToken pulls a bearer token from the Authorization header first,
// then the ?token= query parameter (WebSocket upgrade requests rarely carry
// custom headers from browser clients).
func ExtractToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return "", errors.New("invalid authorization header format")
		}
		return strings.TrimPrefix(header, prefix), nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", errors.New("no bearer token found")
}
