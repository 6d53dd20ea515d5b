// jwt.go implements the authenticated-endpoint boundary: requests carrying
// Authorization: Bearer <token> are validated as HS256 JWTs against the
// shared secret, with the issued-at claim bounded to a five second window.
package rpc

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// jwtIssuedAtWindow is the maximum allowed clock skew between a token's
// iat claim and the server's clock, per the authenticated RPC spec.
const jwtIssuedAtWindow = 5 * time.Second

// JWT errors.
var (
	ErrMissingToken  = errors.New("rpc: missing bearer token")
	ErrInvalidToken  = errors.New("rpc: invalid bearer token")
	ErrStaleToken    = errors.New("rpc: token issued-at outside window")
	ErrShortSecret   = errors.New("rpc: jwt secret shorter than 32 bytes")
	ErrMissingIssued = errors.New("rpc: token missing iat claim")
)

// LoadOrGenerateJWTSecret reads the shared secret from path: a file
// holding a 0x-prefixed hex string of at least 32 bytes. When the file is
// absent, a fresh random 32-byte secret is generated and written there.
func LoadOrGenerateJWTSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return parseJWTSecret(string(data))
	case os.IsNotExist(err):
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte("0x"+hex.EncodeToString(secret)), 0o600); err != nil {
			return nil, err
		}
		return secret, nil
	default:
		return nil, err
	}
}

// parseJWTSecret decodes a 0x-prefixed hex secret, enforcing the minimum
// length.
func parseJWTSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	secret, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("rpc: malformed jwt secret: %w", err)
	}
	if len(secret) < 32 {
		return nil, ErrShortSecret
	}
	return secret, nil
}

// ValidateJWT checks a bearer token: HS256 signature over header.payload
// with the shared secret, and an iat claim within the allowed window of
// now.
func ValidateJWT(token string, secret []byte, now time.Time) error {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("%w: algorithm %v", ErrInvalidToken, t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil || !parsed.Valid {
		return ErrInvalidToken
	}
	issued, ok := claims["iat"]
	if !ok {
		return ErrMissingIssued
	}
	var iat time.Time
	switch v := issued.(type) {
	case float64:
		iat = time.Unix(int64(v), 0)
	case int64:
		iat = time.Unix(v, 0)
	default:
		return ErrMissingIssued
	}
	drift := now.Sub(iat)
	if drift < 0 {
		drift = -drift
	}
	if drift > jwtIssuedAtWindow {
		return ErrStaleToken
	}
	return nil
}

// JWTMiddleware wraps a handler with bearer-token validation. Requests
// without an Authorization header are rejected.
func JWTMiddleware(secret []byte, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")
		if err := ValidateJWT(token, secret, time.Now()); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
