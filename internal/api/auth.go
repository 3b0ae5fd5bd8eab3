package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"tradeloop-engine/internal/engine"
)

// authMiddleware guards the API two ways: admin routes need a JWT signed
// with the process admin secret; tenant routes accept either that admin
// token or the tenant's own API key. A tenant with no APIKeyHash is
// open, which keeps local development friction-free.
type authMiddleware struct {
	adminSecret []byte
	engine      *engine.Engine
}

func newAuthMiddleware(adminSecret string, eng *engine.Engine) *authMiddleware {
	return &authMiddleware{adminSecret: []byte(adminSecret), engine: eng}
}

// verifyAdminJWT parses the bearer token and checks the HMAC signature.
func (a *authMiddleware) verifyAdminJWT(r *http.Request) error {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return fmt.Errorf("missing Authorization header")
	}
	tokenStr := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	token, err := jwtlib.Parse(tokenStr, func(token *jwtlib.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.adminSecret, nil
	})
	if err != nil {
		return fmt.Errorf("invalid JWT: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid JWT")
	}
	return nil
}

func (a *authMiddleware) isAdmin(r *http.Request) bool {
	// No secret configured means admin auth is disabled (dev mode).
	if len(a.adminSecret) == 0 {
		return true
	}
	return a.verifyAdminJWT(r) == nil
}

// admin wraps a handler that requires operator credentials.
func (a *authMiddleware) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.isAdmin(r) {
			writeAPIError(w, http.StatusUnauthorized, "admin credentials required")
			return
		}
		next(w, r)
	}
}

// tenant wraps a handler scoped to the {tenant} path variable.
func (a *authMiddleware) tenant(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := mux.Vars(r)["tenant"]
		cfg, err := a.engine.TenantConfig(tenant)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if cfg.APIKeyHash != "" && !a.isAdmin(r) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				writeAPIError(w, http.StatusUnauthorized, "missing X-API-Key")
				return
			}
			hash := sha256.Sum256([]byte(key))
			keyHash := hex.EncodeToString(hash[:])
			if subtle.ConstantTimeCompare([]byte(keyHash), []byte(cfg.APIKeyHash)) != 1 {
				writeAPIError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
		}
		next(w, r)
	}
}
