package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

type contextKey string

const callerKey contextKey = "secondlayer_caller"

// Caller identifies the authenticated account on a request. KeySet holds all
// key ids the account owns (active and rotated-out), so ownership checks
// survive key rotation. A nil KeySet denotes admin/dev mode.
type Caller struct {
	AccountID string
	KeyID     string
	KeySet    []string
	Admin     bool
}

func callerFromContext(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerKey).(*Caller)
	return c
}

// ScopeKeys returns the key set to filter owned resources by; nil for admin.
func (c *Caller) ScopeKeys() []string {
	if c == nil || c.Admin {
		return nil
	}
	return c.KeySet
}

// AccountResolver is the slice of the repository auth needs.
type AccountResolver interface {
	AccountForKeyHash(ctx context.Context, keyHash string) (accountID, keyID string, err error)
	KeySetForAccount(ctx context.Context, accountID string) ([]string, error)
}

type authMiddleware struct {
	resolver  AccountResolver
	jwtSecret []byte
	devMode   bool
}

func newAuthMiddleware(resolver AccountResolver, jwtSecret string, devMode bool) *authMiddleware {
	return &authMiddleware{
		resolver:  resolver,
		jwtSecret: []byte(jwtSecret),
		devMode:   devMode,
	}
}

// resolve authenticates a request via X-API-Key or a Bearer JWT whose sub is
// an account id.
func (a *authMiddleware) resolve(r *http.Request) (*Caller, error) {
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		hash := sha256.Sum256([]byte(apiKey))
		accountID, keyID, err := a.resolver.AccountForKeyHash(r.Context(), hex.EncodeToString(hash[:]))
		if err != nil {
			return nil, fmt.Errorf("API key lookup failed: %w", err)
		}
		if accountID == "" {
			return nil, fmt.Errorf("invalid API key")
		}
		keySet, err := a.resolver.KeySetForAccount(r.Context(), accountID)
		if err != nil {
			return nil, fmt.Errorf("key set lookup failed: %w", err)
		}
		return &Caller{AccountID: accountID, KeyID: keyID, KeySet: keySet}, nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if a.devMode {
			return &Caller{Admin: true}, nil
		}
		return nil, fmt.Errorf("missing X-API-Key or Authorization header")
	}

	tokenStr := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	token, err := jwtlib.Parse(tokenStr, func(token *jwtlib.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid JWT: %w", err)
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid JWT claims")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("JWT missing sub claim")
	}

	if admin, _ := claims["admin"].(bool); admin {
		return &Caller{AccountID: sub, Admin: true}, nil
	}

	keySet, err := a.resolver.KeySetForAccount(r.Context(), sub)
	if err != nil {
		return nil, fmt.Errorf("key set lookup failed: %w", err)
	}
	return &Caller{AccountID: sub, KeySet: keySet}, nil
}

func (a *authMiddleware) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS preflight terminates here. Resource handlers only ever run
		// with a resolved caller in the context.
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		caller, err := a.resolve(r)
		if err != nil {
			writeError(w, CodeAuthenticationError, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), callerKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
