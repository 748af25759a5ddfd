package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

type fakeResolver struct {
	keyHashes map[string][2]string // hash -> {accountID, keyID}
	keySets   map[string][]string
}

func (f *fakeResolver) AccountForKeyHash(ctx context.Context, keyHash string) (string, string, error) {
	if pair, ok := f.keyHashes[keyHash]; ok {
		return pair[0], pair[1], nil
	}
	return "", "", nil
}

func (f *fakeResolver) KeySetForAccount(ctx context.Context, accountID string) ([]string, error) {
	return f.keySets[accountID], nil
}

func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

func TestResolveAPIKey(t *testing.T) {
	resolver := &fakeResolver{
		keyHashes: map[string][2]string{
			hashKey("sk_live_abc"): {"acct_1", "key_1"},
		},
		keySets: map[string][]string{
			"acct_1": {"key_1", "key_0"},
		},
	}
	auth := newAuthMiddleware(resolver, "secret", false)

	r := httptest.NewRequest("GET", "/v1/streams", nil)
	r.Header.Set("X-API-Key", "sk_live_abc")

	caller, err := auth.resolve(r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if caller.AccountID != "acct_1" || caller.KeyID != "key_1" {
		t.Errorf("got account=%s key=%s", caller.AccountID, caller.KeyID)
	}
	if len(caller.KeySet) != 2 {
		t.Errorf("expected key set of 2, got %v", caller.KeySet)
	}
	if caller.Admin {
		t.Error("API key caller should not be admin")
	}
}

func TestResolveUnknownAPIKey(t *testing.T) {
	auth := newAuthMiddleware(&fakeResolver{}, "secret", false)

	r := httptest.NewRequest("GET", "/v1/streams", nil)
	r.Header.Set("X-API-Key", "sk_live_bogus")

	if _, err := auth.resolve(r); err == nil {
		t.Fatal("expected error for unknown API key")
	}
}

func TestResolveNoCredentials(t *testing.T) {
	auth := newAuthMiddleware(&fakeResolver{}, "secret", false)
	r := httptest.NewRequest("GET", "/v1/streams", nil)
	if _, err := auth.resolve(r); err == nil {
		t.Fatal("expected error without credentials")
	}
}

func TestResolveDevModeAdmin(t *testing.T) {
	auth := newAuthMiddleware(&fakeResolver{}, "secret", true)
	r := httptest.NewRequest("GET", "/v1/streams", nil)

	caller, err := auth.resolve(r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !caller.Admin {
		t.Error("dev mode without credentials should yield an admin caller")
	}
	if caller.ScopeKeys() != nil {
		t.Error("admin caller should have nil scope keys")
	}
}

func signJWT(t *testing.T, secret string, claims jwtlib.MapClaims) string {
	t.Helper()
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return s
}

func TestResolveJWT(t *testing.T) {
	resolver := &fakeResolver{
		keySets: map[string][]string{"acct_9": {"key_9"}},
	}
	auth := newAuthMiddleware(resolver, "topsecret", false)

	tok := signJWT(t, "topsecret", jwtlib.MapClaims{
		"sub": "acct_9",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	r := httptest.NewRequest("GET", "/v1/streams", nil)
	r.Header.Set("Authorization", "Bearer "+tok)

	caller, err := auth.resolve(r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if caller.AccountID != "acct_9" || caller.Admin {
		t.Errorf("got account=%s admin=%v", caller.AccountID, caller.Admin)
	}
	if got := caller.ScopeKeys(); len(got) != 1 || got[0] != "key_9" {
		t.Errorf("scope keys = %v", got)
	}
}

func TestResolveJWTAdminClaim(t *testing.T) {
	auth := newAuthMiddleware(&fakeResolver{}, "topsecret", false)

	tok := signJWT(t, "topsecret", jwtlib.MapClaims{
		"sub":   "acct_ops",
		"admin": true,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	r := httptest.NewRequest("GET", "/v1/streams", nil)
	r.Header.Set("Authorization", "Bearer "+tok)

	caller, err := auth.resolve(r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !caller.Admin {
		t.Error("admin claim should yield admin caller")
	}
	if caller.ScopeKeys() != nil {
		t.Error("admin caller should scope to all resources")
	}
}

func TestResolveJWTWrongSecret(t *testing.T) {
	auth := newAuthMiddleware(&fakeResolver{}, "topsecret", false)

	tok := signJWT(t, "someothersecret", jwtlib.MapClaims{
		"sub": "acct_9",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	r := httptest.NewRequest("GET", "/v1/streams", nil)
	r.Header.Set("Authorization", "Bearer "+tok)

	if _, err := auth.resolve(r); err == nil {
		t.Fatal("expected error for JWT signed with the wrong secret")
	}
}

func TestResolveJWTExpired(t *testing.T) {
	auth := newAuthMiddleware(&fakeResolver{}, "topsecret", false)

	tok := signJWT(t, "topsecret", jwtlib.MapClaims{
		"sub": "acct_9",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	r := httptest.NewRequest("GET", "/v1/streams", nil)
	r.Header.Set("Authorization", "Bearer "+tok)

	if _, err := auth.resolve(r); err == nil {
		t.Fatal("expected error for expired JWT")
	}
}

func TestMiddlewareAnswersPreflightWithoutHandler(t *testing.T) {
	auth := newAuthMiddleware(&fakeResolver{}, "secret", false)

	invoked := false
	h := auth.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		invoked = true
	}))

	r := httptest.NewRequest("OPTIONS", "/v1/streams", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("preflight response missing CORS headers")
	}
	if invoked {
		t.Error("resource handler ran for an unauthenticated preflight")
	}
}

func TestMiddlewareRejectsUnauthenticated(t *testing.T) {
	auth := newAuthMiddleware(&fakeResolver{}, "secret", false)

	invoked := false
	h := auth.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		invoked = true
	}))

	r := httptest.NewRequest("GET", "/v1/streams", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if invoked {
		t.Error("resource handler ran without a resolved caller")
	}
}

func TestMiddlewareSetsCaller(t *testing.T) {
	resolver := &fakeResolver{
		keyHashes: map[string][2]string{
			hashKey("sk_live_abc"): {"acct_1", "key_1"},
		},
		keySets: map[string][]string{"acct_1": {"key_1"}},
	}
	auth := newAuthMiddleware(resolver, "secret", false)

	var got *Caller
	h := auth.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = callerFromContext(r.Context())
	}))

	r := httptest.NewRequest("GET", "/v1/streams", nil)
	r.Header.Set("X-API-Key", "sk_live_abc")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if got == nil || got.AccountID != "acct_1" || got.KeyID != "key_1" {
		t.Errorf("caller in context = %+v", got)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:3456"
	if got := clientIP(r); got != "10.0.0.1" {
		t.Errorf("remote addr: got %q", got)
	}

	r.Header.Set("X-Real-IP", "203.0.113.7")
	if got := clientIP(r); got != "203.0.113.7" {
		t.Errorf("x-real-ip: got %q", got)
	}

	r.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.1")
	if got := clientIP(r); got != "198.51.100.4" {
		t.Errorf("x-forwarded-for: got %q", got)
	}
}

func TestIPLimiterThrottles(t *testing.T) {
	l := newIPLimiter(1, 2)

	if !l.allow("1.2.3.4") || !l.allow("1.2.3.4") {
		t.Fatal("burst of 2 should be allowed")
	}
	if l.allow("1.2.3.4") {
		t.Error("third immediate request should be rejected")
	}
	// A different IP gets its own bucket.
	if !l.allow("5.6.7.8") {
		t.Error("separate IP should not share the bucket")
	}
}
