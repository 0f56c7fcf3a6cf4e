package rest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// generateTestKey creates a fresh 2048-bit RSA key pair for testing.
func generateTestKey(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return priv, &priv.PublicKey
}

// signToken creates a signed RS256 JWT with the given claims and private key.
func signToken(t *testing.T, priv *rsa.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// wrappedHandler is a trivial handler that records whether it was called.
func wrappedHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestJWTMiddleware_MissingHeader_Returns401(t *testing.T) {
	_, pub := generateTestKey(t)
	mw := JWTMiddleware(JWTConfig{PublicKey: pub})

	called := false
	h := mw(wrappedHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestJWTMiddleware_MalformedHeader_Returns401(t *testing.T) {
	_, pub := generateTestKey(t)
	mw := JWTMiddleware(JWTConfig{PublicKey: pub})

	called := false
	h := mw(wrappedHandler(&called))

	for _, bad := range []string{"Basic abc", "token-without-scheme", "Bearer"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", bad)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: expected 401, got %d", bad, rec.Code)
		}
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestJWTMiddleware_ExpiredToken_Returns401(t *testing.T) {
	priv, pub := generateTestKey(t)
	mw := JWTMiddleware(JWTConfig{PublicKey: pub})

	called := false
	h := mw(wrappedHandler(&called))

	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)), // already expired
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
	}
	tok := signToken(t, priv, claims)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestJWTMiddleware_WrongSigningKey_Returns401(t *testing.T) {
	priv, _ := generateTestKey(t) // signer
	_, pub2 := generateTestKey(t) // verifier, mismatched

	mw := JWTMiddleware(JWTConfig{PublicKey: pub2})

	called := false
	h := mw(wrappedHandler(&called))

	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	tok := signToken(t, priv, claims)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestJWTMiddleware_HS256Token_Returns401(t *testing.T) {
	_, pub := generateTestKey(t)
	mw := JWTMiddleware(JWTConfig{PublicKey: pub})

	called := false
	h := mw(wrappedHandler(&called))

	// Symmetric tokens must be rejected regardless of the key material.
	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for HS256 token, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestJWTMiddleware_WrongIssuer_Returns401(t *testing.T) {
	priv, pub := generateTestKey(t)
	mw := JWTMiddleware(JWTConfig{PublicKey: pub, Issuer: "vigil-auth"})

	called := false
	h := mw(wrappedHandler(&called))

	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		Issuer:    "someone-else",
	}
	tok := signToken(t, priv, claims)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong issuer, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestJWTMiddleware_WrongAudience_Returns401(t *testing.T) {
	priv, pub := generateTestKey(t)
	mw := JWTMiddleware(JWTConfig{PublicKey: pub, Audience: "vigild"})

	called := false
	h := mw(wrappedHandler(&called))

	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		Audience:  jwt.ClaimStrings{"other-service"},
	}
	tok := signToken(t, priv, claims)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong audience, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestJWTMiddleware_ValidToken_CallsNext(t *testing.T) {
	priv, pub := generateTestKey(t)
	mw := JWTMiddleware(JWTConfig{PublicKey: pub, Issuer: "vigil-auth", Audience: "vigild"})

	called := false
	h := mw(wrappedHandler(&called))

	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		Issuer:    "vigil-auth",
		Audience:  jwt.ClaimStrings{"vigild"},
		Subject:   "test-user",
	}
	tok := signToken(t, priv, claims)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !called {
		t.Error("next handler was not called for a valid token")
	}
}

func TestJWTMiddleware_ValidToken_StoresClaimsInContext(t *testing.T) {
	priv, pub := generateTestKey(t)
	mw := JWTMiddleware(JWTConfig{PublicKey: pub})

	var gotClaims *jwt.RegisteredClaims
	var gotOK bool
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, gotOK = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		Subject:   "user-42",
	}
	tok := signToken(t, priv, claims)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !gotOK || gotClaims == nil {
		t.Fatal("expected claims in context, got none")
	}
	if gotClaims.Subject != "user-42" {
		t.Errorf("expected subject=user-42, got %q", gotClaims.Subject)
	}
}

// TestClaimsFromContext_NoClaims verifies that the helper does not panic or
// return garbage when called on an unauthenticated context.
func TestClaimsFromContext_NoClaims(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if c, ok := ClaimsFromContext(req.Context()); ok || c != nil {
		t.Errorf("expected no claims, got %+v", c)
	}
}

// ---- ParseRSAPublicKey ------------------------------------------------------

func TestParseRSAPublicKey_PKIXPEM(t *testing.T) {
	_, pub := generateTestKey(t)
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	parsed, err := ParseRSAPublicKey(pemData)
	if err != nil {
		t.Fatalf("ParseRSAPublicKey: %v", err)
	}
	if parsed.N.Cmp(pub.N) != 0 || parsed.E != pub.E {
		t.Error("parsed key does not match original")
	}
}

func TestParseRSAPublicKey_InvalidPEM(t *testing.T) {
	if _, err := ParseRSAPublicKey([]byte("not a pem block")); err == nil {
		t.Error("expected error for invalid PEM data")
	}
}
