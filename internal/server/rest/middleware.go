// Package rest provides the HTTP REST API server for the vigild daemon.
// This file implements RS256 JWT bearer-token authentication middleware.
//
// # Authentication Flow
//
// All requests to protected routes must include an Authorization header:
//
//	Authorization: Bearer <compact-JWT>
//
// The middleware:
//  1. Extracts the Bearer token from the Authorization header.
//  2. Parses and validates the JWT — only RS256 is accepted.
//  3. Verifies the signature against the configured public key.
//  4. Checks that the token has not expired (exp claim).
//  5. Optionally validates the issuer (iss) and audience (aud) claims.
//  6. Injects the verified claims into the request context.
//
// On any failure the middleware responds with HTTP 401 and a JSON error body;
// it does NOT call the next handler.
//
// # Public-Key Format
//
// [ParseRSAPublicKey] accepts PEM-encoded keys in PKCS#1 ("RSA PUBLIC KEY"),
// PKIX ("PUBLIC KEY"), or certificate form.
package rest

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ─── Context key ─────────────────────────────────────────────────────────────

// contextKey is an unexported type used for context keys in this package to
// avoid collisions with keys defined in other packages.
type contextKey int

const claimsKey contextKey = 0

// ─── Public types ─────────────────────────────────────────────────────────────

// JWTConfig holds the configuration for [JWTMiddleware].
type JWTConfig struct {
	// PublicKey is the RSA public key used to verify RS256 JWT signatures.
	// Required.
	PublicKey *rsa.PublicKey

	// Issuer, if non-empty, is compared against the "iss" JWT claim.
	// A mismatch results in HTTP 401.
	Issuer string

	// Audience, if non-empty, must appear in the "aud" JWT claim.
	// A missing or non-matching audience results in HTTP 401.
	Audience string

	// Logger is used to record per-request authentication failures.
	// When nil, slog.Default() is used.
	Logger *slog.Logger
}

// ─── Context helpers ─────────────────────────────────────────────────────────

// ClaimsFromContext retrieves the verified claims injected by [JWTMiddleware].
// It returns (nil, false) when no claims are present (unauthenticated request
// or middleware not in the chain).
func ClaimsFromContext(ctx context.Context) (*jwt.RegisteredClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*jwt.RegisteredClaims)
	return c, ok
}

// ─── Public-key helper ───────────────────────────────────────────────────────

// ParseRSAPublicKey decodes a PEM block and parses an RSA public key.
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("jwt: parse public key: %w", err)
	}
	return key, nil
}

// ─── Middleware ───────────────────────────────────────────────────────────────

// JWTMiddleware returns a chi-compatible middleware that enforces RS256 JWT
// bearer-token authentication.
//
// On success the verified claims are stored in the request context (retrieve
// with [ClaimsFromContext]) and the request is forwarded to the next handler.
// On failure the response is HTTP 401 with a JSON error body; the next
// handler is never called.
func JWTMiddleware(cfg JWTConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	keyFunc := func(*jwt.Token) (any, error) {
		return cfg.PublicKey, nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, err := extractBearer(r)
			if err == nil {
				claims := &jwt.RegisteredClaims{}
				_, err = parser.ParseWithClaims(tokenStr, claims, keyFunc)
				if err == nil {
					ctx := context.WithValue(r.Context(), claimsKey, claims)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			logger.Warn("jwt: authentication failed",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("error", err.Error()),
			)
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

// ─── Internal helpers ─────────────────────────────────────────────────────────

// extractBearer parses the Authorization header and returns the compact JWT.
func extractBearer(r *http.Request) (string, error) {
	raw := r.Header.Get("Authorization")
	if !strings.HasPrefix(raw, "Bearer ") {
		return "", errors.New("missing or malformed Authorization header")
	}
	token := strings.TrimPrefix(raw, "Bearer ")
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}

// writeJSONError writes an HTTP error response with a JSON body.
// It sets the Content-Type header before writing the status code so that
// the header is included even when ResponseWriter buffers are flushed early.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := fmt.Sprintf(`{"error":%q}`, detail)
	_, _ = w.Write([]byte(body))
}
