// Package mw contains HTTP middleware for the fetch proxy.
package mw

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/alita/internal/auth"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// ClientClaimsKey is the context key for client claims.
	ClientClaimsKey ContextKey = "client_claims"
)

// Signed header names.
const (
	HeaderSignature = "X-Alita-Signature"
	HeaderTimestamp = "X-Alita-Timestamp"
	HeaderClientID  = "X-Alita-Client-ID"
	HeaderScopes    = "X-Alita-Scopes"
)

// maxClockSkew bounds how old a signed request may be.
const maxClockSkew = 5 * time.Minute

// ClientClaims identifies an authenticated caller from any auth source.
type ClientClaims struct {
	ClientID string
	Scopes   []string
}

// HasScope checks if the client has a scope. A trailing "_*" matches any
// scope with that prefix.
func (c *ClientClaims) HasScope(pattern string) bool {
	if c == nil || len(c.Scopes) == 0 {
		return false
	}

	if strings.HasSuffix(pattern, "_*") {
		prefix := strings.TrimSuffix(pattern, "*")
		for _, s := range c.Scopes {
			if strings.HasPrefix(s, prefix) {
				return true
			}
		}
		return false
	}

	for _, s := range c.Scopes {
		if s == pattern {
			return true
		}
	}
	return false
}

// GetClientClaims retrieves client claims from context.
func GetClientClaims(ctx context.Context) *ClientClaims {
	claims, _ := ctx.Value(ClientClaimsKey).(*ClientClaims)
	return claims
}

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	// Secret validates X-Alita-* signed headers. Required.
	Secret string

	// Verifier validates bearer tokens (optional).
	Verifier *auth.Verifier

	// RequiredScope must be granted when non-empty.
	RequiredScope string

	Logger *slog.Logger
}

// Auth returns authentication middleware that accepts:
// 1. Headers signed with the shared secret
// 2. HS256 bearer tokens (if Verifier is set)
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := validateSignedHeaders(r, cfg.Secret)
			if err != nil {
				if cfg.Logger != nil {
					cfg.Logger.Debug("signed header validation failed", "error", err)
				}
				writeAuthError(w, http.StatusUnauthorized, "invalid_signature", err.Error())
				return
			}

			if claims == nil && cfg.Verifier != nil {
				token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
				if token == "" {
					writeAuthError(w, http.StatusUnauthorized, "unauthorized", "missing authorization header")
					return
				}
				claims, err = validateToken(cfg.Verifier, token)
				if err != nil {
					if cfg.Logger != nil {
						cfg.Logger.Debug("JWT validation failed", "error", err)
					}
					writeAuthError(w, http.StatusUnauthorized, "invalid_token", "invalid token")
					return
				}
			}

			if claims == nil {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "missing credentials")
				return
			}

			if cfg.RequiredScope != "" && !claims.HasScope(cfg.RequiredScope) {
				writeAuthError(w, http.StatusForbidden, "scope_required", "missing scope "+cfg.RequiredScope)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ClientClaimsKey, claims)))
		})
	}
}

// Sign computes the signature for a signed-header request.
func Sign(secret, timestamp, clientID, scopes string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + ":" + clientID + ":" + scopes))
	return hex.EncodeToString(mac.Sum(nil))
}

// validateSignedHeaders validates the X-Alita-* headers. It returns nil
// claims and no error when the request is not using signed headers.
func validateSignedHeaders(r *http.Request, secret string) (*ClientClaims, error) {
	signature := r.Header.Get(HeaderSignature)
	timestamp := r.Header.Get(HeaderTimestamp)
	clientID := r.Header.Get(HeaderClientID)

	if signature == "" || timestamp == "" || clientID == "" {
		return nil, nil
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, ErrInvalidTimestamp
	}
	age := time.Since(time.Unix(ts, 0))
	if age > maxClockSkew || age < -maxClockSkew {
		return nil, ErrTimestampExpired
	}

	scopes := r.Header.Get(HeaderScopes)
	expected := Sign(secret, timestamp, clientID, scopes)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return nil, ErrInvalidSignature
	}

	return &ClientClaims{
		ClientID: clientID,
		Scopes:   splitScopes(scopes),
	}, nil
}

func splitScopes(s string) []string {
	var out []string
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		out = append(out, strings.TrimSpace(f))
	}
	return out
}

// validateToken validates a bearer token and converts it to ClientClaims.
func validateToken(verifier *auth.Verifier, tokenString string) (*ClientClaims, error) {
	claims, err := verifier.VerifyToken(tokenString)
	if err != nil {
		return nil, err
	}
	return &ClientClaims{
		ClientID: claims.Subject,
		Scopes:   claims.Scopes(),
	}, nil
}

func writeAuthError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"kind":    kind,
		"message": message,
	})
}

// Errors
var (
	ErrTimestampExpired = &AuthError{Message: "timestamp expired"}
	ErrInvalidTimestamp = &AuthError{Message: "invalid timestamp"}
	ErrInvalidSignature = &AuthError{Message: "invalid signature"}
)

// AuthError represents an authentication error.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}
