// Package middleware carries the HTTP edge concerns: authentication, rate
// limiting, and trace propagation.
package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	apperrors "licensor/internal/errors"
)

// APIKeyAuth gates client endpoints on the X-Api-Key header. The key is
// held as a bcrypt hash so the comparison never touches the plaintext.
type APIKeyAuth struct {
	hash []byte
}

// NewAPIKeyAuth hashes apiKey for later comparison.
func NewAPIKeyAuth(apiKey string) (*APIKeyAuth, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash api key: %w", err)
	}
	return &APIKeyAuth{hash: hash}, nil
}

// Handler rejects requests whose X-Api-Key does not match.
func (a *APIKeyAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Api-Key")
		if key == "" || bcrypt.CompareHashAndPassword(a.hash, []byte(key)) != nil {
			unauthorized(w, r, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// JWTAuth gates vendor-admin endpoints on a signed bearer token.
type JWTAuth struct {
	secret []byte
	issuer string
}

// NewJWTAuth builds a validator for HS256 tokens minted with secret.
func NewJWTAuth(secret, issuer string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret), issuer: issuer}
}

// Handler rejects requests without a valid bearer token.
func (a *JWTAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			unauthorized(w, r, "missing bearer token")
			return
		}
		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return a.secret, nil
		}, jwt.WithIssuer(a.issuer), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			unauthorized(w, r, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IssueToken mints an admin token, used by the CLI and tests.
func (a *JWTAuth) IssueToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func unauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	problem := apperrors.NewProblemDetails(http.StatusUnauthorized,
		"about:blank", "Unauthorized", detail, r.URL.Path).
		WithExtension("trace_id", middleware.GetReqID(r.Context()))
	render.Status(r, http.StatusUnauthorized)
	render.Render(w, r, problem)
}
