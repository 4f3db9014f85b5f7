package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

type callerKey struct{}

// WithCaller returns a context carrying the authenticated account address.
func WithCaller(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, callerKey{}, addr)
}

// Caller returns the authenticated account address, if any.
func Caller(ctx context.Context) (string, bool) {
	addr, ok := ctx.Value(callerKey{}).(string)
	return addr, ok && addr != ""
}

// Authenticator issues and verifies HS256 bearer tokens whose subject is
// the caller's account address.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator creates an Authenticator. The secret must not be empty.
func NewAuthenticator(secret, issuer string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("auth: empty jwt secret")
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer}, nil
}

// Issue mints a token for address valid for ttl from now.
func (a *Authenticator) Issue(address string, ttl time.Duration, now time.Time) (string, error) {
	addr, err := domain.NormalizeAddress(address)
	if err != nil {
		return "", fmt.Errorf("auth: issue: %w", err)
	}
	claims := jwt.RegisteredClaims{
		Subject:   addr,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign: %w", err)
	}
	return tok, nil
}

// Verify checks a token and returns the normalized subject address.
func (a *Authenticator) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("auth: %w", err)
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return "", errors.New("auth: wrong issuer")
	}
	addr, err := domain.NormalizeAddress(claims.Subject)
	if err != nil {
		return "", fmt.Errorf("auth: subject: %w", err)
	}
	return addr, nil
}

// Require rejects requests without a valid bearer token and stores the
// caller address in the request context.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeUnauthorized(w, "missing authentication token")
			return
		}
		addr, err := a.Verify(token)
		if err != nil {
			writeUnauthorized(w, "invalid authentication token")
			return
		}
		noteCaller(r.Context(), addr)
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), addr)))
	})
}

// extractToken reads an Authorization: Bearer header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
