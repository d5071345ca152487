package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/atmx/vault-lending/internal/account"
)

type contextKey string

const callerKey contextKey = "vaultd.caller"

// Authenticator verifies HS256 bearer tokens. The subject claim is the
// caller's account id.
type Authenticator struct {
	secret []byte
	issuer string
	skew   time.Duration
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{
		secret: []byte(strings.TrimSpace(secret)),
		issuer: issuer,
		skew:   time.Minute,
	}
}

// Middleware rejects requests without a valid token and stores the caller
// in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extractBearer(r.Header.Get("Authorization"))
		if raw == "" {
			writeError(w, "missing bearer token", "", http.StatusUnauthorized)
			return
		}
		caller, err := a.Verify(raw)
		if err != nil {
			writeError(w, "invalid token", "", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, caller)))
	})
}

// Verify parses a token and returns its subject.
func (a *Authenticator) Verify(raw string) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("auth secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.skew),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token invalid")
	}
	if _, err := account.ParseUser(claims.Subject); err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// IssueToken signs a token for subject valid for ttl.
func IssueToken(secret, issuer, subject string, ttl time.Duration, now time.Time) (string, error) {
	if _, err := account.ParseUser(subject); err != nil {
		return "", err
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
}

// Caller returns the authenticated account of the request.
func Caller(ctx context.Context) string {
	v, _ := ctx.Value(callerKey).(string)
	return v
}

func extractBearer(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
