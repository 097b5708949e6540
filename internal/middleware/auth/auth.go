// Package auth authenticates API callers with HS256 bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"fintrack/internal/log"
)

// ErrUnauthenticated means the request carried no usable bearer token.
var ErrUnauthenticated = errors.New("unauthenticated")

type contextKey struct{}

// WithUserID returns ctx carrying the authenticated user ID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserID returns the authenticated user ID, or "".
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Authenticator signs and validates user tokens.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
	logger *log.Logger
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// WithLogger sets the logger for rejected tokens.
func WithLogger(l *log.Logger) Option {
	return func(a *Authenticator) { a.logger = l.WithComponent(log.ComponentAuth) }
}

// NewAuthenticator accepts tokens signed with secret. A non-empty issuer
// must match the iss claim.
func NewAuthenticator(secret, issuer string, opts ...Option) *Authenticator {
	a := &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
		logger: log.Discard(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Sign issues a token for userID valid for ttl.
func (a *Authenticator) Sign(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("sign token: empty user ID")
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   userID,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate returns the subject of a valid token.
func (a *Authenticator) Validate(tokenString string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// Middleware requires a valid bearer token and stores its subject in the
// request context. Failures go to onError with an ErrUnauthenticated wrap.
func (a *Authenticator) Middleware(onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(tokenString) == "" {
				a.reject(w, r, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated), onError)
				return
			}

			userID, err := a.Validate(strings.TrimSpace(tokenString))
			if err != nil {
				a.logger.WarnContext(r.Context(), "Rejected bearer token", log.FieldPath, r.URL.Path, log.FieldError, err)
				a.reject(w, r, err, onError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func (a *Authenticator) reject(w http.ResponseWriter, r *http.Request, err error, onError func(http.ResponseWriter, *http.Request, error)) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	if onError != nil {
		onError(w, r, err)
		return
	}
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
