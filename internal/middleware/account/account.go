// Package account turns an authenticated request into a core.Caller: the
// user, the account they operate in and their timezone.
package account

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fintrack/internal/core"
	"fintrack/internal/log"
	"fintrack/internal/middleware/auth"
	"fintrack/internal/services"
)

const (
	// AccountHeader selects the active account. Absent means legacy
	// personal mode.
	AccountHeader = "X-Account-ID"
	// TimezoneHeader is an IANA zone name used for "today".
	TimezoneHeader = "X-Timezone"
)

type contextKey struct{}

// WithCaller returns ctx carrying caller.
func WithCaller(ctx context.Context, caller core.Caller) context.Context {
	return context.WithValue(ctx, contextKey{}, caller)
}

// CallerFrom returns the caller stored by the middleware.
func CallerFrom(ctx context.Context) (core.Caller, bool) {
	c, ok := ctx.Value(contextKey{}).(core.Caller)
	return c, ok
}

// Resolver validates the active account against the directory.
type Resolver struct {
	directory services.AccountDirectory
	location  *time.Location
	logger    *log.Logger
}

func NewResolver(directory services.AccountDirectory, defaultLocation *time.Location, logger *log.Logger) *Resolver {
	if defaultLocation == nil {
		defaultLocation = time.UTC
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Resolver{
		directory: directory,
		location:  defaultLocation,
		logger:    logger.WithComponent(log.ComponentAuth),
	}
}

// Resolve builds the caller for userID. An unknown account is ErrNotFound;
// an account the user does not belong to is ErrForbidden.
func (res *Resolver) Resolve(ctx context.Context, userID, accountID, timezone string) (core.Caller, error) {
	if userID == "" {
		return core.Caller{}, auth.ErrUnauthenticated
	}
	caller := core.Caller{UserID: userID, Location: res.location}

	if tz := strings.TrimSpace(timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return core.Caller{}, core.Invalid("timezone", fmt.Errorf("unknown zone %q: %w", tz, core.ErrValidation))
		}
		caller.Location = loc
	}

	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return caller, nil
	}

	acct, err := res.directory.GetAccount(ctx, accountID)
	if err != nil {
		return core.Caller{}, err
	}
	member, err := res.directory.IsMember(ctx, accountID, userID)
	if err != nil {
		return core.Caller{}, err
	}
	if !member {
		res.logger.WarnContext(ctx, "Account access denied",
			log.FieldUserID, userID,
			log.FieldAccountID, accountID)
		return core.Caller{}, fmt.Errorf("account %s: %w", accountID, core.ErrForbidden)
	}
	caller.ActiveAccount = &acct
	return caller, nil
}

// Middleware resolves the caller from the authenticated user and the
// account and timezone headers. It must run after auth.Middleware.
func (res *Resolver) Middleware(onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := res.Resolve(r.Context(),
				auth.UserID(r.Context()),
				r.Header.Get(AccountHeader),
				r.Header.Get(TimezoneHeader))
			if err != nil {
				if onError != nil {
					onError(w, r, err)
				} else {
					http.Error(w, err.Error(), statusFor(err))
				}
				return
			}

			ctx := WithCaller(r.Context(), caller)
			ctx = log.NewContext(ctx, log.FromContext(ctx).With(
				log.FieldUserID, caller.UserID,
				log.FieldAccountID, caller.ActiveAccountID()))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrForbidden):
		return http.StatusForbidden
	case core.IsValidation(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
