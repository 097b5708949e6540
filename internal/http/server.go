package http

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"fintrack/internal/log"
	"fintrack/internal/middleware/account"
	"fintrack/internal/middleware/auth"
	"fintrack/internal/middleware/ratelimit"
	"fintrack/internal/middleware/security"
	"fintrack/internal/middleware/trace"
	"fintrack/internal/services"
)

// ReadyFunc reports whether the backing store can serve requests.
type ReadyFunc func(ctx context.Context) error

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Ledger   *services.LedgerService
	Auth     *auth.Authenticator
	Accounts *account.Resolver
	Ready    ReadyFunc
	// RequestsPerMinute per client IP; zero uses the limiter default.
	RequestsPerMinute int
	Logger            *log.Logger
}

type Server struct {
	http.Server
	ledger      *services.LedgerService
	ready       ReadyFunc
	logger      *log.Logger
	rateLimiter *ratelimit.Limiter
	tracer      *trace.Middleware
	detector    *security.Detector

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentHTTP)

	detector := security.NewDetector(logger)
	s := &Server{
		ledger:   deps.Ledger,
		ready:    deps.Ready,
		logger:   logger,
		detector: detector,
		tracer:   trace.NewMiddleware(logger, detector.ExtractClientIP),
		rateLimiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: deps.RequestsPerMinute,
			Logger:            logger,
		}),
	}

	api := chain(
		deps.Auth.Middleware(writeError),
		deps.Accounts.Middleware(writeError),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("POST /api/transactions", api(http.HandlerFunc(s.handleCreateTransaction)))
	mux.Handle("GET /api/transactions", api(http.HandlerFunc(s.handleListTransactions)))
	mux.Handle("GET /api/transactions/{id}", api(http.HandlerFunc(s.handleGetTransaction)))
	mux.Handle("PATCH /api/transactions/{id}", api(http.HandlerFunc(s.handleUpdateTransaction)))
	mux.Handle("DELETE /api/transactions/{id}", api(http.HandlerFunc(s.handleDeleteTransaction)))
	mux.Handle("GET /api/summary", api(http.HandlerFunc(s.handleSummary)))

	handler := chain(
		s.recoverer,
		s.tracer.Middleware,
		log.Middleware(logger, trace.FromRequest),
		security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware,
		detector.Middleware,
		s.rateLimiter.Middleware(detector.ExtractClientIP, func(w http.ResponseWriter, r *http.Request) {
			ErrorResponse(http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded, try again later").Write(w)
		}),
	)(mux)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// chain applies middleware so the first one listed runs outermost.
func chain(mw ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		for i := len(mw) - 1; i >= 0; i-- {
			h = mw[i](h)
		}
		return h
	}
}

// recoverer turns a handler panic into a 500.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.ErrorContext(r.Context(), "Panic recovered in HTTP handler",
					"panic", fmt.Sprint(rec),
					log.FieldPath, r.URL.Path,
					"stack", string(debug.Stack()))
				ErrorResponse(http.StatusInternalServerError, CodeInternal, "internal server error").Write(w)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Shutdown stops accepting requests, waits for in-flight ones and stops
// the rate limiter.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// Metrics returns request and rate limit counters.
func (s *Server) Metrics() (trace.Metrics, ratelimit.Metrics, security.DetectionMetrics) {
	return s.tracer.GetMetrics(), s.rateLimiter.GetMetrics(), s.detector.GetMetrics()
}
