// Command fintrack serves the ledger API. "fintrack token <user> [ttl]"
// prints a signed bearer token for local use.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"fintrack/internal/adapters"
	"fintrack/internal/backend"
	"fintrack/internal/cache"
	"fintrack/internal/cli"
	"fintrack/internal/config"
	apphttp "fintrack/internal/http"
	"fintrack/internal/log"
	"fintrack/internal/middleware/account"
	"fintrack/internal/middleware/auth"
	"fintrack/internal/services"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := cli.LoadEnvFile(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg, err := cli.LoadAndValidateConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := cli.SetupLogger(cfg.LogLevel)

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := printToken(cfg, os.Args[2:]); err != nil {
			logger.Error("Failed to issue token", log.FieldError, err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Server exited with error", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}

func printToken(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: fintrack token <user> [ttl]")
	}
	ttl := 24 * time.Hour
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("parse ttl: %w", err)
		}
		ttl = d
	}
	token, err := auth.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer).Sign(args[0], ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, stop := cli.SignalContext(context.Background(), logger)
	defer stop()

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return fmt.Errorf("backend config: %w", err)
	}
	res, err := backend.NewFactory(logger).CreateBackend(ctx, backendCfg)
	if err != nil {
		return fmt.Errorf("create backend: %w", err)
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			logger.Error("Backend cleanup failed", log.FieldError, err)
		}
	}()

	caches := cache.NewManager(logger)
	directory := adapters.NewCachedAccountDirectory(res.Store, cfg.AccountCacheSize, cfg.AccountCacheTTL, logger)
	directory.Register(caches)
	caches.StartCleanup(cfg.AccountCacheTTL)
	defer caches.Stop()

	opts := []services.LedgerOption{services.WithPromoteOnHeadDelete(cfg.PromoteOnHeadDelete)}
	if res.Publisher != nil {
		opts = append(opts, services.WithPublisher(res.Publisher))
	}
	ledger := services.NewLedgerService(res.Store, logger, opts...)

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Ledger:            ledger,
		Auth:              auth.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, auth.WithLogger(logger)),
		Accounts:          account.NewResolver(directory, cfg.Location(), logger),
		Ready:             apphttp.ReadyFunc(res.Ready),
		RequestsPerMinute: cfg.RateLimitPerMinute,
		Logger:            logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting fintrack server",
			"port", cfg.Port,
			"backend", cfg.DataBackend,
			"events", res.Publisher != nil,
			log.FieldOperation, log.OpStartup)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		trace, limits, detection := srv.Metrics()
		logger.Info("Server metrics",
			"requests", trace.TotalRequests,
			"server_errors", trace.ServerErrors,
			"rate_limited", limits.TotalHits,
			"suspicious", detection.SuspiciousRequests)
		return nil
	})
	return g.Wait()
}
