package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/launchpad/internal/app/migrate"
	httpx "github.com/splax/launchpad/internal/http"
	"github.com/splax/launchpad/internal/provider"
	"github.com/splax/launchpad/internal/provider/github"
	"github.com/splax/launchpad/internal/provider/vercel"
	"github.com/splax/launchpad/internal/ratelimit"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/repository/memory"
	"github.com/splax/launchpad/internal/repository/postgres"
	"github.com/splax/launchpad/internal/service/credentials"
	"github.com/splax/launchpad/internal/service/deploy"
	"github.com/splax/launchpad/internal/service/records"
	"github.com/splax/launchpad/internal/ws"
	"github.com/splax/launchpad/pkg/config"
	"github.com/splax/launchpad/pkg/logger"
)

type store interface {
	repository.DeploymentRepository
	repository.ConnectionRepository
}

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("launchpad-api", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		repo     store
		dbHealth func(context.Context) error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.StoreBackend)) {
	case "memory":
		log.Warn("using in-memory store, deployments are lost on restart")
		repo = memory.New()
	default:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		defer runner.Close()
		if err := runner.Ping(ctx); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		repo = postgres.New(pool)
		dbHealth = pool.Ping
	}

	backend := ratelimit.NewMemoryBackend()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisBackend, err := ratelimit.NewRedisBackend(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, falling back to memory", "error", err)
		} else {
			backend.Close()
			backend = redisBackend
		}
	}
	limiter := ratelimit.New(backend, log)

	// GitHub and Vercel calls share one outbound budget.
	providerClient := provider.NewHTTPClient(provider.NewLimiter(cfg.ProviderRPS), cfg.ProviderTimeout)
	sourceControl := github.NewFactory(cfg.GitHubAPIURL, providerClient)
	hosting := vercel.NewFactory(cfg.VercelAPIURL, cfg.VercelTeamID, providerClient)

	hub := ws.NewHub(log)
	defer hub.Close()

	recordSvc := records.New(repo, log,
		records.WithStaleAfter(cfg.StaleDeploymentAge),
		records.WithNotifier(hub),
	)
	resolver := credentials.New(repo, sourceControl, cfg.TokenEncryptionKey, log)

	taskCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()
	tasks := deploy.NewTasks(taskCtx, cfg.MaxPollers, log)

	deploySvc := deploy.New(recordSvc, resolver, limiter, sourceControl, hosting, tasks, log, deploy.Config{
		HostingDomain: cfg.HostingDomain,
		Framework:     cfg.VercelFramework,
		TemplateOrg:   cfg.GitHubTemplateOrg,
		RatePolicy:    ratelimit.Policy{Limit: cfg.DeployRateLimit, Window: cfg.DeployRateWindow},
		PollAttempts:  cfg.PollAttempts,
		PollInterval:  cfg.PollInterval,
	}, deploy.WithMetrics(deploy.NewMetrics(prometheus.DefaultRegisterer)))

	router := httpx.NewRouter(log, deploySvc, recordSvc, resolver, hub, limiter.Backend(), cfg.JWTSecret, dbHealth)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "store", cfg.StoreBackend, "environment", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		drainPollers(shutdownCtx, log, tasks, cancelTasks)
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// drainPollers lets in-flight pollers finish until ctx expires, then cancels them so each
// records its deployment as timed out.
func drainPollers(ctx context.Context, log *slog.Logger, tasks *deploy.Tasks, cancel context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("pollers still running at shutdown deadline, cancelling")
		cancel()
		<-done
	}
}
