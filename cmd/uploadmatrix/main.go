// Package main provides the entry point for the upload orchestrator daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Averden/uploadmatrix/internal/breaker"
	"github.com/Averden/uploadmatrix/internal/browser"
	"github.com/Averden/uploadmatrix/internal/config"
	"github.com/Averden/uploadmatrix/internal/control"
	"github.com/Averden/uploadmatrix/internal/metrics"
	"github.com/Averden/uploadmatrix/internal/orchestrator"
	"github.com/Averden/uploadmatrix/internal/platform"
	"github.com/Averden/uploadmatrix/internal/policy"
	"github.com/Averden/uploadmatrix/internal/queue"
	"github.com/Averden/uploadmatrix/internal/ratelimit"
	"github.com/Averden/uploadmatrix/internal/recovery"
	"github.com/Averden/uploadmatrix/internal/security"
	"github.com/Averden/uploadmatrix/internal/selector"
	"github.com/Averden/uploadmatrix/internal/store"
	"github.com/Averden/uploadmatrix/internal/supervisor"
	"github.com/Averden/uploadmatrix/internal/worker"
	"github.com/Averden/uploadmatrix/pkg/version"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup logging first so validation warnings are visible
	setupLogging(cfg.LogLevel)

	// Validate configuration (invalid values are clamped with warnings)
	cfg.Validate()

	printBanner()

	if !cfg.HasEncryptionKey() {
		log.Fatal().Msg("ENCRYPTION_KEY is required (64 hex chars, 32 bytes)")
	}
	sealer, err := security.NewSealer(cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize credential sealer")
	}

	// System of record
	st, err := store.Open(cfg.DBPath, sealer)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("Failed to open store")
	}
	defer func() { _ = st.Close() }()

	// Queue / lease / rate state
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis is unreachable")
	}
	pingCancel()

	// Operational policy (optional file, hot-reloadable)
	policyMgr, err := policy.NewManager(cfg.PolicyPath, cfg.PolicyHotReload)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize policy manager")
	}
	defer func() { _ = policyMgr.Close() }()
	pol := policyMgr.Get()

	q := queue.New(rdb, queue.Config{
		ClaimLease:  cfg.ClaimLease,
		BackoffBase: cfg.QueueBackoffBase,
		BackoffCap:  cfg.QueueBackoffCap,
	})

	// Browser control plane
	ctrl := control.New(control.Config{
		BaseURL:     cfg.BrowserAPIURL,
		MaxRetries:  cfg.BrowserMaxRetries,
		RetryBase:   cfg.BrowserRetryBase,
		CallTimeout: cfg.BrowserCallTimeout,
	})
	pool := browser.NewPool(browser.Config{
		MaxSessions: cfg.MaxSessions,
		LeaseWait:   cfg.SessionLeaseWait,
		ProbeURL:    cfg.PlatformProbeURL,
	}, ctrl, ratelimit.NewControlLimiter(5, 5))

	// Selection, pacing, protection
	sel := selector.New(st, rdb, selector.Config{
		HealthThreshold: cfg.AccountHealthThreshold,
		LeaseTTL:        cfg.AccountLeaseTTL,
	})
	acctLimiter := ratelimit.NewAccountLimiter(rdb, pol.RateWindow, pol.RateBurst)
	breakers := breaker.NewRegistry(breaker.Settings{
		ConsecutiveFailures: cfg.BreakerFailureThreshold,
		MinVolume:           cfg.BreakerVolumeThreshold,
		Window:              cfg.BreakerWindow,
		ResetTimeout:        cfg.BreakerResetTimeout,
		ProbeSuccesses:      cfg.BreakerSuccessThreshold,
	})
	rec := recovery.New(st, pool)

	// Supervision and the public facade
	sup := supervisor.New(supervisor.Settings{
		ErrorRate:            cfg.AlertErrorRate,
		ConsecutiveThreshold: cfg.AlertConsecutiveThreshold,
		CriticalThreshold:    cfg.AlertCriticalThreshold,
	}, cfg.ShutdownTimeout)
	orch := orchestrator.New(orchestrator.Config{
		HealthThreshold: cfg.AccountHealthThreshold,
	}, st, q, pool, sup)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if err := orch.SyncPolicy(rootCtx, pol); err != nil {
		log.Warn().Err(err).Msg("Initial policy sync failed")
	}

	// Upload workers
	workers := worker.NewPool(worker.Config{
		Workers:       cfg.MaxConcurrentUploads,
		UploadTimeout: cfg.UploadTimeout,
	}, st, q, sel, pool, acctLimiter, breakers, rec,
		platform.New(platform.Config{}), orch.Report)
	workers.SetObserver(sup.Monitor)

	claimCtx, stopClaims := context.WithCancel(rootCtx)
	workCtx, stopWork := context.WithCancel(rootCtx)
	defer stopWork()
	defer stopClaims()

	drained := make(chan struct{})
	go func() {
		workers.Run(claimCtx, workCtx)
		close(drained)
	}()
	sup.Bind(stopClaims, stopWork, drained)

	// Background loops: delayed promotion + claim reaping, housekeeping,
	// policy-to-store sync.
	go q.Run(rootCtx)
	maint := supervisor.NewMaintenance(st, acctLimiter, cfg.RolloverLocation(), time.Hour)
	go maint.Run(rootCtx)
	go syncPolicyLoop(rootCtx, orch, policyMgr)

	// Metrics server
	var metricsServer *http.Server
	if cfg.PrometheusEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.PrometheusPort),
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Int("port", cfg.PrometheusPort).Msg("Prometheus metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	log.Info().
		Int("workers", cfg.MaxConcurrentUploads).
		Str("browser_api", cfg.BrowserAPIURL).
		Str("redis", cfg.RedisAddr).
		Bool("metrics_enabled", cfg.PrometheusEnabled).
		Msg("Upload orchestrator is running")

	// Wait for a signal or a supervisor-initiated shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down...")
	case <-sup.ShutdownRequested():
		log.Warn().Msg("Supervisor requested shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+10*time.Second)
	defer cancel()

	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Shutdown was forced")
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}

	if err := pool.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Browser pool close error")
	}

	rootCancel()
	log.Info().Msg("Shutdown complete")
}

// syncPolicyLoop pushes policy daily limits into the store after reloads.
func syncPolicyLoop(ctx context.Context, orch *orchestrator.Orchestrator, mgr *policy.Manager) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	var lastCount int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := mgr.Stats()
			if stats.ReloadCount == lastCount {
				continue
			}
			lastCount = stats.ReloadCount
			if err := orch.SyncPolicy(ctx, mgr.Get()); err != nil {
				log.Warn().Err(err).Msg("Policy sync failed")
			}
		}
	}
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
 _   _ _ __ | | ___   __ _  __| |  _ __ ___   __ _| |_ _ __(_)_  __
| | | | '_ \| |/ _ \ / _' |/ _' | | '_ ' _ \ / _' | __| '__| \ \/ /
| |_| | |_) | | (_) | (_| | (_| | | | | | | | (_| | |_| |  | |>  <
 \__,_| .__/|_|\___/ \__,_|\__,_| |_| |_| |_|\__,_|\__|_|  |_/_/\_\
      |_|
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting upload orchestrator")
}
