package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/torii-auth/torii/internal/admission"
	"github.com/torii-auth/torii/internal/api"
	"github.com/torii-auth/torii/internal/audit"
	"github.com/torii-auth/torii/internal/config"
	"github.com/torii-auth/torii/internal/defense"
	"github.com/torii-auth/torii/internal/identity"
	"github.com/torii-auth/torii/internal/logging"
	"github.com/torii-auth/torii/internal/login"
	"github.com/torii-auth/torii/internal/metrics"
	"github.com/torii-auth/torii/internal/proof"
	"github.com/torii-auth/torii/internal/token"
	"github.com/torii-auth/torii/internal/workerpool"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the torii verification service",
	Long: `Start the torii verification service with the specified configuration.

Examples:
  # Start with default config
  torii serve

  # Start with specific config
  torii serve --config /etc/torii/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(&logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting torii",
		zap.String("version", Version),
		zap.String("config", cfgFile),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	identities, err := buildIdentityStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open identity store: %w", err)
	}
	defer identities.Close()

	counters, err := buildDefenseStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open defense store: %w", err)
	}
	defer counters.Close()

	pipeline := defense.NewPipeline(counters, defense.Config{
		Window:           cfg.Defense.Window,
		RiskElevated:     cfg.Defense.RiskElevated,
		RiskHigh:         cfg.Defense.RiskHigh,
		RiskCritical:     cfg.Defense.RiskCritical,
		CaptchaThreshold: cfg.Defense.CaptchaThreshold,
		CaptchaMode:      cfg.Defense.CaptchaMode,
		CaptchaVerifyURL: cfg.Defense.CaptchaVerifyURL,
		CaptchaSecret:    cfg.Defense.CaptchaSecret,
		DelayFree:        cfg.Defense.DelayFree,
		DelayBase:        cfg.Defense.DelayBase,
		DelayFactor:      cfg.Defense.DelayFactor,
		DelayMax:         cfg.Defense.DelayMax,
		AutoLock:         cfg.Defense.AutoLock,
		LockThreshold:    cfg.Defense.LockThreshold,
		FailMode:         cfg.Defense.FailMode,
	}, logger)

	sink, err := buildAuditSink(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit sink: %w", err)
	}
	emitter := audit.NewEmitter(sink, cfg.Audit.WriteTimeout, logger)
	defer emitter.Close()

	verifier, err := proof.NewVerifier(proof.Config{
		Backend:          cfg.Verifier.Backend,
		VerifyingKeyPath: cfg.Verifier.VerifyingKeyPath,
		KeyFormat:        cfg.Verifier.KeyFormat,
		MaxProofAge:      cfg.Verifier.MaxProofAge,
		ClockSkew:        cfg.Verifier.ClockSkew,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build proof verifier: %w", err)
	}

	pool := workerpool.New(logger, workerpool.Config{
		Workers:     cfg.Workers.Count,
		QueueSize:   cfg.Workers.QueueSize,
		TaskTimeout: cfg.Workers.TaskTimeout,
	})
	if err := pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	defer pool.Stop()

	controller := admission.NewController(cfg.Admission.MaxPerIdentity, logger)

	issuer, err := token.NewJWTIssuer(token.Config{
		Secret: cfg.Token.Secret,
		TTL:    cfg.Token.TTL,
		Issuer: cfg.Token.Issuer,
	})
	if err != nil {
		return fmt.Errorf("failed to build token issuer: %w", err)
	}

	var exporter *metrics.Exporter
	if cfg.Metrics.Enabled {
		exporter = metrics.NewExporter(metrics.Config{
			Enabled:     true,
			ListenAddr:  cfg.Metrics.Listen,
			MetricsPath: cfg.Metrics.Path,
		}, logger)
	}

	deps := login.Deps{
		Identities: identities,
		Verifier:   verifier,
		Pool:       pool,
		Admission:  controller,
		Defense:    pipeline,
		Audit:      emitter,
		Tokens:     issuer,
	}
	if exporter != nil {
		deps.Metrics = exporter
	}

	flow, err := login.NewFlow(deps, login.Config{
		WaitTimeout: cfg.Workers.WaitTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build login flow: %w", err)
	}

	statusSources := map[string]metrics.StatsSource{
		"pool":      pool,
		"admission": controller,
		"defense":   pipeline,
		"audit":     emitter,
		"flow":      flow,
	}

	server, err := api.NewServer(api.Config{
		Enabled:           true,
		ListenAddr:        cfg.Server.Listen,
		EnableTLS:         cfg.Server.EnableTLS,
		CertFile:          cfg.Server.CertFile,
		KeyFile:           cfg.Server.KeyFile,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		RateLimit:         cfg.Server.RateLimit,
		RateBurst:         cfg.Server.RateBurst,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		EnableEnroll:      cfg.Server.EnableEnroll,
		AdminToken:        cfg.Server.AdminToken,
	}, api.Deps{
		Flow:       flow,
		Identities: identities,
		Audit:      emitter,
		Metrics:    exporter,
		Status:     statusSources,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build api server: %w", err)
	}

	if exporter != nil {
		exporter.Watch("api", server)
		for name, source := range statusSources {
			exporter.Watch(name, source)
		}
		go exporter.Start(ctx)
	}

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start api server: %w", err)
	}

	logger.Info("torii started",
		zap.String("listen", cfg.Server.Listen),
		zap.String("verifier", cfg.Verifier.Backend),
		zap.Int("workers", cfg.Workers.Count),
	)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Starting graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown gracefully", zap.Error(err))
		return err
	}
	cancel()

	logger.Info("torii stopped")
	return nil
}

func buildIdentityStore(cfg *config.Config, logger *zap.Logger) (identity.Store, error) {
	var store identity.Store
	switch cfg.Identity.Store {
	case "memory":
		store = identity.NewMemStore()
	case "sqlite":
		s, err := identity.NewSQLStore("sqlite3", cfg.Identity.DSN, logger)
		if err != nil {
			return nil, err
		}
		store = s
	case "postgres":
		s, err := identity.NewSQLStore("postgres", cfg.Identity.DSN, logger)
		if err != nil {
			return nil, err
		}
		store = s
	case "redis":
		client, err := identity.DialRedis(cfg.Identity.Redis.Addr, cfg.Identity.Redis.Password, cfg.Identity.Redis.DB)
		if err != nil {
			return nil, err
		}
		store = identity.NewRedisStore(client, cfg.Identity.Redis.KeyPrefix, logger)
	default:
		return nil, fmt.Errorf("unknown identity store: %q", cfg.Identity.Store)
	}

	if cfg.Identity.CacheEnabled {
		cached, err := identity.NewCachedStore(store, cfg.Identity.CacheTTL, logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		return cached, nil
	}
	return store, nil
}

func buildDefenseStore(cfg *config.Config, logger *zap.Logger) (defense.CounterStore, error) {
	switch cfg.Defense.Store {
	case "memory":
		return defense.NewMemoryStore(), nil
	case "redis":
		client, err := defense.DialRedis(cfg.Defense.Redis.Addr, cfg.Defense.Redis.Password, cfg.Defense.Redis.DB)
		if err != nil {
			return nil, err
		}
		return defense.NewRedisStore(client, cfg.Defense.Redis.KeyPrefix, logger), nil
	default:
		return nil, fmt.Errorf("unknown defense store: %q", cfg.Defense.Store)
	}
}

func buildAuditSink(cfg *config.Config, logger *zap.Logger) (audit.Sink, error) {
	switch cfg.Audit.Sink {
	case "sql":
		return audit.NewSQLSink(cfg.Audit.Driver, cfg.Audit.DSN, logger)
	case "file":
		return audit.NewLogSink(cfg.Audit.File)
	default:
		return nil, fmt.Errorf("unknown audit sink: %q", cfg.Audit.Sink)
	}
}
