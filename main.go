package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"tradeloop-engine/internal/api"
	"tradeloop-engine/internal/config"
	"tradeloop-engine/internal/engine"
	"tradeloop-engine/internal/eventbus"
	"tradeloop-engine/internal/logger"
	"tradeloop-engine/internal/repository"
	"tradeloop-engine/internal/webhooks"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	cfg := config.Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			logrus.Fatalf("Failed to load config %s: %v", path, err)
		}
		cfg = loaded
	}
	cfg = config.FromEnv(cfg)

	logger.SetLoggerOptions(func(l *logrus.Logger) {
		l.SetFormatter(&logrus.JSONFormatter{})
		if os.Getenv("LOG_LEVEL") == "debug" {
			l.SetLevel(logrus.DebugLevel)
		}
	})
	log := logger.For(context.Background())

	log.Info("Initializing trade loop engine...")
	if cfg.DatabaseURL != "" {
		log.Infof("DB: %s", redactDatabaseURL(cfg.DatabaseURL))
	}
	log.Infof("API Port: %d", cfg.APIPort)
	log.Infof("Enumeration workers: %d", cfg.EnumWorkers)

	// 2. Dependencies
	var repo *repository.Repository
	if cfg.DatabaseURL != "" {
		var err error
		repo, err = repository.NewRepository(cfg.DatabaseURL)
		if err != nil {
			logrus.Fatalf("Failed to connect to DB: %v", err)
		}
		defer repo.Close()
	} else {
		log.Warn("DB_URL not set; running without snapshot persistence")
	}

	bus := eventbus.New()
	defer bus.Close()

	eng, err := engine.New(cfg, bus)
	if err != nil {
		logrus.Fatalf("Failed to initialize engine: %v", err)
	}
	defer eng.Close()

	// 3. Restore persisted tenants on boot.
	if repo != nil {
		bootCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		tenants, err := repo.ListTenants(bootCtx)
		if err != nil {
			log.WithError(err).Warn("listing persisted tenants failed")
		}
		for _, id := range tenants {
			data, err := repo.LoadLatest(bootCtx, id)
			if err != nil || data == nil {
				log.WithError(err).WithField("tenant", id).Warn("snapshot load failed")
				continue
			}
			if _, err := eng.RestoreTenant(bootCtx, data); err != nil {
				log.WithError(err).WithField("tenant", id).Warn("tenant restore failed")
			}
		}
		cancel()
	}

	// 4. Webhook delivery
	hooks := webhooks.NewStore(cfg.WebhookParkAfter)
	dispatcher := webhooks.NewDispatcher(hooks, bus, webhooks.DispatcherConfig{
		MaxAttempts: cfg.WebhookMaxAttempts,
		BackoffBase: cfg.WebhookBackoffBase,
		Timeout:     cfg.WebhookHTTPTimeout,
	})
	rootCtx, rootCancel := context.WithCancel(context.Background())
	dispatcher.Start(rootCtx)
	defer dispatcher.Stop()

	// 5. Periodic snapshot persister
	if repo != nil {
		go persistLoop(rootCtx, eng, repo)
	}

	// 6. API server
	api.BuildCommit = BuildCommit
	server := api.NewServer(eng, hooks, repo, bus, cfg)

	go func() {
		log.Infof("API server listening on :%d", cfg.APIPort)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("API server failed: %v", err)
		}
	}()

	// 7. Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down...")
	rootCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("API shutdown error")
	}

	// Final snapshot sweep so a clean restart resumes where we left off.
	if repo != nil {
		persistAll(shutdownCtx, eng, repo)
	}
	log.Info("Shutdown complete")
}

// persistLoop snapshots every tenant on an interval.
func persistLoop(ctx context.Context, eng *engine.Engine, repo *repository.Repository) {
	interval := 5 * time.Minute
	if v := os.Getenv("SNAPSHOT_INTERVAL_SEC"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil && d > 0 {
			interval = d
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			persistAll(ctx, eng, repo)
		}
	}
}

func persistAll(ctx context.Context, eng *engine.Engine, repo *repository.Repository) {
	log := logger.For(ctx)
	for _, id := range eng.Tenants() {
		data, err := eng.SerializeTenant(id)
		if err != nil {
			log.WithError(err).WithField("tenant", id).Warn("serialize failed")
			continue
		}
		st, err := eng.TenantStatus(id)
		if err != nil {
			continue
		}
		if err := repo.SaveSnapshot(ctx, id, st.Generation, data); err != nil {
			log.WithError(err).WithField("tenant", id).Warn("snapshot save failed")
			continue
		}
		if _, err := repo.PruneSnapshots(ctx, id, 5); err != nil {
			log.WithError(err).WithField("tenant", id).Warn("snapshot prune failed")
		}
	}
}

// redactDatabaseURL hides credentials when logging the DSN.
func redactDatabaseURL(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable dsn)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
