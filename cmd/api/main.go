package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/punchamoorthee/clipledger/internal/api"
	"github.com/punchamoorthee/clipledger/internal/config"
	"github.com/punchamoorthee/clipledger/internal/idempotency"
	"github.com/punchamoorthee/clipledger/internal/logging"
	"github.com/punchamoorthee/clipledger/internal/migrator"
	"github.com/punchamoorthee/clipledger/internal/objectstore"
	"github.com/punchamoorthee/clipledger/internal/pricing"
	"github.com/punchamoorthee/clipledger/internal/provider"
	"github.com/punchamoorthee/clipledger/internal/service"
	"github.com/punchamoorthee/clipledger/internal/store"
	"github.com/punchamoorthee/clipledger/internal/store/litestore"
)

// repository is what either SQL backend provides.
type repository interface {
	service.Repository
	service.IdempotencyStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if err := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile}); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Layers
	repo, closeRepo, err := openRepository(ctx, cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to open database: %v", err)
	}
	defer closeRepo()

	var idem service.IdempotencyStore = repo
	if cfg.RedisAddr != "" {
		rs, err := idempotency.NewRedisStore(ctx, cfg.RedisAddr)
		if err != nil {
			log.Fatalf("Unable to connect to redis: %v", err)
		}
		defer rs.Close()
		idem = rs
		log.WithField("addr", cfg.RedisAddr).Info("idempotency records stored in redis")
	}

	catalog := pricing.Default()
	if cfg.PricingFile != "" {
		if catalog, err = pricing.LoadFile(cfg.PricingFile); err != nil {
			log.Fatalf("Unable to load pricing catalog: %v", err)
		}
	}

	var adapter provider.Adapter
	switch cfg.ProviderKind {
	case "http":
		adapter = provider.NewHTTPAdapter(provider.HTTPConfig{
			Name:    "http",
			BaseURL: cfg.ProviderBaseURL,
			APIKey:  cfg.ProviderAPIKey,
			Timeout: cfg.ProviderTimeout,
		})
	default:
		adapter = provider.NewMock()
		log.Warn("using the mock video provider")
	}

	objects, err := objectstore.NewFS(cfg.StorageDir, cfg.StoragePublicURL)
	if err != nil {
		log.Fatal(err)
	}
	mig := migrator.New(objects,
		migrator.WithTimeout(cfg.MigrationTimeout),
		migrator.WithMaxBytes(cfg.MigrationMaxBytes),
	)

	orch := service.NewOrchestrator(service.Deps{
		Repo:        repo,
		Idempotency: idem,
		Provider:    adapter,
		Catalog:     catalog,
		Migrator:    mig,
		Objects:     objects,
	}, service.Options{
		ProviderTimeout:  cfg.ProviderTimeout,
		IdempotencyTTL:   cfg.IdempotencyTTL,
		MaxProcessingAge: cfg.MaxProcessingAge,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(api.NewHandler(orch), objects.Root()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("graceful shutdown failed")
		}
	}()

	log.WithFields(log.Fields{
		"port":     cfg.Port,
		"env":      cfg.Env,
		"provider": adapter.Name(),
	}).Info("Server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	log.Info("Server stopped")
}

func openRepository(ctx context.Context, dsn string) (repository, func(), error) {
	dialect, err := store.DetectDialect(dsn)
	if err != nil {
		return nil, nil, err
	}
	if dialect == store.DialectSQLite {
		s, err := litestore.Open(dsn)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using embedded sqlite store")
		return s, func() { _ = s.Close() }, nil
	}

	s, err := store.NewStore(dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, nil, err
	}
	return s, s.Close, nil
}
