package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/rai1001/chefos/admin"
	"github.com/rai1001/chefos/bridge/replay"
	"github.com/rai1001/chefos/config"
	"github.com/rai1001/chefos/models"
	"github.com/rai1001/chefos/observability/logging"
	"github.com/rai1001/chefos/server"
	"github.com/rai1001/chefos/server/middleware"
	"github.com/rai1001/chefos/store"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup("agent-bridged", cfg.Env, cfg.LogLevel)
	logger.Info("configuration loaded",
		"listen", cfg.Listen,
		"driver", cfg.Database.Driver,
		"admin_secret", logging.MaskValue(cfg.Admin.JWTSecret),
	)

	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.Database.DSN)
	default:
		dialector = sqlite.Open(cfg.Database.DSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	st := store.New(db, nil)
	guard, err := buildGuard(cfg, db, logger)
	if err != nil {
		log.Fatalf("replay store error: %v", err)
	}

	adminAPI := admin.New(admin.Config{
		JWTSecret: cfg.Admin.JWTSecret,
		Issuer:    cfg.Admin.Issuer,
		Audience:  cfg.Admin.Audience,
	}, db, logger)

	srv := server.New(server.Config{
		Store:   st,
		Guard:   guard,
		Logger:  logger,
		MaxSkew: cfg.Auth.MaxSkew,
		Admin:   adminAPI,
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		}, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: "agent-bridged",
			LogRequests: cfg.Observability.LogRequests,
			Enabled:     cfg.Observability.Metrics,
		}, logger),
	})

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  time.Minute,
	}
	logger.Info("starting agent bridge", "listen", cfg.Listen)
	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// buildGuard selects the replay backend from config. The database store is
// the default and the only one safe for multi-instance deployments; leveldb
// and memory serve single-node setups.
func buildGuard(cfg config.Config, db *gorm.DB, logger *slog.Logger) (replay.Guard, error) {
	switch cfg.Auth.NonceStore {
	case "leveldb":
		ls, err := replay.OpenLevelStore(cfg.Auth.NoncePath, cfg.Auth.NonceTTL)
		if err != nil {
			return nil, err
		}
		logger.Info("replay store", "backend", "leveldb", "path", cfg.Auth.NoncePath)
		return ls, nil
	case "memory":
		logger.Info("replay store", "backend", "memory")
		return replay.NewMemoryStore(cfg.Auth.NonceTTL, cfg.Auth.NonceCapacity), nil
	default:
		guard := replay.NewGormStore(db, cfg.Auth.NonceTTL)
		go pruneLoop(guard, cfg.Auth.NonceTTL, logger)
		logger.Info("replay store", "backend", "db")
		return guard, nil
	}
}

// pruneLoop sweeps expired nonce claims. Lookups already filter on expiry,
// so this only bounds table growth.
func pruneLoop(guard *replay.GormStore, ttl time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for now := range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := guard.Prune(ctx, now.Add(-ttl)); err != nil {
			logger.Warn("nonce prune failed", "err", err)
		}
		cancel()
	}
}
