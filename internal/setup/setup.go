// Package setup assembles the application: configuration, logging, storage,
// the calculation engine and the HTTP server.
package setup

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/practice-measure-engine/internal/api"
	"github.com/practice-measure-engine/internal/config"
	"github.com/practice-measure-engine/internal/database"
	"github.com/practice-measure-engine/internal/domain"
	"github.com/practice-measure-engine/internal/engine"
	"github.com/practice-measure-engine/internal/repository"
)

// App holds the wired application and everything that must be released on
// shutdown.
type App struct {
	Config *domain.Config
	Logger *logrus.Logger
	Server *api.Server
	Engine *engine.Engine

	closers []func() error
}

// NewApp loads configuration and wires every component. The measure catalog
// always lives in PostgreSQL alongside the practice-management schema; the
// measurement store follows database.driver, so single-site deployments can
// keep observations in an embedded SQLite file.
func NewApp(ctx context.Context) (*App, error) {
	manager, err := config.NewManager()
	if err != nil {
		return nil, err
	}
	if err := manager.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	cfg := manager.GetConfig()

	logger := newLogger(cfg.Logging)

	app := &App{Config: cfg, Logger: logger}

	db, err := database.NewConnection(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	app.closers = append(app.closers, func() error {
		db.Close()
		return nil
	})

	databaseURL := database.ConnectionURL(cfg.Database)
	migrations, err := database.NewMigrationRunner(databaseURL, cfg.Database.MigrationsPath, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("preparing migrations: %w", err)
	}
	if err := migrations.Up(); err != nil {
		migrations.Close()
		app.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}
	migrations.Close()

	catalog := repository.NewCatalogRepository(db.Pool, logger)

	store, err := app.newMeasurementStore(cfg, databaseURL)
	if err != nil {
		app.Close()
		return nil, err
	}

	var redisClient *redis.Client
	if cfg.Cache.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("parsing redis URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		app.closers = append(app.closers, redisClient.Close)
	}

	cache := engine.NewDefinitionCache(catalog, redisClient, engine.CacheOptions{
		TTL:                 cfg.Cache.DefinitionTTL,
		MaxEntries:          cfg.Cache.MaxEntries,
		RedisTTL:            cfg.Cache.RedisTTL,
		BreakerMaxFailures:  cfg.Engine.BreakerMaxFailures,
		BreakerOpenInterval: cfg.Engine.BreakerOpenInterval,
	}, logger)

	app.Engine = engine.New(catalog, store, cache, cfg.Engine, logger)
	app.Server = api.NewServer(cfg, app.Engine, catalog, store, db.Health, logger)

	return app, nil
}

// newMeasurementStore creates the measurement store for the configured driver.
func (a *App) newMeasurementStore(cfg *domain.Config, databaseURL string) (domain.MeasurementStore, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		store, err := repository.NewSQLiteMeasurementStore(cfg.Database.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite measurement store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.Logger.WithField("path", cfg.Database.SQLitePath).Info("Using embedded SQLite measurement store")
		return store, nil
	case "postgres":
		store, err := repository.NewPostgresMeasurementStoreFromURL(databaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening postgres measurement store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

// Close releases every resource in reverse acquisition order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.WithError(err).Warn("Shutdown cleanup failed")
		}
	}
	a.closers = nil
}

// newLogger builds the application logger from the logging configuration.
func newLogger(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	var out io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}
	logger.SetOutput(out)

	return logger
}
