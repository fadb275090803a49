package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/salient/internal/config"
	"github.com/gosuda/salient/internal/domain"
	"github.com/gosuda/salient/internal/knowledge"
	"github.com/gosuda/salient/internal/observe"
	"github.com/gosuda/salient/internal/profile"
	"github.com/gosuda/salient/internal/secrets"
	"github.com/gosuda/salient/internal/server"
	"github.com/gosuda/salient/internal/session"
	"github.com/gosuda/salient/internal/store/eventlog"
	"github.com/gosuda/salient/internal/store/postgres"
	redisstore "github.com/gosuda/salient/internal/store/redis"
	"github.com/gosuda/salient/internal/store/sqlite"
)

var version = "dev" //nolint:gochecknoglobals // set by -ldflags

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

// backend is the table layer chosen by SALIENT_DB_DRIVER.
type backend struct {
	events    domain.EventRepository
	snapshots domain.SnapshotRepository
	profiles  domain.ProfileRepository
	close     func()
}

func run() error {
	// Initialize structured logging from environment.
	logLevel := os.Getenv("SALIENT_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("SALIENT_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	provider, err := observe.InitProvider(observe.ProviderConfig{ServiceName: "salient", ServiceVersion: version})
	if err != nil {
		return err
	}
	defer func() {
		if shutdownErr := provider.Shutdown(context.Background()); shutdownErr != nil {
			log.Warn().Err(shutdownErr).Msg("metrics provider shutdown")
		}
	}()

	kms, err := secrets.NewLocalKMS(cfg.KMS.MasterKey, cfg.KMS.KeyID)
	if err != nil {
		return fmt.Errorf("kms: %w", err)
	}

	tables, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer tables.close()

	profiles := tables.profiles
	if cfg.Profiles.File != "" {
		fileSource, loadErr := profile.LoadFile(cfg.Profiles.File)
		if loadErr != nil {
			return loadErr
		}
		log.Info().Str("path", cfg.Profiles.File).Int("count", fileSource.Accounts()).Msg("loaded profile file")
		profiles = fileSource
	}

	// Redis carries settings invalidations between instances when configured.
	var bus profile.Broadcaster
	if cfg.Redis.Addr != "" {
		pubsub, redisErr := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if redisErr != nil {
			return redisErr
		}
		defer pubsub.Close()
		bus = redisstore.NewInvalidations(pubsub, cfg.Redis.Namespace)
	}

	resolver := profile.NewResolver(profiles, kms, bus)
	if bus != nil {
		go func() {
			if listenErr := resolver.Listen(ctx); listenErr != nil {
				log.Error().Err(listenErr).Msg("profile invalidation listener stopped")
			}
		}()
	}

	registry := knowledge.NewRegistry()
	if err := knowledge.RegisterBuiltins(registry); err != nil {
		return err
	}
	if cfg.Knowledge.ModuleDir != "" {
		n, loadErr := registry.LoadDir(domain.DefaultRemote.ID, cfg.Knowledge.ModuleDir, knowledge.BuiltinWorkers())
		if loadErr != nil {
			return loadErr
		}
		log.Info().Str("dir", cfg.Knowledge.ModuleDir).Int("count", n).Msg("loaded flow modules")
	}
	kbs := knowledge.NewCache(registry, resolver)

	store := eventlog.New(tables.events, tables.snapshots, kms, kbs, eventlog.Config{
		PageSize:     cfg.EventLog.PageSize,
		BatchSize:    cfg.EventLog.BatchSize,
		FlushRate:    cfg.EventLog.FlushRate,
		FlushBurst:   cfg.EventLog.FlushBurst,
		DrainTimeout: cfg.EventLog.DrainTimeout,
		Metrics:      provider.Metrics,
	})

	sessions := session.NewSessions(store, kbs, resolver, session.Config{
		IdleTimeout:        cfg.Sessions.IdleTimeout,
		CommandParallelism: cfg.Sessions.CommandParallelism,
		TaskParallelism:    cfg.Sessions.TaskParallelism,
		Metrics:            provider.Metrics,
	})

	// Create HTTP server with all routes wired.
	srv := server.New(ctx, cfg, sessions, provider.Metrics, provider.Handler())

	// Start server in background goroutine.
	go func() {
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
			cancel()
		}
	}()

	// Block until shutdown signal.
	<-ctx.Done()
	log.Info().Int("count", sessions.Len()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Sessions.ShutdownTimeout)
	defer shutdownCancel()

	// Stop intake first so no batch arrives after the dispatcher drains.
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warn().Err(shutdownErr).Msg("http shutdown incomplete")
	}
	if shutdownErr := sessions.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}

	log.Info().Msg("stopped")
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		if cfg.Database.MaxConns < 0 || cfg.Database.MaxConns > math.MaxInt32 {
			return nil, fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
		}
		pg, err := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
		if err != nil {
			return nil, err
		}
		migrateCtx, migrateCancel := context.WithTimeout(ctx, 30*time.Second)
		defer migrateCancel()
		if err := pg.Migrate(migrateCtx); err != nil {
			pg.Close()
			return nil, err
		}
		return &backend{events: pg.Events(), snapshots: pg.Snapshots(), profiles: pg.Profiles(), close: pg.Close}, nil

	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &backend{events: db, snapshots: db, profiles: db, close: func() {
			if closeErr := db.Close(); closeErr != nil {
				log.Warn().Err(closeErr).Msg("sqlite close")
			}
		}}, nil

	default:
		// An empty profile document: every account resolves to no profiles.
		empty, err := profile.LoadReader(strings.NewReader(""))
		if err != nil {
			return nil, err
		}
		return &backend{
			events:    eventlog.NewMemoryEvents(),
			snapshots: eventlog.NewMemorySnapshots(),
			profiles:  empty,
			close:     func() {},
		}, nil
	}
}
