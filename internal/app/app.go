// Package app builds the long-lived services from configuration and owns their
// shutdown order.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/config"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/engine"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/linkcheck"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/publisher/pubsub"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/storage"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/storage/gcs"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/storage/local"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/storage/memory"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/storage/postgres"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/store"
)

type closer interface {
	Close() error
}

// App holds the engine and the optional collaborators it was built with.
type App struct {
	Engine  *engine.Engine
	Checker *linkcheck.Checker

	logger  *zap.Logger
	closers []namedCloser
}

type namedCloser struct {
	name string
	c    closer
}

// New initializes every service named by cfg and fails fast when one cannot
// start. The schema is bootstrapped before New returns.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{logger: logger}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	opts := []engine.Option{engine.WithLogger(logger)}

	archive, err := a.openArchive(ctx, cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	if archive != nil {
		opts = append(opts, engine.WithArchive(archive, cfg.Archive.Prefix))
	}

	publisher, err := a.openPublisher(ctx, cfg, logger)
	if err != nil {
		a.closeAll()
		st.Close()
		return nil, err
	}
	if publisher != nil {
		opts = append(opts, engine.WithPublisher(publisher, cfg.PubSub.TopicName))
	}

	eng, err := engine.New(st, opts...)
	if err != nil {
		a.closeAll()
		st.Close()
		return nil, fmt.Errorf("build engine: %w", err)
	}
	a.Engine = eng

	if err := eng.EnsureSchema(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	if cfg.LinkCheck.Enabled {
		a.Checker = linkcheck.New(linkcheck.Config{
			UserAgent:   cfg.LinkCheck.UserAgent,
			Timeout:     cfg.LinkCheckTimeout(),
			Parallelism: cfg.LinkCheck.Parallelism,
		}, logger)
	}

	logger.Info("services initialized",
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("archive", cfg.Archive.Backend),
		zap.Bool("pubsub", publisher != nil),
		zap.Bool("linkcheck", a.Checker != nil),
	)
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.DB.Driver {
	case "memory":
		logger.Info("using in-memory store; data is lost on exit")
		return memory.NewStore(), nil
	case "postgres":
		logger.Info("connecting to postgres",
			zap.String("host", cfg.DB.Host),
			zap.Int("port", cfg.DB.Port),
			zap.String("database", cfg.DB.Database),
		)
		st, err := postgres.New(ctx, postgres.Config{
			Host:            cfg.DB.Host,
			Port:            cfg.DB.Port,
			User:            cfg.DB.User,
			Password:        cfg.DB.Password,
			Database:        cfg.DB.Database,
			Charset:         cfg.DB.Charset,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
			SchemaFile:      cfg.DB.SchemaFile,
		}, postgres.WithLogger(logger.Named("postgres")))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown db driver: %s", cfg.DB.Driver)
	}
}

func (a *App) openArchive(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.BlobStore, error) {
	switch cfg.Archive.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		return memory.NewBlobStore(), nil
	case "local":
		bs, err := local.New(local.Config{BaseDir: cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("open local archive: %w", err)
		}
		return bs, nil
	case "gcs":
		// Prefix is applied by the engine so paths match across backends.
		bs, err := gcs.Dial(ctx, gcs.Config{Bucket: cfg.Archive.Bucket}, logger)
		if err != nil {
			return nil, fmt.Errorf("open gcs archive: %w", err)
		}
		a.closers = append(a.closers, namedCloser{name: "gcs archive", c: bs})
		return bs, nil
	default:
		return nil, fmt.Errorf("unknown archive backend: %s", cfg.Archive.Backend)
	}
}

func (a *App) openPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (engine.Publisher, error) {
	if cfg.PubSub.TopicName == "" {
		return nil, nil
	}
	pub, err := pubsub.Dial(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName, logger)
	if err != nil {
		return nil, fmt.Errorf("open pubsub publisher: %w", err)
	}
	a.closers = append(a.closers, namedCloser{name: "pubsub publisher", c: pub})
	return pub, nil
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].c.Close(); err != nil {
			a.logger.Warn("close failed", zap.String("service", a.closers[i].name), zap.Error(err))
		}
	}
	a.closers = nil
}

// Close shuts down services in reverse start order and flushes the logger.
func (a *App) Close() {
	a.logger.Info("shutting down services")
	a.closeAll()
	if a.Engine != nil {
		a.Engine.Close()
	}
	// Sync errors on stderr/stdout are expected on some platforms.
	_ = a.logger.Sync()
}
