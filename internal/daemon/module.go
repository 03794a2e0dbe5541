// Package daemon composes the writer process: exclusive lock, store, write
// path, change broker and reconciler, wired through fx.
package daemon

import (
	"context"

	"github.com/tretyn/commhist/internal/bus"
	"github.com/tretyn/commhist/internal/config"
	"github.com/tretyn/commhist/internal/identity"
	"github.com/tretyn/commhist/internal/ipc"
	"github.com/tretyn/commhist/internal/lock"
	"github.com/tretyn/commhist/internal/logging"
	"github.com/tretyn/commhist/internal/reconcile"
	"github.com/tretyn/commhist/internal/session"
	"github.com/tretyn/commhist/internal/store"
	"github.com/tretyn/commhist/internal/writer"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	DBPath      string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideRegistry,
			provideWriter,
			provideBroker,
			provideReconciler,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.ProfileName), p.ProfileName)
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		logger.Info("no usable config, using defaults", zap.Error(err))
		return &config.Config{}
	}
	return cfg
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideRegistry() *identity.Registry {
	return identity.NewRegistry()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring writer lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(session.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("writer lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.DBPath
	if dbPath == "" {
		dbPath = session.DBPath(p.ProfileName)
	}
	db, err := store.Open(dbPath, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideWriter(db *store.DB, b *bus.Bus, reg *identity.Registry, logger *zap.Logger) *writer.Writer {
	return writer.New(db, b, reg, logger)
}

func provideBroker(p Params, b *bus.Bus, logger *zap.Logger) (*ipc.Broker, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.ProfileName)
	}
	return ipc.NewBroker(socketPath, b, logger)
}

func provideReconciler(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) (*reconcile.Reconciler, error) {
	return reconcile.New(db, b, logger, cfg.ReconcileSchedule)
}

func registerLifecycle(lc fx.Lifecycle, broker *ipc.Broker, rec *reconcile.Reconciler, lk *lock.Lock, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := broker.Start(); err != nil {
					logger.Error("change broker error", zap.Error(err))
				}
			}()
			rec.Start()
			return nil
		},
		OnStop: func(_ context.Context) error {
			rec.Stop()
			broker.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
