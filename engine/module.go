// Package engine composes the sync engine's components into a runnable unit:
// cache store, merge engine, outbound queue and orchestrator, wired over the
// in-process bus with a profile lock held for the process lifetime.
package engine

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gcamora/chatsync/bus"
	"github.com/gcamora/chatsync/config"
	"github.com/gcamora/chatsync/lock"
	"github.com/gcamora/chatsync/logging"
	"github.com/gcamora/chatsync/orchestrator"
	"github.com/gcamora/chatsync/outbox"
	"github.com/gcamora/chatsync/remote"
	"github.com/gcamora/chatsync/store"
	syncpkg "github.com/gcamora/chatsync/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
// The remote adapter is injected by the embedding application; the engine is
// agnostic to which backend it talks to.
type Params struct {
	Profile string
	SelfID  string
	Adapter remote.Adapter
}

// Module returns the fx module for the engine, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideStore,
			provideAdapter,
			provideSyncEngine,
			provideReconciler,
			provideSender,
			provideOrchestrator,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(config.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(config.ConfigPath())
	if os.IsNotExist(err) {
		cfg = config.Default()
	} else if err != nil {
		return nil, err
	}
	logger.Info("config loaded",
		zap.Int("page_size", cfg.Sync.PageSize),
		zap.Int("dedup_window_ms", cfg.Sync.DedupWindowMS),
		zap.Int("retention_days", cfg.Sync.RetentionDays))
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := config.EnsureProfileDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(config.ProfileDir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := config.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideAdapter(p Params) remote.Adapter {
	return p.Adapter
}

func provideSyncEngine(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *syncpkg.Engine {
	return syncpkg.NewEngine(db, b, logger, p.SelfID, cfg.DedupWindow())
}

func provideReconciler(db *store.DB, b *bus.Bus, logger *zap.Logger) *syncpkg.Reconciler {
	return syncpkg.NewReconciler(db, b, logger)
}

func provideSender(db *store.DB, adapter remote.Adapter, rec *syncpkg.Reconciler, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, adapter, rec, b, logger)
}

func provideOrchestrator(p Params, db *store.DB, adapter remote.Adapter, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *orchestrator.Orchestrator {
	return orchestrator.New(db, adapter, b, logger, orchestrator.Params{
		SelfID:   p.SelfID,
		PageSize: cfg.Sync.PageSize,
	})
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, cfg *config.Config, eng *syncpkg.Engine, sender *outbox.Sender, orch *orchestrator.Orchestrator, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Merge engine first: it must be consuming remote batches before
			// any subscription attaches.
			eng.Start(context.Background())

			// Sender drains messages left pending by the previous run.
			sender.Start(context.Background())

			orch.Start(context.Background())

			if cfg.Sync.RetentionDays > 0 {
				go func() {
					n, err := db.DeleteMessagesOlderThan(cfg.Sync.RetentionDays)
					if err != nil {
						logger.Error("retention sweep failed", zap.Error(err))
						return
					}
					if n > 0 {
						logger.Info("retention sweep removed old messages", zap.Int64("rows", n))
					}
				}()
			}

			logger.Info("engine started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			orch.Stop()
			sender.Stop()
			eng.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
