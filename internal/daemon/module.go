// Package daemon composes the cache core, the gateway ingestor and the
// control API into the long-running chatvaultd process.
package daemon

import (
	"context"
	"time"

	"github.com/pmaia/chatvault/internal/bus"
	"github.com/pmaia/chatvault/internal/cache"
	"github.com/pmaia/chatvault/internal/config"
	"github.com/pmaia/chatvault/internal/gateway"
	"github.com/pmaia/chatvault/internal/lock"
	"github.com/pmaia/chatvault/internal/logging"
	"github.com/pmaia/chatvault/internal/memcache"
	"github.com/pmaia/chatvault/internal/paths"
	"github.com/pmaia/chatvault/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved startup options passed to the fx module.
type Params struct {
	ConfigPath string
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideManager,
			provideGateway,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = paths.ConfigPath()
	}
	return config.Load(path)
}

func provideLogger() (*zap.Logger, error) {
	if err := paths.EnsureDirs(); err != nil {
		return nil, err
	}
	return logging.New(paths.LogPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring daemon lock", zap.String("path", paths.LockPath()))
	l, err := lock.Acquire(paths.LockPath())
	if err != nil {
		return nil, err
	}
	logger.Info("daemon lock acquired")
	return l, nil
}

// provideStore never fails the startup graph. If the store cannot be opened
// the daemon comes up with a disabled store and serves in-memory only.
func provideStore(logger *zap.Logger) *store.DB {
	return store.OpenOrDisabled(paths.DBPath(), logger)
}

func provideManager(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) *cache.Manager {
	return cache.NewManager(db, b, cache.Options{
		FlushTimeout: cfg.Session.FlushTimeout.Std(),
		Staleness:    cfg.Sync.Staleness.Std(),
		MinInterval:  cfg.Sync.MinInterval.Std(),
		Limits: memcache.Limits{
			GlobalCap:  cfg.Memory.GlobalCap,
			ChannelCap: cfg.Memory.ChannelCap,
		},
	}, logger)
}

// provideGateway returns nil when no gateway is configured; the daemon then
// only ingests through the control API.
func provideGateway(cfg *config.Config, mgr *cache.Manager, b *bus.Bus, logger *zap.Logger) *gateway.Client {
	if !cfg.Gateway.Enabled || cfg.Gateway.URL == "" {
		logger.Info("gateway disabled")
		return nil
	}
	return gateway.New(cfg.Gateway.URL, mgr, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, cfg *config.Config, mgr *cache.Manager, gw *gateway.Client, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control API server error", zap.Error(err))
				}
			}()

			if gw != nil {
				mgr.SetRefresher(gw)
				go gw.Run(runCtx)
			}

			go purgeLoop(runCtx, cfg, mgr, logger)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			if err := mgr.Flush(ctx); err != nil {
				logger.Warn("flush on shutdown timed out", zap.Error(err))
			}
			srv.Stop(ctx)
			if err := mgr.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// purgeLoop enqueues a retention purge on the configured interval. The purge
// runs through the serializer like any other write.
func purgeLoop(ctx context.Context, cfg *config.Config, mgr *cache.Manager, logger *zap.Logger) {
	interval := cfg.Store.PurgeInterval.Std()
	if interval <= 0 || cfg.Store.RetentionDays <= 0 {
		logger.Info("retention purge disabled")
		return
	}
	retention := time.Duration(cfg.Store.RetentionDays) * 24 * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("enqueuing retention purge", zap.Int("retention_days", cfg.Store.RetentionDays))
			mgr.Purge(retention)
		}
	}
}
