// Package daemon composes the sync components into a per-session process.
package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/background"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/optimize"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/platform"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const connectTimeout = 5 * time.Second

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ConfigPath  string // empty = session.ConfigPath()
	LogLevel    string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			providePaths,
			provideLogger,
			provideLock,
			provideStore,
			provideBus,
			provideStateMachine,
			provideRemote,
			provideOptimizer,
			provideSyncEngine,
			provideRegistrar,
			provideNotifier,
			provideMonitor,
			provideSender,
			provideService,
			NewServer,
			NewMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.LoadOrDefault(path)
}

func providePaths(p Params) (session.Paths, error) {
	paths, err := session.For(p.SessionName)
	if err != nil {
		return session.Paths{}, err
	}
	if p.SocketPath != "" {
		paths.Socket = p.SocketPath
	}
	return paths, paths.Ensure()
}

func provideLogger(p Params, paths session.Paths) (*zap.Logger, error) {
	return logging.New(paths.Log, paths.Name, p.LogLevel)
}

func provideLock(paths session.Paths, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring session lock", zap.String("session", paths.Name))
	l, err := lock.Acquire(paths.Lock)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so the outbox is never opened by two daemons.
func provideStore(paths session.Paths, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(paths.DB)
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
	logger.Info("store initialized", zap.String("path", paths.DB))
	return db, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideRemote(cfg *config.Config, logger *zap.Logger) *remote.Client {
	return remote.NewClient(cfg.Server.BaseURL, cfg.Server.Timeout.Duration, logger)
}

func provideOptimizer(cfg *config.Config) *optimize.Optimizer {
	return optimize.New(cfg.Optimizer.Quality, cfg.Optimizer.MaxWidth, optimize.WithMaxPixels(cfg.Optimizer.MaxPixels))
}

func provideSyncEngine(cfg *config.Config, db *store.DB, rc *remote.Client, opt *optimize.Optimizer, b *bus.Bus, m *status.Machine, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, rc, opt, b, m, logger, intsync.WithQueueSize(cfg.Sync.QueueSize))
}

// provideRegistrar degrades to a broker-less registrar when RabbitMQ is not
// configured or unreachable.
func provideRegistrar(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) (*background.Registrar, error) {
	broker, err := background.NewBroker(cfg.Background.AMQPURL, cfg.Background.Queue)
	if err != nil {
		if !platform.IsUnsupported(err) {
			return nil, err
		}
		logger.Info("background sync unavailable", zap.Error(err))
	}
	return background.NewRegistrar(broker, db, b, cfg.Background.Delay.Duration, logger), nil
}

// provideNotifier attaches the Redis channel when one is reachable and owns
// closing it.
func provideNotifier(lc fx.Lifecycle, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *notify.Notifier {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	var channel notify.Channel
	rc, err := notify.NewRedisChannel(ctx, cfg.Broadcast.RedisURL, cfg.Broadcast.Channel)
	if err != nil {
		logger.Info("status broadcast is local only", zap.Error(err))
	} else {
		channel = rc
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error { return rc.Close() },
		})
	}
	return notify.NewNotifier(b, channel, logger)
}

func provideMonitor(cfg *config.Config, rc *remote.Client, engine *intsync.Engine, db *store.DB, m *status.Machine, b *bus.Bus, logger *zap.Logger) *connectivity.Monitor {
	mon := connectivity.NewMonitor(rc, engine, db, m, b, cfg.Sync.ProbeInterval.Duration, logger)
	if cfg.Sync.ActiveChat != "" {
		mon.SetActiveChat(cfg.Sync.ActiveChat)
	}
	return mon
}

func provideSender(cfg *config.Config, db *store.DB, engine *intsync.Engine, registrar *background.Registrar, m *status.Machine, b *bus.Bus, logger *zap.Logger) *outbox.Service {
	return outbox.NewService(db, engine, registrar, m, b, cfg.Sync.AutoSync, logger,
		outbox.WithMaxAttachmentBytes(cfg.Server.MaxAttachmentBytes))
}

func provideService(paths session.Paths, db *store.DB, engine *intsync.Engine, sender *outbox.Service, mon *connectivity.Monitor, registrar *background.Registrar, notifier *notify.Notifier, m *status.Machine, logger *zap.Logger) *api.Service {
	return api.NewService(api.Deps{
		Session:   paths.Name,
		DB:        db,
		Engine:    engine,
		Sender:    sender,
		Monitor:   mon,
		Registrar: registrar,
		Notifier:  notifier,
		Machine:   m,
		Logger:    logger,
	})
}

type lifecycleDeps struct {
	fx.In

	Server    *Server
	Metrics   *MetricsServer
	Lock      *lock.Lock
	DB        *store.DB
	Engine    *intsync.Engine
	Registrar *background.Registrar
	Notifier  *notify.Notifier
	Monitor   *connectivity.Monitor
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	// Background goroutines outlive OnStart's context.
	ctx, cancel := context.WithCancel(context.Background())
	logger := d.Logger

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The engine subscribes to background.* before the registrar delivers.
			d.Engine.Start(ctx)

			if err := d.Notifier.Start(ctx); err != nil {
				logger.Warn("status relay not started", zap.Error(err))
			}
			if err := d.Registrar.Start(ctx); err != nil {
				logger.Warn("background consumer not started", zap.Error(err))
			}

			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			d.Metrics.Start()

			// Probing last: coming online resumes pending chats.
			d.Monitor.Start(ctx)

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			d.Monitor.Stop()
			d.Server.Stop(stopCtx)
			d.Metrics.Stop(stopCtx)
			if err := d.Registrar.Close(); err != nil {
				logger.Warn("error closing background broker", zap.Error(err))
			}
			d.Notifier.Stop()
			d.Engine.Stop()
			cancel()

			if err := d.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
