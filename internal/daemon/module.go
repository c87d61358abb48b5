package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/worldchat/internal/api"
	"github.com/matheus3301/worldchat/internal/bus"
	"github.com/matheus3301/worldchat/internal/config"
	"github.com/matheus3301/worldchat/internal/lock"
	"github.com/matheus3301/worldchat/internal/logging"
	"github.com/matheus3301/worldchat/internal/media"
	"github.com/matheus3301/worldchat/internal/outbox"
	"github.com/matheus3301/worldchat/internal/remote"
	"github.com/matheus3301/worldchat/internal/session"
	"github.com/matheus3301/worldchat/internal/status"
	"github.com/matheus3301/worldchat/internal/store"
	intsync "github.com/matheus3301/worldchat/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	Debug       bool
	// Config overrides ~/.worldchat/config.toml when set.
	Config *config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemote,
			provideUploader,
			provideQueue,
			provideOrchestrator,
			provideScheduler,
			provideChatService,
			provideSyncService,
			NewServer,
			NewAdminServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOrDefault(session.ConfigPath()); err != nil {
			return nil, err
		}
	}
	if cfg.UserID == "" {
		c := *cfg
		c.UserID = p.SessionName
		cfg = &c
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is only opened by its owner.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideRemote(cfg *config.Config, machine *status.Machine, logger *zap.Logger) *remote.WSClient {
	return remote.NewWSClient(remote.WSOptions{
		URL:            cfg.Remote.URL,
		DialTimeout:    cfg.Remote.DialTimeout.Std(),
		RequestTimeout: cfg.Remote.PublishTimeout.Std(),
		OnState:        machine.Observe,
	}, logger.Named("remote"))
}

func provideUploader(cfg *config.Config, logger *zap.Logger) media.Uploader {
	if cfg.Media.UploadURL == "" {
		logger.Info("no media upload endpoint configured, image sends are disabled")
		return nil
	}
	return media.NewHTTPUploader(cfg.Media.UploadURL, time.Minute, logger.Named("media"))
}

func provideQueue(cfg *config.Config, db *store.DB, ws *remote.WSClient, logger *zap.Logger) *outbox.Queue {
	return outbox.New(db, ws, logger.Named("outbox"), outbox.Options{
		BaseDelay:   cfg.Outbox.BaseDelay.Std(),
		MaxDelay:    cfg.Outbox.MaxDelay.Std(),
		Concurrency: cfg.Outbox.Concurrency,
	})
}

func provideOrchestrator(cfg *config.Config, db *store.DB, q *outbox.Queue, ws *remote.WSClient, up media.Uploader, b *bus.Bus, logger *zap.Logger) *intsync.Orchestrator {
	return intsync.New(db, q, ws, up, b, logger.Named("sync"), intsync.Options{
		UserID:    cfg.UserID,
		BatchSize: cfg.Outbox.BatchSize,
	})
}

func provideScheduler(cfg *config.Config, orch *intsync.Orchestrator, machine *status.Machine, b *bus.Bus, logger *zap.Logger) (*outbox.Scheduler, error) {
	return outbox.NewScheduler(newDeliveryObserver(orch, machine), b, logger.Named("scheduler"), cfg.Outbox.DrainSchedule)
}

func provideChatService(orch *intsync.Orchestrator) *api.ChatService {
	return api.NewChatService(orch)
}

func provideSyncService(p Params, cfg *config.Config, orch *intsync.Orchestrator, m *status.Machine, b *bus.Bus, logger *zap.Logger) *api.SyncService {
	return api.NewSyncService(orch, m, b, logger, p.SessionName, cfg.Remote.URL)
}

type lifecycleParams struct {
	fx.In

	Server    *Server
	Admin     *AdminServer
	Lock      *lock.Lock
	DB        *store.DB
	Remote    *remote.WSClient
	Orch      *intsync.Orchestrator
	Scheduler *outbox.Scheduler
	Machine   *status.Machine
	Bus       *bus.Bus
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	logger := p.Logger
	watchCtx, stopWatch := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := p.Admin.Start(); err != nil {
				return err
			}
			go watchConnection(watchCtx, p.Bus, logger)

			// Start gRPC server in background.
			go func() {
				if err := p.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			p.Remote.Start(context.Background())

			// Subscriptions registered while offline are sent on connect.
			if err := p.Orch.FollowAll(ctx); err != nil {
				logger.Warn("failed to follow cached conversations", zap.Error(err))
			}

			p.Scheduler.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Scheduler.Stop()
			p.Server.Stop(ctx)
			if err := p.Admin.Stop(ctx); err != nil {
				logger.Warn("error stopping admin server", zap.Error(err))
			}
			p.Orch.Close()
			_ = p.Remote.Close()
			_ = p.Machine.Transition(status.Stopped)
			stopWatch()
			if err := p.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
