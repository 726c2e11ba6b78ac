package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/heartline/internal/api"
	"github.com/matheus3301/heartline/internal/bus"
	"github.com/matheus3301/heartline/internal/callstate"
	"github.com/matheus3301/heartline/internal/config"
	"github.com/matheus3301/heartline/internal/identity"
	"github.com/matheus3301/heartline/internal/lock"
	"github.com/matheus3301/heartline/internal/logging"
	"github.com/matheus3301/heartline/internal/metrics"
	"github.com/matheus3301/heartline/internal/permission"
	"github.com/matheus3301/heartline/internal/realtime"
	"github.com/matheus3301/heartline/internal/scope"
	"github.com/matheus3301/heartline/internal/session"
	"github.com/matheus3301/heartline/internal/store"
	intsync "github.com/matheus3301/heartline/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional override; nil = load ~/.heartline/config.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideMetrics,
			provideScopes,
			provideSessionService,
			provideChatService,
			provideCallService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
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

// provideStore depends on the lock so the database is never opened by a
// second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, result, err := store.OpenMigrated(dbPath)
	if err != nil {
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

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideScopes(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *scope.Manager {
	backends := scope.HTTPBackends{
		ChannelURL:       cfg.Backend.ChannelURL,
		BaseURL:          cfg.Backend.BaseURL,
		ConferenceURL:    cfg.Backend.ConferenceURL,
		RequestTimeout:   cfg.Backend.RequestTimeout.Duration,
		HandshakeTimeout: cfg.Realtime.HandshakeTimeout.Duration,
		PageSize:         cfg.Chat.PageSize,
		MaxPages:         cfg.Chat.MaxPages,
	}
	return scope.NewManager(scope.Deps{
		Backends: backends,
		Store:    db,
		Prober:   permission.NewProber(cfg.Call.PermissionProber),
		Bus:      b,
		Logger:   logger,
		Metrics:  m,
	}, scopeConfig(cfg))
}

func scopeConfig(cfg *config.Config) scope.Config {
	return scope.Config{
		Realtime: realtime.Config{
			MaxAttempts:      cfg.Realtime.MaxAttempts,
			MinDelay:         cfg.Realtime.MinDelay.Duration,
			MaxDelay:         cfg.Realtime.MaxDelay.Duration,
			HandshakeTimeout: cfg.Realtime.HandshakeTimeout.Duration,
		},
		Sync: intsync.Config{
			RefreshInterval: cfg.Chat.RefreshInterval.Duration,
			RefetchInterval: cfg.Chat.RefetchInterval.Duration,
			RefetchBurst:    cfg.Chat.RefetchBurst,
		},
		Call: callstate.Config{
			RingTimeout:    cfg.Call.RingTimeout.Duration,
			ConnectTimeout: cfg.Call.ConnectTimeout.Duration,
		},
		SignalTimeout: cfg.Call.SignalTimeout.Duration,
	}
}

func provideSessionService(p Params, scopes *scope.Manager, b *bus.Bus, logger *zap.Logger) *api.SessionService {
	credential := func() (string, error) { return config.Credential(session.EnvPath(p.SessionName)) }
	return api.NewSessionService(p.SessionName, scopes, b, credential, logger)
}

func provideChatService(scopes *scope.Manager) *api.ChatService {
	return api.NewChatService(scopes)
}

func provideCallService(scopes *scope.Manager, db *store.DB) *api.CallService {
	return api.NewCallService(scopes, db)
}

func registerLifecycle(lc fx.Lifecycle, p Params, cfg *config.Config, srv *Server, lk *lock.Lock, db *store.DB, scopes *scope.Manager, m *metrics.Metrics, logger *zap.Logger) {
	var metricsSrv *metrics.Server
	if cfg.Metrics.Listen != "" {
		metricsSrv = metrics.NewServer(cfg.Metrics.Listen, m, logger)
	}
	autoLoginCtx, cancelAutoLogin := context.WithCancel(context.Background())
	autoLoginDone := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if metricsSrv != nil {
				metricsSrv.Start()
			}

			go func() {
				defer close(autoLoginDone)
				autoLogin(autoLoginCtx, p, cfg, scopes, logger)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelAutoLogin()
			<-autoLoginDone
			if err := scopes.Close(ctx); err != nil {
				logger.Warn("error closing session scope", zap.Error(err))
			}
			srv.Stop(ctx)
			if metricsSrv != nil {
				if err := metricsSrv.Stop(ctx); err != nil {
					logger.Warn("error stopping metrics server", zap.Error(err))
				}
			}
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

// autoLogin logs in the configured identity when a credential is present.
// Without one the daemon waits for a Login call.
func autoLogin(ctx context.Context, p Params, cfg *config.Config, scopes *scope.Manager, logger *zap.Logger) {
	if cfg.Identity.UserID == "" {
		logger.Info("no identity configured, waiting for login")
		return
	}
	token, err := config.Credential(session.EnvPath(p.SessionName))
	if err != nil {
		logger.Info("no credential found, waiting for login", zap.Error(err))
		return
	}
	id, err := identity.New(cfg.Identity.UserID, cfg.Identity.DisplayName, token)
	if err != nil {
		logger.Warn("configured identity is invalid", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Realtime.HandshakeTimeout.Duration+5*time.Second)
	defer cancel()
	if _, err := scopes.Login(ctx, id); err != nil {
		logger.Error("auto-login failed", zap.Error(err))
	}
}
