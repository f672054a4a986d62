package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/api"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/audit"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/auth"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/config"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/database"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/logging"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/monitoring"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/security"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/window"
	"go.uber.org/zap"
)

const (
	ShutdownTimeout = 30 * time.Second
	StartupTimeout  = 10 * time.Second
)

// Option configures an Application.
type Option func(*Application)

// WithClock replaces the clock driving the janitor.
func WithClock(clock window.Clock) Option {
	return func(a *Application) { a.clock = clock }
}

// WithLoggerFactory supplies an existing logger factory instead of building
// one from the logging section.
func WithLoggerFactory(factory *logging.LoggerFactory) Option {
	return func(a *Application) { a.factory = factory }
}

// WithConfigManager hot-reloads thresholds and policies from manager.
func WithConfigManager(manager *config.Manager) Option {
	return func(a *Application) { a.manager = manager }
}

// Application wires the security engine together: the audit log, rate
// limiter, monitors, RBAC and team access, plus the optional SQL storage,
// metrics exporter and HTTP API.
type Application struct {
	logger  *zap.Logger
	factory *logging.LoggerFactory
	manager *config.Manager
	clock   window.Clock

	cfgMu  sync.RWMutex
	config *config.Config

	audit       *audit.Log
	limiter     *security.RateLimiter
	logins      *security.LoginMonitor
	apis        *security.APIMonitor
	rbac        *auth.RBAC
	teams       *auth.TeamAccessController
	memberships auth.MembershipStore
	metrics     *monitoring.MetricsExporter
	db          *database.DB
	auditStore  *database.AuditStore
	server      *api.Server

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds every component from cfg. Storage is opened and migrated here
// so configuration errors surface before Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	a := &Application{
		clock:  window.System,
		config: cfg.Clone(),
	}
	for _, opt := range opts {
		opt(a)
	}
	cfg = a.config

	if a.factory == nil {
		factory, err := logging.NewLoggerFactory(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		a.factory = factory
	}
	a.logger = a.factory.GetLogger("app")

	if err := a.build(ctx, cfg); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *Application) build(ctx context.Context, cfg *config.Config) error {
	var sinks []audit.Option

	if cfg.Monitoring.Enabled {
		a.metrics = monitoring.NewMetricsExporter(a.factory.GetLogger("metrics"), cfg.Monitoring)
		sinks = append(sinks, audit.WithSink(a.metrics))
	}

	if cfg.Storage.Enabled {
		db, err := database.Open(a.factory.GetLogger("database"), cfg.Storage.Database)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		a.db = db

		migrateCtx, cancel := context.WithTimeout(ctx, StartupTimeout)
		err = db.Migrate(migrateCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to migrate storage: %w", err)
		}
		a.auditStore = database.NewAuditStore(db)
		sinks = append(sinks, audit.WithSink(a.auditStore))
	}

	auditConfig := cfg.Audit
	if auditConfig.Service == "" {
		auditConfig.Service = cfg.Service.Name
	}
	if auditConfig.Version == "" {
		auditConfig.Version = cfg.Service.Version
	}
	a.audit = audit.NewLog(a.factory.GetLogger("audit"), auditConfig, sinks...)

	a.limiter = security.NewRateLimiter(a.factory.GetLogger("rate_limiter"), cfg.RateLimit.Policies)
	a.logins = security.NewLoginMonitor(a.factory.GetLogger("login_monitor"), a.audit, cfg.LoginMonitor)
	a.apis = security.NewAPIMonitor(a.factory.GetLogger("api_monitor"), a.audit, cfg.APIMonitor)

	rbac, err := auth.NewRBAC(a.factory.GetLogger("rbac"), a.audit, cfg.RBAC)
	if err != nil {
		return fmt.Errorf("failed to create rbac: %w", err)
	}
	a.rbac = rbac

	switch cfg.TeamAccess.MembershipStore {
	case config.MembershipSQL:
		if a.db == nil {
			return errors.New("sql membership store requires storage to be enabled")
		}
		a.memberships = database.NewMembershipStore(a.db)
	default:
		a.memberships = auth.NewMemoryMembershipStore()
	}
	teams, err := auth.NewTeamAccessController(a.factory.GetLogger("team_access"), a.memberships, a.audit, nil)
	if err != nil {
		return fmt.Errorf("failed to create team access controller: %w", err)
	}
	a.teams = teams

	if cfg.Server.Enabled {
		server, err := api.NewServer(a.factory.GetLogger("api"), api.Config{
			ListenAddr:        cfg.Server.ListenAddr,
			ReadTimeout:       cfg.Server.ReadTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
			JWTSecret:         cfg.Server.JWTSecret,
			JWTIssuer:         cfg.Server.JWTIssuer,
			TrustForwardedFor: cfg.Server.TrustForwardedFor,
			RequestsPerSecond: cfg.Server.RequestsPerSecond,
			Burst:             cfg.Server.Burst,
			AllowOrigins:      cfg.Server.AllowOrigins,
		}, api.Components{
			Audit:   a.audit,
			Limiter: a.limiter,
			Logins:  a.logins,
			APIs:    a.apis,
			RBAC:    a.rbac,
			Teams:   a.teams,
			Metrics: a.metrics,
		})
		if err != nil {
			return fmt.Errorf("failed to create api server: %w", err)
		}
		a.server = server
	}
	return nil
}

// Start starts the sink dispatcher, exporters, API server, janitor and
// config watcher.
func (a *Application) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return errors.New("application already running")
	}

	cfg := a.Config()
	a.logger.Info("Starting qrguard",
		zap.String("service", cfg.Service.Name),
		zap.String("version", cfg.Service.Version),
		zap.Bool("api", a.server != nil),
		zap.Bool("storage", a.db != nil),
		zap.Bool("metrics", a.metrics != nil),
	)

	if err := a.audit.Start(); err != nil {
		return fmt.Errorf("failed to start audit log: %w", err)
	}
	if a.metrics != nil {
		if err := a.metrics.Start(); err != nil {
			return fmt.Errorf("failed to start metrics exporter: %w", err)
		}
	}
	if a.server != nil {
		if err := a.server.Start(); err != nil {
			return fmt.Errorf("failed to start api server: %w", err)
		}
	}

	a.stopCh = make(chan struct{})
	a.wg.Add(1)
	go a.janitor(cfg.Service.SweepInterval)

	if a.manager != nil {
		a.manager.OnChange(a.ApplyConfig)
		if err := a.manager.StartWatcher(); err != nil {
			a.logger.Warn("Config hot reload disabled", zap.Error(err))
		}
	}

	a.running = true
	a.logger.Info("qrguard started")
	return nil
}

// Shutdown stops every component. Queued audit events are flushed to the
// sinks before storage is closed.
func (a *Application) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		a.closeResources()
		return nil
	}
	a.running = false

	a.logger.Info("Shutting down qrguard")

	if a.manager != nil {
		a.manager.StopWatcher()
	}
	close(a.stopCh)
	a.wg.Wait()

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api server: %w", err))
		}
	}
	if a.metrics != nil {
		if err := a.metrics.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("metrics exporter: %w", err))
		}
	}
	if err := a.audit.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("audit log: %w", err))
	}
	a.closeResources()

	a.logger.Info("Shutdown complete")
	a.factory.Sync()
	return errors.Join(errs...)
}

func (a *Application) closeResources() {
	if a.rbac != nil {
		if err := a.rbac.Close(); err != nil {
			a.logger.Warn("Failed to close permission cache", zap.Error(err))
		}
		a.rbac = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Failed to close database", zap.Error(err))
		}
		a.db = nil
	}
}

// ApplyConfig applies the hot-reloadable parts of cfg: thresholds, policies,
// audit detection settings and the log level. Listener, storage and RBAC
// changes need a restart.
func (a *Application) ApplyConfig(cfg *config.Config) {
	a.cfgMu.Lock()
	previous := a.config
	a.config = cfg.Clone()
	a.cfgMu.Unlock()

	a.limiter.SetPolicies(cfg.RateLimit.Policies)
	a.logins.SetThresholds(cfg.LoginMonitor)
	a.apis.SetThresholds(cfg.APIMonitor)
	a.audit.SetConfig(cfg.Audit)
	if err := a.factory.SetLevel(cfg.Logging.Level); err != nil {
		a.logger.Warn("Ignoring invalid log level", zap.String("level", cfg.Logging.Level), zap.Error(err))
	}

	if needsRestart(previous, cfg) {
		a.logger.Warn("Server, storage or RBAC settings changed; restart to apply them")
	}
	a.logger.Info("Configuration applied")
}

func needsRestart(prev, next *config.Config) bool {
	if prev == nil {
		return false
	}
	return prev.Server.ListenAddr != next.Server.ListenAddr ||
		prev.Server.Enabled != next.Server.Enabled ||
		prev.Server.JWTSecret != next.Server.JWTSecret ||
		prev.Storage.Enabled != next.Storage.Enabled ||
		prev.Storage.Database.DSN != next.Storage.Database.DSN ||
		prev.TeamAccess.MembershipStore != next.TeamAccess.MembershipStore ||
		prev.RBAC.DefaultRole != next.RBAC.DefaultRole
}

// Config returns a copy of the active configuration.
func (a *Application) Config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.config.Clone()
}

// Logger returns the application logger.
func (a *Application) Logger() *zap.Logger { return a.logger }

// Audit returns the audit log.
func (a *Application) Audit() *audit.Log { return a.audit }

// RateLimiter returns the rate limiter.
func (a *Application) RateLimiter() *security.RateLimiter { return a.limiter }

// LoginMonitor returns the login monitor.
func (a *Application) LoginMonitor() *security.LoginMonitor { return a.logins }

// APIMonitor returns the API traffic monitor.
func (a *Application) APIMonitor() *security.APIMonitor { return a.apis }

// RBAC returns the role resolver.
func (a *Application) RBAC() *auth.RBAC { return a.rbac }

// TeamAccess returns the team access controller.
func (a *Application) TeamAccess() *auth.TeamAccessController { return a.teams }

// Memberships returns the membership store backing team access.
func (a *Application) Memberships() auth.MembershipStore { return a.memberships }

// Metrics returns the metrics exporter, or nil when monitoring is disabled.
func (a *Application) Metrics() *monitoring.MetricsExporter { return a.metrics }

// APIServer returns the HTTP API, or nil when the server is disabled.
func (a *Application) APIServer() *api.Server { return a.server }

// IsRunning reports whether Start has completed and Shutdown has not.
func (a *Application) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// GetStats returns application statistics
func (a *Application) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"running":       a.IsRunning(),
		"audit_events":  a.audit.Len(),
		"rate_limiter":  a.limiter.GetStats(),
		"login_sources": a.logins.PatternCount(),
		"api_patterns":  a.apis.PatternCount(),
		"blocked":       len(a.logins.BlockedAddresses()),
	}
	if a.rbac != nil {
		stats["rbac"] = a.rbac.GetStats()
	}
	if a.db != nil {
		stats["database"] = a.db.GetStats()
	}
	return stats
}
