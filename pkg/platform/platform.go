package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/txn2/mcp-portainer/internal/server"
	"github.com/txn2/mcp-portainer/pkg/audit"
	auditpostgres "github.com/txn2/mcp-portainer/pkg/audit/postgres"
	"github.com/txn2/mcp-portainer/pkg/auth"
	"github.com/txn2/mcp-portainer/pkg/connstate"
	"github.com/txn2/mcp-portainer/pkg/database/migrate"
	"github.com/txn2/mcp-portainer/pkg/health"
	mcphttp "github.com/txn2/mcp-portainer/pkg/http"
	"github.com/txn2/mcp-portainer/pkg/metrics"
	"github.com/txn2/mcp-portainer/pkg/portainer"
	"github.com/txn2/mcp-portainer/pkg/protocol"
	"github.com/txn2/mcp-portainer/pkg/requests"
	"github.com/txn2/mcp-portainer/pkg/session"
	"github.com/txn2/mcp-portainer/pkg/transport"
	"github.com/txn2/mcp-portainer/pkg/transport/sse"
	"github.com/txn2/mcp-portainer/pkg/transport/streamable"
)

// Route labels for HTTP metrics.
const (
	routeMCP           = "mcp"
	routeLegacyStream  = "legacy_stream"
	routeLegacyMessage = "legacy_message"
)

const readHeaderTimeout = 10 * time.Second

// Platform is the assembled server.
type Platform struct {
	config    *Config
	logger    *slog.Logger
	clock     clockwork.Clock
	lifecycle *Lifecycle

	health  *health.Checker
	metrics *metrics.Metrics

	db          *sql.DB
	ownsDB      bool
	auditLogger audit.Logger

	connection *portainer.State
	connector  *portainer.Connector

	streamSessions *transport.Sessions
	legacySessions *transport.Sessions
	streamable     *streamable.Handler
	legacy         *sse.Handler
	chain          *mcphttp.Chain

	handler http.Handler
}

// New creates a new platform instance. Nothing runs until Start.
func New(cfg *Config, opts ...Option) (*Platform, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Clock == nil {
		options.Clock = clockwork.NewRealClock()
	}

	p := &Platform{
		config:    cfg,
		logger:    options.Logger,
		clock:     options.Clock,
		lifecycle: NewLifecycle(options.Logger),
		health:    health.NewChecker(),
	}
	if cfg.Metrics.Enabled {
		p.metrics = metrics.New()
	}

	if err := p.initStorage(options); err != nil {
		return nil, err
	}
	if err := p.initConnection(); err != nil {
		return nil, err
	}
	if err := p.initTransports(options); err != nil {
		return nil, err
	}
	p.handler = p.routes()
	return p, nil
}

// initStorage opens the database and selects the audit store.
func (p *Platform) initStorage(opts *Options) error {
	p.db = opts.DB
	if p.db == nil && p.config.Database.DSN != "" {
		db, err := openDB(p.config.Database)
		if err != nil {
			return err
		}
		p.db, p.ownsDB = db, true
	}

	if p.ownsDB {
		// Stages stop in reverse, so the first one registered closes last.
		p.lifecycle.RegisterCloser("database", p.db)
	}

	switch {
	case opts.AuditLogger != nil:
		p.auditLogger = opts.AuditLogger
	case !p.config.Audit.Enabled:
		p.auditLogger = audit.NoopLogger{}
	case p.db != nil:
		store := auditpostgres.New(p.db, auditpostgres.Config{RetentionDays: p.config.Audit.RetentionDays},
			auditpostgres.WithLogger(p.logger),
			auditpostgres.WithClock(p.clock),
		)
		p.auditLogger = store
		p.lifecycle.Append("audit",
			func(context.Context) error {
				st, err := migrate.Run(p.db, migrate.WithLogger(p.logger))
				if err != nil {
					return fmt.Errorf("migrating audit schema: %w", err)
				}
				p.logger.Debug("platform: audit schema ready", "version", st.Version)
				store.StartCleanupRoutine(p.config.Audit.CleanupInterval)
				return nil
			},
			func(context.Context) error { return store.Close() })
	default:
		p.auditLogger = audit.NewMemoryLogger(p.config.Audit.MemoryEntries)
	}
	return nil
}

func openDB(cfg DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	return db, nil
}

// initConnection creates the downstream state machine and, when a URL is
// configured, the connector that drives it.
func (p *Platform) initConnection() error {
	p.connection = connstate.New[*portainer.Client](
		connstate.WithHistorySize(p.config.Connection.HistorySize),
		connstate.WithClock(p.clock),
		connstate.WithLogger(p.logger),
	)
	if p.metrics != nil {
		p.connection.OnChange(func(s connstate.State, _ *portainer.Client, _ error) {
			p.metrics.SetConnectionState(s)
		})
	}

	pc := p.config.Portainer
	if pc.URL == "" {
		return nil
	}
	client, err := portainer.NewClient(portainer.Config{
		URL:                pc.URL,
		APIKey:             pc.APIKey,
		InsecureSkipVerify: pc.InsecureSkipVerify,
		Timeout:            pc.Timeout,
	})
	if err != nil {
		return fmt.Errorf("creating portainer client: %w", err)
	}
	p.connector = portainer.NewConnector(client, p.connection,
		portainer.WithRetry(time.Second, pc.RetryMaxElapsed),
		portainer.WithConnectorLogger(p.logger),
		portainer.WithConnectorClock(p.clock),
	)
	p.health.AddCheck("portainer", health.ConnectedCheck(p.connection))

	var cancelConnect context.CancelFunc
	p.lifecycle.Append("portainer",
		func(context.Context) error {
			// Startup does not wait for the downstream; readiness does.
			var ctx context.Context
			ctx, cancelConnect = context.WithCancel(context.Background())
			go func() {
				if err := p.connector.Connect(ctx); err != nil && ctx.Err() == nil {
					p.logger.Error("platform: portainer connection failed", "error", err)
				}
			}()
			p.connector.StartMonitor(pc.MonitorInterval)
			return nil
		},
		func(context.Context) error {
			if cancelConnect != nil {
				cancelConnect()
			}
			return p.connector.Close()
		})
	return nil
}

// initTransports builds the session managers, both transports and the
// security chain.
func (p *Platform) initTransports(opts *Options) error {
	engine := opts.Engine
	if engine == nil {
		engine = server.NewFactory(server.Options{
			Name:         p.config.Server.Name,
			Version:      p.config.Server.Version,
			Instructions: p.config.Server.Instructions,
			Connection:   p.connection,
			Audit:        p.auditLogger,
			Logger:       p.logger,
		})
	}

	sc := p.config.Sessions
	sessionCfg := session.Config{
		MaxSessions:         sc.MaxSessions,
		Timeout:             sc.Timeout,
		CleanupInterval:     sc.CleanupInterval,
		KeepAliveInterval:   sc.KeepAliveInterval,
		MaxMissedHeartbeats: sc.MaxMissedHeartbeats,
		HeartbeatTimeout:    sc.HeartbeatTimeout,
		HeartbeatWorkers:    sc.HeartbeatWorkers,
	}
	sessionOpts := []session.Option{
		session.WithLogger(p.logger),
		session.WithClock(p.clock),
		session.WithAudit(p.auditLogger),
	}
	requestOpts := []requests.Option{
		requests.WithLogger(p.logger),
		requests.WithMinProgressInterval(p.config.Requests.ProgressMinInterval),
	}
	if p.metrics != nil {
		sessionOpts = append(sessionOpts, session.WithObserver(p.metrics))
		requestOpts = append(requestOpts, requests.WithObserver(p.metrics))
	}

	p.streamSessions = session.NewManager[*transport.Conn](streamable.Kind, sessionCfg, sessionOpts...)
	p.legacySessions = session.NewManager[*transport.Conn](sse.Kind, sessionCfg, sessionOpts...)

	maxBody := p.config.Server.MaxBodyBytes
	streamOpts := []streamable.Option{
		streamable.WithLogger(p.logger),
		streamable.WithReservedIDs(p.legacySessions.Has),
		streamable.WithRequestOptions(requestOpts...),
		streamable.WithMaxBodyBytes(maxBody),
	}

	if p.config.Server.LegacySSE.Enabled {
		legacy, err := sse.New(engine, p.legacySessions, p.config.Server.LegacySSE.MessagePath,
			sse.WithLogger(p.logger),
			sse.WithReservedIDs(p.streamSessions.Has),
			sse.WithRequestOptions(requestOpts...),
			sse.WithMaxBodyBytes(maxBody),
		)
		if err != nil {
			return fmt.Errorf("creating legacy transport: %w", err)
		}
		p.legacy = legacy
		streamOpts = append(streamOpts, streamable.WithLegacy(legacy.StreamHandler()))
	}
	p.streamable = streamable.New(engine, p.streamSessions, streamOpts...)

	authenticator, err := p.buildAuthenticator()
	if err != nil {
		return err
	}
	chainOpts := []mcphttp.Option{mcphttp.WithLogger(p.logger)}
	if p.metrics != nil {
		chainOpts = append(chainOpts, mcphttp.WithObserver(p.metrics))
	}
	rl := p.config.RateLimit
	burst := defaultBurst
	if rl.Burst != nil {
		burst = *rl.Burst
	}
	p.chain, err = mcphttp.NewChain(mcphttp.Config{
		BindAddress:    p.config.Server.Address,
		AllowedHosts:   p.config.Server.AllowedHosts,
		AllowedOrigins: p.config.Server.AllowedOrigins,
		DefaultVersion: p.config.Server.DefaultProtocolVersion,
		MaxBodyBytes:   maxBody,
		RateLimit: mcphttp.RateLimitConfig{
			Enabled:           rl.IsEnabled(),
			RequestsPerMinute: rl.RequestsPerMinute,
			Burst:             burst,
			MaxKeys:           rl.MaxKeys,
		},
		Authenticator:       authenticator,
		ResourceMetadataURL: p.config.Auth.ResourceMetadataURL,
	}, chainOpts...)
	if err != nil {
		return fmt.Errorf("creating security chain: %w", err)
	}

	p.lifecycle.Append("sessions", func(context.Context) error {
		p.streamSessions.Start()
		p.legacySessions.Start()
		return nil
	}, p.closeSessions)
	return nil
}

// buildAuthenticator returns nil when auth is disabled.
func (p *Platform) buildAuthenticator() (auth.Authenticator, error) {
	ac := p.config.Auth
	if !ac.Enabled {
		return nil, nil
	}

	var authenticators []auth.Authenticator
	if ac.JWT.HMACSecret != "" {
		j, err := auth.NewJWTAuthenticator(auth.JWTConfig{
			Issuer:         ac.JWT.Issuer,
			Audience:       ac.JWT.Audience,
			SigningKey:     []byte(ac.JWT.HMACSecret),
			RoleClaimPath:  ac.JWT.RoleClaimPath,
			RolePrefix:     ac.JWT.RolePrefix,
			RequiredClaims: ac.JWT.RequiredClaims,
		})
		if err != nil {
			return nil, fmt.Errorf("creating jwt authenticator: %w", err)
		}
		authenticators = append(authenticators, j)
	}
	if len(ac.APIKeys) > 0 {
		keys := make([]auth.APIKey, 0, len(ac.APIKeys))
		for _, k := range ac.APIKeys {
			keys = append(keys, auth.APIKey{Name: k.Name, Key: k.Key, Roles: k.Roles})
		}
		a, err := auth.NewAPIKeyAuthenticator(auth.APIKeyConfig{Keys: keys})
		if err != nil {
			return nil, fmt.Errorf("creating api key authenticator: %w", err)
		}
		authenticators = append(authenticators, a)
	}

	return auth.NewChainedAuthenticator(auth.ChainedAuthConfig{AllowAnonymous: ac.AllowAnonymous},
		authenticators...), nil
}

// routes builds the HTTP router.
func (p *Platform) routes() http.Handler {
	r := chi.NewRouter()

	if cc := p.config.Server.CORS; cc.Enabled {
		c := cors.New(cors.Options{
			AllowedOrigins:   cc.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{protocol.HeaderSessionID, protocol.HeaderProtocolVersion},
			AllowCredentials: cc.AllowCredentials,
		})
		r.Use(c.Handler)
	}

	r.Get("/healthz", p.health.LivenessHandler())
	r.Get("/readyz", p.health.ReadinessHandler())
	if p.metrics != nil {
		r.Handle(p.config.Metrics.Path, p.metrics.Handler())
	}

	r.Handle(p.config.Server.BasePath, p.instrument(routeMCP, p.chain.Handler(p.streamable)))

	lc := p.config.Server.LegacySSE
	if p.legacy != nil {
		r.Handle(lc.StreamPath, p.instrument(routeLegacyStream, p.chain.LegacyHandler(p.legacy.StreamHandler())))
		r.Handle(lc.MessagePath, p.instrument(routeLegacyMessage, p.chain.LegacyHandler(p.legacy.MessageHandler())))
	} else {
		gone := sse.Disabled(p.config.Server.BasePath)
		r.Handle(lc.StreamPath, p.instrument(routeLegacyStream, gone))
		r.Handle(lc.MessagePath, p.instrument(routeLegacyMessage, gone))
	}
	return r
}

func (p *Platform) instrument(route string, h http.Handler) http.Handler {
	if p.metrics == nil {
		return h
	}
	return p.metrics.Middleware(route)(h)
}

// closeSessions shuts both session managers down.
func (p *Platform) closeSessions(context.Context) error {
	var result *multierror.Error
	if err := p.streamSessions.CloseAll(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := p.legacySessions.CloseAll(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Handler returns the root HTTP handler.
func (p *Platform) Handler() http.Handler { return p.handler }

// Start starts every component and marks the platform ready.
func (p *Platform) Start(ctx context.Context) error {
	if err := p.lifecycle.Start(ctx); err != nil {
		return err
	}
	p.health.SetReady()
	p.logger.Info("platform: started",
		"address", p.config.Server.Address,
		"base_path", p.config.Server.BasePath,
		"legacy_sse", p.legacy != nil)
	return nil
}

// Stop marks the platform draining and stops every component: new sessions
// are refused, live sessions are closed, the downstream is disconnected and
// storage is closed last.
func (p *Platform) Stop(ctx context.Context) error {
	p.health.SetDraining()

	// Sessions are closed even when Start was never called.
	var result *multierror.Error
	if err := p.closeSessions(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := p.lifecycle.Stop(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("stopping platform: %w", err)
	}
	p.logger.Info("platform: stopped")
	return nil
}

// ListenAndServe starts the platform, serves until ctx is done, then shuts
// the listener down and stops every component.
func (p *Platform) ListenAndServe(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              p.config.Server.Address,
		Handler:           p.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tc := p.config.Server.TLS; tc.Enabled {
			err = srv.ListenAndServeTLS(tc.CertFile, tc.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	p.logger.Info("platform: listening", "address", srv.Addr, "tls", p.config.Server.TLS.Enabled)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), p.config.Server.ShutdownTimeout)
	defer cancel()

	var result *multierror.Error
	if serveErr != nil {
		result = multierror.Append(result, fmt.Errorf("serving: %w", serveErr))
	}
	// Sessions are closed first so open streams do not hold Shutdown.
	p.health.SetDraining()
	if err := p.closeSessions(shutdownCtx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("shutting down server: %w", err))
	}
	if err := p.Stop(shutdownCtx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Config returns the configuration.
func (p *Platform) Config() *Config { return p.config }

// Connection returns the downstream connection state.
func (p *Platform) Connection() *portainer.State { return p.connection }

// StreamableSessions returns the streamable session manager.
func (p *Platform) StreamableSessions() *transport.Sessions { return p.streamSessions }

// LegacySessions returns the legacy session manager.
func (p *Platform) LegacySessions() *transport.Sessions { return p.legacySessions }

// AuditLogger returns the audit logger.
func (p *Platform) AuditLogger() audit.Logger { return p.auditLogger }

// Migrate applies database migrations for cfg.
func Migrate(cfg *Config, opts ...migrate.Option) (migrate.Status, error) {
	if cfg.Database.DSN == "" {
		return migrate.Status{}, errNoDatabase
	}
	db, err := openDB(cfg.Database)
	if err != nil {
		return migrate.Status{}, err
	}
	defer func() { _ = db.Close() }()
	return migrate.Run(db, opts...)
}
