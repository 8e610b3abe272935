package db

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/xdevplatform/platformatic/internal/config"
)

// Server is the HTTP server generated from a configuration and a database.
// It manages the store, the generated APIs and the listener lifecycle.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	store   Store
	catalog *Catalog
	service *Service
	auth    *Authorizer
	metrics *Metrics
	stats   *ServerStats
	health  *HealthCheck
	plugin  *Plugin

	router        chi.Router
	httpServer    *http.Server
	metricsServer *http.Server

	activeReqs int64 // Track active requests (atomic)

	mu  sync.Mutex
	url string
}

// OpenStore opens the configured store and brings its schema up to date.
// In-memory databases always run the migrations since they start empty;
// other stores only do when migrations.autoApply is set.
func OpenStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (Store, *Catalog, error) {
	store, err := Open(ctx, connectionString(cfg))
	if err != nil {
		return nil, nil, err
	}

	if m := cfg.Migrations; m != nil {
		mem, ok := store.(interface{ InMemory() bool })
		if m.AutoApply || (ok && mem.InMemory()) {
			applied, err := store.Migrate(ctx, cfg.ResolvePath(m.Dir))
			if err != nil {
				store.Close()
				return nil, nil, fmt.Errorf("failed to apply migrations: %w", err)
			}
			logger.Info().Int("applied", applied).Msg("migrations applied")
		}
	}

	catalog, err := store.Introspect(ctx, cfg.Core.Ignore)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to introspect database: %w", err)
	}
	for _, table := range catalog.Skipped {
		logger.Warn().Str("table", table).Msg("table has no primary key, skipping")
	}
	return store, catalog, nil
}

// NewServer opens the database and builds the routes. The server does not
// listen until Start is called.
func NewServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	store, catalog, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		catalog: catalog,
		auth:    NewAuthorizer(cfg.Authorization, logger),
		metrics: NewMetrics(),
		stats:   &ServerStats{StartTime: time.Now()},
	}
	s.service = NewService(store, catalog, s.auth, s.metrics)

	if t := cfg.Types; t != nil && t.Autogenerate {
		path, err := GenerateTypes(catalog, cfg.Dir)
		if err != nil {
			store.Close()
			return nil, err
		}
		logger.Info().Str("path", path).Msg("entity types generated")
	}

	if p := cfg.Plugin; p != nil && p.Path != "" {
		plugin, err := LoadPlugin(cfg.ResolvePath(p.Path), s.service, logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		s.plugin = plugin
	}

	if hc := cfg.Server.HealthCheck; hc != nil && hc.Enabled {
		s.health = NewHealthCheck(store, s.metrics, logger)
	}

	router, err := s.routes()
	if err != nil {
		store.Close()
		return nil, err
	}
	s.router = router
	s.httpServer = &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() (chi.Router, error) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(requestLogger(s.logger, &s.activeReqs))
	r.Use(statsMiddleware(s.stats))
	r.Use(s.metrics.Instrument)
	if cors := s.cfg.Server.CORS; cors != nil && cors.Origin.Enabled() {
		r.Use(corsMiddleware(cors))
	}

	r.Get("/status", handleStatus(s.stats, s.health))
	r.Get("/dashboard", handleDashboard("/dashboard"))
	r.Get("/dashboard/*", handleDashboard("/dashboard"))
	if d := s.cfg.Dashboard; d != nil && d.RootPath {
		r.Get("/", handleDashboard("/"))
	} else {
		r.Get("/", handleWelcome)
	}

	var routeErr error
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.auth))
		r.Get("/_admin/config", s.handleAdminConfig)

		if s.cfg.Core.OpenAPIEnabled() {
			info := config.OpenAPIInfo{}
			if s.cfg.Core.OpenAPI != nil {
				info = s.cfg.Core.OpenAPI.Info
			}
			docs := &openAPIHandlers{doc: BuildOpenAPI(s.catalog, info)}
			r.Get("/documentation/json", docs.serveJSON)
			r.Get("/documentation/yaml", docs.serveYAML)
			RegisterRoutes(r, s.service)
		}

		if s.cfg.Core.GraphQLEnabled() {
			schema, err := BuildGraphQLSchema(s.service)
			switch {
			case err != nil && len(s.catalog.Entities) == 0:
				s.logger.Warn().Msg("no entities found, GraphQL is disabled")
			case err != nil:
				routeErr = fmt.Errorf("failed to build GraphQL schema: %w", err)
				return
			default:
				h := graphQLHandler(schema)
				r.Get("/graphql", h)
				r.Post("/graphql", h)
				if s.cfg.Core.GraphQL != nil && s.cfg.Core.GraphQL.GraphiQL {
					r.Get("/graphiql", handleGraphiQL)
				}
			}
		}

		if s.plugin != nil {
			s.plugin.RegisterRoutes(r)
		}
	})
	return r, routeErr
}

// handleAdminConfig returns the redacted configuration. Only admins may read
// it when authorization is configured.
func (s *Server) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	if s.auth.Enabled() && !UserFromContext(r.Context()).IsAdmin() {
		WriteErr(w, r, fmt.Errorf("%w: admin privileges required", ErrUnauthorized))
		return
	}
	WriteJSONSafe(w, http.StatusOK, s.cfg.Redacted())
}

func handleWelcome(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Welcome to Platformatic! Visit /dashboard to explore the generated APIs.",
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Catalog returns the entities the server exposes.
func (s *Server) Catalog() *Catalog {
	return s.catalog
}

// URL returns the listening URL once Start has bound the port.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Start binds the listener and serves until Stop is called. It starts the
// metrics listener and the health check when they are configured.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}

	url := listenURL(s.cfg.Server.Hostname, ln.Addr())
	s.mu.Lock()
	s.url = url
	s.mu.Unlock()

	if s.health != nil {
		if err := s.health.Start(s.cfg.Server.HealthCheck.IntervalDuration()); err != nil {
			ln.Close()
			return fmt.Errorf("failed to schedule health check: %w", err)
		}
	}

	if m := s.cfg.Metrics; m != nil && m.Enabled {
		metricsRouter := chi.NewRouter()
		metricsRouter.Handle("/metrics", s.metrics.Handler(m.Auth))
		s.metricsServer = &http.Server{Addr: m.Addr(), Handler: metricsRouter, ReadTimeout: 15 * time.Second}
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Str("addr", m.Addr()).Msg("metrics server failed")
			}
		}()
		s.logger.Info().Str("addr", m.Addr()).Msg("metrics server started")
	}

	s.logger.Info().Str("url", url).Int("entities", len(s.catalog.Entities)).Msgf("Server listening at %s", url)
	return s.httpServer.Serve(ln)
}

func listenURL(hostname string, addr net.Addr) string {
	host := hostname
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	port := ""
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = fmt.Sprint(tcp.Port)
	} else if i := strings.LastIndex(addr.String(), ":"); i >= 0 {
		port = addr.String()[i+1:]
	}
	return "http://" + net.JoinHostPort(host, port)
}

// Stop gracefully stops the server.
// Waits for active requests to complete (until ctx ends), runs the plugin
// onClose hooks within plugin.stopTimeout, then releases the store.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("stopping server")

	// Check active requests every 100ms
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	forceShutdown := false
	for atomic.LoadInt64(&s.activeReqs) > 0 && !forceShutdown {
		select {
		case <-ctx.Done():
			s.logger.Warn().Msg("shutdown context cancelled, forcing shutdown")
			forceShutdown = true
		case <-ticker.C:
			if active := atomic.LoadInt64(&s.activeReqs); active > 0 {
				s.logger.Info().Int64("active", active).Msg("waiting for active requests to complete")
			}
		}
	}

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down server: %w", err))
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down metrics server: %w", err))
		}
	}
	if s.health != nil {
		s.health.Stop()
	}
	if s.plugin != nil {
		timeout := s.cfg.Plugin.StopTimeoutDuration()
		if timeout <= 0 {
			timeout = DefaultPluginTimeout
		}
		pluginCtx, cancel := context.WithTimeout(ctx, timeout)
		if err := s.plugin.Close(pluginCtx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	return errors.Join(errs...)
}

// Migrate applies the configured migrations and reports how many ran.
func Migrate(ctx context.Context, cfg *config.Config) (int, error) {
	if cfg.Migrations == nil || cfg.Migrations.Dir == "" {
		return 0, errors.New("no migrations directory configured")
	}
	store, err := Open(ctx, connectionString(cfg))
	if err != nil {
		return 0, err
	}
	defer store.Close()
	return store.Migrate(ctx, cfg.ResolvePath(cfg.Migrations.Dir))
}

// connectionString resolves relative SQLite paths against the directory of
// the configuration file.
func connectionString(cfg *config.Config) string {
	cs := cfg.Core.ConnectionString
	path, ok := strings.CutPrefix(cs, "sqlite://")
	if !ok || path == MemoryPath || strings.HasPrefix(path, "file:") {
		return cs
	}
	return "sqlite://" + cfg.ResolvePath(path)
}
