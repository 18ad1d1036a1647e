// Package endpoint is a development server for the datum endpoint protocol.
// It serves relations, rows, fields and functions of one SQL database under
// a versioned base path, issues session cookies, and pushes change events
// over a websocket.
package endpoint

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jmoiron/sqlx"

	"github.com/faucetdb/datum/internal/endpoint/middleware"
	"github.com/faucetdb/datum/internal/model"
)

// Config holds the endpoint server configuration.
type Config struct {
	Host     string
	Port     int
	BasePath string

	Driver string
	DSN    string
	// Attach maps schema names to SQLite database files attached at open.
	Attach map[string]string

	// JWTSecret signs session tokens. A random secret is generated when
	// empty, so sessions do not survive a restart.
	JWTSecret     string
	SessionTTL    time.Duration
	SessionCookie string

	RateLimit       int // requests per minute per IP, 0 disables
	CORSOrigins     []string
	ShutdownTimeout time.Duration
	MaxBodySize     int64 // bytes
}

// DefaultConfig returns a Config serving an in-memory SQLite database.
func DefaultConfig() Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            8080,
		BasePath:        "/endpoint/0.3",
		Driver:          "sqlite",
		DSN:             ":memory:",
		SessionTTL:      24 * time.Hour,
		SessionCookie:   "SESSION",
		CORSOrigins:     []string{"*"},
		ShutdownTimeout: 30 * time.Second,
		MaxBodySize:     10 * 1024 * 1024, // 10MB
	}
}

// Server is the endpoint server. It owns the router, the store and the
// event hub.
type Server struct {
	cfg        Config
	store      *Store
	sessions   *sessions
	hub        *hub
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// Open connects to the configured database and returns a server for it.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Server, error) {
	d, err := LookupDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.ConnectContext(ctx, d.DriverName(), SanitizeDSN(cfg.Driver, cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("%s connect: %w", cfg.Driver, err)
	}

	if d.Name() == "sqlite" {
		// Attached schemas and in-memory databases belong to a connection.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
		if err := attachSQLite(ctx, db, cfg.Attach); err != nil {
			db.Close()
			return nil, err
		}
	} else {
		if len(cfg.Attach) > 0 {
			db.Close()
			return nil, fmt.Errorf("%w: attach is only supported by sqlite", model.ErrConfiguration)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	return New(cfg, db, d, logger), nil
}

// New returns a server over db. Zero fields of cfg take their defaults.
func New(cfg Config, db *sqlx.DB, d Dialect, logger *slog.Logger) *Server {
	def := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = def.BasePath
	}
	cfg.BasePath = "/" + strings.Trim(cfg.BasePath, "/")
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = def.SessionCookie
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		rand.Read(secret)
		logger.Warn("no jwt_secret configured, sessions will not survive a restart")
	}

	s := &Server{
		cfg:      cfg,
		store:    NewStore(db, d),
		sessions: &sessions{secret: secret, ttl: cfg.SessionTTL, cookie: cfg.SessionCookie},
		hub:      newHub(),
		logger:   logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger, s.cfg.BasePath))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RateLimit(s.cfg.RateLimit))

	r.Get("/healthz", s.handleHealthz)

	r.Route(s.cfg.BasePath, func(r chi.Router) {
		r.Get("/event", s.handleEvents)
		r.Group(func(r chi.Router) {
			r.Use(middleware.MaxBody(s.cfg.MaxBodySize))
			r.Use(chimw.Compress(5))
			s.routes(r)
		})
	})

	s.router = r
}

// handleHealthz reports whether the database answers.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListenAndServe serves until ctx ends, then shuts down gracefully and
// closes the database.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("endpoint starting", "addr", addr, "base_path", s.cfg.BasePath, "driver", s.store.Dialect().Name())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.hub.closeAll()
	if err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("endpoint stopped")
	return s.Close()
}

// Close closes the database.
func (s *Server) Close() error {
	return s.store.DB().Close()
}

// Store returns the server's store.
func (s *Server) Store() *Store { return s.store }

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
