// Package server sets up the HTTP server, router, and all route definitions.
//
// This is the composition root: the one place the dependency graph is
// assembled (store → service → handlers → routes). main.go stays minimal —
// read config, build the verifier, hand both here.
//
// DEPENDENCY CHAIN:
//
//	sqlite.DB (implements repository.UserRepository)
//	  → service.IdentityService (reconciler; also the auth guard's Authenticator)
//	  → handler.UserHandler
//
// The handler never touches the database; the service never touches HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sakif/triangle-auth/internal/auth"
	"github.com/sakif/triangle-auth/internal/handler"
	"github.com/sakif/triangle-auth/internal/middleware"
	sqliteRepo "github.com/sakif/triangle-auth/internal/repository/sqlite"
	"github.com/sakif/triangle-auth/internal/service"
)

// Config holds server configuration.
type Config struct {
	Port           int
	DBPath         string
	AllowedOrigins []string
}

// Server owns the router, the database connection, and the HTTP lifecycle.
// The DB is closed during graceful shutdown — skipping that can leave the
// WAL unflushed.
type Server struct {
	router *chi.Mux
	config Config
	logger *slog.Logger
	db     *sqliteRepo.DB
}

// New creates a Server, wiring the whole dependency graph. The verifier is
// passed in (not constructed here) because building it needs credentials and
// possibly the network — that's startup work that belongs to main.
func New(cfg Config, verifier auth.Verifier, logger *slog.Logger) (*Server, error) {
	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		db:     db,
	}

	s.setupRoutes(verifier)

	return s, nil
}

// setupRoutes configures middleware and routes.
//
// MIDDLEWARE ORDER MATTERS — the chain runs top to bottom:
// RequestID → RealIP → Recoverer → request logger → CORS → routes.
func (s *Server) setupRoutes(verifier auth.Verifier) {
	s.router.Use(chimiddleware.RequestID) // X-Request-ID for tracing
	s.router.Use(chimiddleware.RealIP)    // real client IP from proxy headers
	s.router.Use(chimiddleware.Recoverer) // panics become 500s, not crashes
	s.router.Use(middleware.Logger(s.logger))

	// The frontend is served from a different origin; mirror the permissive
	// CORS policy of the deployment this backend replaces unless narrowed
	// via CORS_ALLOWED_ORIGINS.
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	identity := service.NewIdentityService(s.db, verifier, auth.NewPasswordService(), s.logger)
	users := handler.NewUserHandler(identity, s.logger)

	s.router.Get("/", users.HandleHealth)

	s.router.Route("/user", func(r chi.Router) {
		r.Post("/register", users.HandleRegister) // verifies its own token; no account yet
		r.Post("/google-login", users.HandleGoogleLogin)
		r.Post("/lookup", users.HandleLookup)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireUser(identity, s.logger))
			r.Get("/profile", users.HandleProfile)
			r.Post("/profile", users.HandleUpdateProfile)
		})
	})
}

// Start runs the HTTP server until SIGINT/SIGTERM, then drains in-flight
// requests (30s budget) and closes the database.
func (s *Server) Start() error {
	defer s.db.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("database", s.config.DBPath),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
