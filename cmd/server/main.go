// Package main is the entry point for the triangle auth backend.
//
// main's job is deliberately small:
//  1. Load configuration (.env + environment)
//  2. Build the things that need startup work (logger, token verifier)
//  3. Hand everything to internal/server and block
//
// All actual logic lives in the internal packages.
package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sakif/triangle-auth/internal/auth"
	"github.com/sakif/triangle-auth/internal/config"
	"github.com/sakif/triangle-auth/internal/server"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Ensure the database directory exists (DB_PATH may point anywhere).
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("failed to create database directory",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	// TOKEN VERIFIER — built explicitly, at startup, and passed down.
	// Credential problems fail loudly here instead of on an unlucky request.
	// With no credentials at all the server still boots (health, lookup),
	// but every authenticated route rejects — same stance as the deployment
	// this backend replaces.
	verifier := buildVerifier(cfg, logger)

	srv, err := server.New(server.Config{
		Port:           cfg.Port,
		DBPath:         cfg.DBPath,
		AllowedOrigins: cfg.AllowedOrigins,
	}, verifier, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func buildVerifier(cfg *config.Config, logger *slog.Logger) auth.Verifier {
	if blob, ok := cfg.CredentialsJSON(); ok {
		v, err := auth.NewGoogleVerifier(context.Background(), blob)
		if err != nil {
			logger.Error("invalid Google credentials", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("token verifier ready", slog.String("project", v.ProjectID()))
		return v
	}

	// Verifying ID tokens only needs the project ID and Google's public
	// certs — accept a bare GOOGLE_PROJECT_ID before giving up.
	if cfg.GoogleProjectID != "" {
		logger.Info("token verifier ready (project ID only)",
			slog.String("project", cfg.GoogleProjectID))
		return auth.NewGoogleVerifierForProject(cfg.GoogleProjectID)
	}

	logger.Warn("Google credentials not configured — federated login will fail")
	return auth.DisabledVerifier{}
}
