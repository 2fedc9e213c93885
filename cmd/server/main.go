package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trustgate/trustgate/internal/auth"
	"github.com/trustgate/trustgate/internal/config"
	"github.com/trustgate/trustgate/internal/database"
	"github.com/trustgate/trustgate/internal/handler"
	"github.com/trustgate/trustgate/internal/logger"
	"github.com/trustgate/trustgate/internal/middleware"
	"github.com/trustgate/trustgate/internal/model"
	"github.com/trustgate/trustgate/internal/repository"
	"github.com/trustgate/trustgate/internal/router"
	"github.com/trustgate/trustgate/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", "0.1.0").Msg("starting TrustGate server")

	// Connect to PostgreSQL
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("connected to PostgreSQL")

	// Connect to Redis
	rdb, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("connected to Redis")

	// Initialize repositories
	principalRepo := repository.NewPrincipalRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	tokenRepo := repository.NewTokenRepository(db)
	mfaRepo := repository.NewMFARepository(db)
	rbacRepo := repository.NewRBACRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Initialize token signer
	signer, err := auth.NewTokenSigner(cfg.Security.Tokens.SigningKeySeed, cfg.Security.Tokens.Issuer, cfg.Security.Tokens.AccessTokenTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize token signer")
	}
	if cfg.Security.Tokens.SigningKeySeed == "" {
		log.Warn().Msg("no signing key seed configured; using an ephemeral key")
	}

	// Initialize services
	auditSvc := service.NewAuditService(auditRepo, rdb, cfg.Audit.PublishChannel, log)
	tokenSvc := service.NewTokenService(tokenRepo, sessionRepo, principalRepo, auditSvc, signer, cfg, log)
	sessionSvc := service.NewSessionService(sessionRepo, tokenRepo, auditSvc, cfg, log)
	mfaSvc := service.NewMFAService(mfaRepo, principalRepo, auditSvc, cfg, log)
	rbacSvc := service.NewRBACService(rbacRepo, auditSvc, cfg, log)
	authSvc := service.NewAuthService(principalRepo, sessionSvc, tokenSvc, mfaSvc, auditSvc, rdb, cfg, log)

	// Seed system roles
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if _, err := rbacSvc.EnsureRole(bootCtx, "admin", []model.Permission{
		model.PermRBACManage,
		model.PermAuditRead,
		model.PermPrincipalAdm,
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to seed admin role")
	}
	if _, err := rbacSvc.EnsureRole(bootCtx, "auditor", []model.Permission{
		model.PermAuditRead,
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to seed auditor role")
	}
	bootCancel()

	// Initialize handlers
	h := handler.New(db, rdb, log, cfg, authSvc, tokenSvc, sessionSvc, mfaSvc, rbacSvc, auditSvc)

	// Initialize middleware
	mw := middleware.New(rdb, log, cfg)

	// Set up router
	r := router.New(h, mw, log, tokenSvc, sessionSvc, rbacSvc)

	// Background maintenance: sweep expired families and stale sessions
	maintCtx, maintCancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-maintCtx.Done():
				return
			case <-ticker.C:
				if _, err := tokenSvc.SweepExpiredFamilies(maintCtx, 24*time.Hour); err != nil {
					log.Error().Err(err).Msg("family sweep failed")
				}
				if _, err := sessionSvc.SweepStale(maintCtx, 30*24*time.Hour, 500); err != nil {
					log.Error().Err(err).Msg("session sweep failed")
				}
			}
		}
	}()

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")
	maintCancel()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
