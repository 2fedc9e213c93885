package handler

import (
	"github.com/trustgate/trustgate/internal/config"
	"github.com/trustgate/trustgate/internal/database"
	"github.com/trustgate/trustgate/internal/logger"
	"github.com/trustgate/trustgate/internal/service"
)

// Handler holds all HTTP handlers
type Handler struct {
	db         *database.Postgres
	rdb        *database.Redis
	log        *logger.Logger
	cfg        *config.Config
	authSvc    *service.AuthService
	tokenSvc   *service.TokenService
	sessionSvc *service.SessionService
	mfaSvc     *service.MFAService
	rbacSvc    *service.RBACService
	auditSvc   *service.AuditService
}

// New creates a new Handler instance
func New(db *database.Postgres, rdb *database.Redis, log *logger.Logger, cfg *config.Config, authSvc *service.AuthService, tokenSvc *service.TokenService, sessionSvc *service.SessionService, mfaSvc *service.MFAService, rbacSvc *service.RBACService, auditSvc *service.AuditService) *Handler {
	return &Handler{
		db:         db,
		rdb:        rdb,
		log:        log,
		cfg:        cfg,
		authSvc:    authSvc,
		tokenSvc:   tokenSvc,
		sessionSvc: sessionSvc,
		mfaSvc:     mfaSvc,
		rbacSvc:    rbacSvc,
		auditSvc:   auditSvc,
	}
}
