// Package api exposes detection, scanning and saved reports over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/cache"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/validation"
)

const defaultUserHeader = "X-User-ID"

// Deps are the collaborators the handlers call. Cache and Telemetry may be nil.
type Deps struct {
	Detector   core.Detector
	Scanner    core.Scanner
	Store      core.ScanStore
	Authorizer core.SaveAuthorizer
	Cache      cache.ResultCache
	Telemetry  core.Telemetry
	Security   config.SecurityConfig
	// AllowPrivateTargets lets URLs on private networks through request
	// validation. The scanner applies its own setting.
	AllowPrivateTargets bool
	Logger              *logger.Logger
}

type handlers struct {
	detector   core.Detector
	scanner    core.Scanner
	store      core.ScanStore
	authorizer core.SaveAuthorizer
	cache      cache.ResultCache
	telemetry  core.Telemetry
	security   config.SecurityConfig
	userHeader string
	urlOpts    validation.URLOptions
	log        *logger.Logger
}

// NewServer builds the gin engine with middleware and routes registered.
func NewServer(deps Deps) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("api")

	h := &handlers{
		detector:   deps.Detector,
		scanner:    deps.Scanner,
		store:      deps.Store,
		authorizer: deps.Authorizer,
		cache:      deps.Cache,
		telemetry:  deps.Telemetry,
		security:   deps.Security,
		userHeader: deps.Security.UserHeader,
		urlOpts:    validation.URLOptions{AllowPrivate: deps.AllowPrivateTargets},
		log:        log,
	}
	if h.cache == nil {
		h.cache = cache.NewNoopCache()
	}
	if h.telemetry == nil {
		h.telemetry = telemetry.NewNoop()
	}
	if h.userHeader == "" {
		h.userHeader = defaultUserHeader
	}

	router := gin.New()
	router.Use(RecoveryMiddleware(log))
	router.Use(RequestIDMiddleware(log))
	router.Use(LoggingMiddleware(log))
	router.Use(CORSMiddleware(deps.Security.AllowedOrigins))
	router.Use(RateLimitMiddleware(deps.Security.RateLimit))
	if deps.Security.EnableAuth {
		router.Use(AuthMiddleware(deps.Security.APIKeyHash, log))
	}

	router.GET("/health", h.health)

	api := router.Group("/api")
	{
		api.POST("/detect-wordpress", h.detect)
		api.POST("/scan-wordpress", h.scan)
		api.GET("/scan-wordpress/stream", h.scanStream)
		api.POST("/wpscan/save-scan", h.saveScan)
		api.GET("/wpscan/scans", h.listScans)
		api.GET("/wpscan/scans/:id", h.getScan)
	}

	log.Infow("API routes registered",
		"endpoints", []string{
			"GET /health",
			"POST /api/detect-wordpress",
			"POST /api/scan-wordpress",
			"GET /api/scan-wordpress/stream",
			"POST /api/wpscan/save-scan",
			"GET /api/wpscan/scans",
			"GET /api/wpscan/scans/:id",
		},
		"auth_enabled", deps.Security.EnableAuth,
	)
	return router
}

func (h *handlers) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	healthy := true
	checks := gin.H{}

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			healthy = false
			checks["database"] = gin.H{"status": "unhealthy", "error": err.Error()}
		} else {
			checks["database"] = gin.H{"status": "healthy"}
		}
	}
	if err := h.cache.Ping(ctx); err != nil {
		healthy = false
		checks["cache"] = gin.H{"status": "unhealthy", "error": err.Error()}
	} else {
		checks["cache"] = gin.H{"status": "healthy"}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy":   healthy,
		"checks":    checks,
		"timestamp": time.Now().Unix(),
	})
}

// requestLog returns the request-scoped logger set by RequestIDMiddleware.
func (h *handlers) requestLog(c *gin.Context) *logger.Logger {
	return logger.FromContext(c.Request.Context())
}

func isClientGone(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
