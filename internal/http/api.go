package http

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"variant-studio/internal/auth"
	"variant-studio/internal/billing"
	"variant-studio/internal/ratelimit"
	"variant-studio/internal/repository"
	"variant-studio/internal/service"
	"variant-studio/internal/workspace"
)

type Config struct {
	CookieName     string
	SecureCookie   bool
	MaxUploadBytes int64
	StaticDir      string
}

// Deps groups the services the handler routes to. Limiter may be nil.
type Deps struct {
	Users   service.UserService
	Runs    service.RunService
	Billing service.BillingService
	History *workspace.History
	Tokens  *auth.Issuer
	Limiter *ratelimit.Limiter
	Logger  *logrus.Logger
}

// Handler wires HTTP routes to domain services.
type Handler struct {
	cfg Config
	Deps
}

func NewHandler(cfg Config, deps Deps) *Handler {
	if cfg.CookieName == "" {
		cfg.CookieName = "variant_session"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 512 << 20
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	return &Handler{cfg: cfg, Deps: deps}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware(), requestLogger(h.Logger))

	api := router.Group("/api")
	{
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
		api.POST("/auth/register", h.register)
		api.POST("/auth/login", h.login)
		api.POST("/auth/logout", h.logout)
		api.POST("/billing/webhook", h.billingWebhook)
	}

	authed := api.Group("", h.requireAuth())
	{
		authed.GET("/me", h.me)

		limited := authed.Group("", h.rateLimit())
		limited.POST("/process-images", h.processImages)
		limited.POST("/process-videos", h.processVideos)

		authed.GET("/runs", h.listRuns)
		authed.GET("/runs/:id", h.getRun)
		authed.DELETE("/runs/:id", h.deleteRun)
		authed.GET("/runs/:id/backup-url", h.backupURL)
		authed.GET("/download-zip/:filename", h.downloadZip)

		authed.GET("/history", h.historyPage)
		authed.GET("/get-history", h.getHistory)
		authed.GET("/download/:filename", h.downloadFile)
		authed.POST("/delete-file", h.deleteFile)
		authed.POST("/delete-multiple", h.deleteMultiple)
		authed.POST("/download-multiple", h.downloadMultiple)

		authed.POST("/billing/checkout", h.checkout)
		authed.GET("/storage/objects", h.listObjects)
	}

	if h.cfg.StaticDir != "" {
		files := http.FileServer(http.Dir(h.cfg.StaticDir))
		router.NoRoute(func(c *gin.Context) {
			if c.Request.Method != http.MethodGet || strings.HasPrefix(c.Request.URL.Path, "/api/") {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			files.ServeHTTP(c.Writer, c.Request)
		})
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, Stripe-Signature")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, Retry-After")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithField("status", c.Writer.Status()).
			WithField("method", c.Request.Method).
			WithField("path", c.Request.URL.Path).
			WithField("latency", time.Since(start).Round(time.Microsecond).String())
		if id, ok := c.Get(userIDKey); ok {
			entry = entry.WithField("user_id", id)
		}
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			entry.Error("request failed")
		case status >= http.StatusBadRequest:
			entry.Warn("request rejected")
		default:
			entry.Debug("request served")
		}
	}
}

// writeError maps service errors onto HTTP statuses. Unknown errors are 500s.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrUserAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, service.ErrInsufficientTokens):
		status = http.StatusPaymentRequired
	case errors.Is(err, service.ErrUnsupportedMedia):
		status = http.StatusUnsupportedMediaType
	case isMaxBytes(err):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, service.ErrInvalidReferralCode),
		errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrNoFiles),
		errors.Is(err, service.ErrInvalidBatchSize),
		errors.Is(err, service.ErrInvalidPlan),
		errors.Is(err, workspace.ErrInvalidName),
		errors.Is(err, billing.ErrInvalidSignature):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrRunNotFound),
		errors.Is(err, repository.ErrNotFound),
		errors.Is(err, fs.ErrNotExist):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrStorageDisabled),
		errors.Is(err, service.ErrBillingDisabled):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func isMaxBytes(err error) bool {
	var maxBytes *http.MaxBytesError
	return errors.As(err, &maxBytes)
}

// sendAttachment serves a file on disk as a download.
func sendAttachment(c *gin.Context, path string) {
	info, err := os.Stat(path)
	if err != nil {
		writeError(c, err)
		return
	}
	if !info.Mode().IsRegular() {
		writeError(c, fs.ErrNotExist)
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}
