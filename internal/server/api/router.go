package api

import (
	"parcel/internal/server/auth"
	"parcel/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, issuer *auth.Issuer, users auth.UserLookup, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))
	e.Use(RequestLogger())

	required := issuer.Middleware(users, true)
	optional := issuer.Middleware(users, false)

	// Rate limiter on upload endpoints only
	uploadLimiter := NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)

	// Health & stats
	e.GET("/health", handler.HandleHealth)
	e.GET("/api/stats", handler.HandleStats)

	// Chunked uploads (rate-limited)
	uploads := e.Group("/api/uploads", required, uploadLimiter.Middleware())
	uploads.POST("/create-session", handler.HandleCreateSession)
	uploads.POST("/chunk", handler.HandleChunk)
	uploads.POST("/finalize", handler.HandleFinalize)
	uploads.POST("/create-share-from-chunks", handler.HandleCreateShareFromChunks)

	// Shares
	shares := e.Group("/api/shares")
	shares.POST("", handler.HandleCreateShare, required, uploadLimiter.Middleware())
	shares.GET("", handler.HandleListShares, required)
	shares.POST("/prune-expired", handler.HandlePruneExpired, required)
	shares.GET("/:id", handler.HandleGetShare, optional)
	shares.GET("/:id/download", handler.HandleDownload, optional)
	shares.POST("/:id/expire", handler.HandleExpire, required)
	shares.POST("/:id/extend", handler.HandleExtend, required)
	shares.POST("/:id/set-download-limit", handler.HandleSetDownloadLimit, required)
	shares.POST("/:id/retry-archive", handler.HandleRetryArchive, required)
	shares.POST("/:id/delete", handler.HandleDeleteShare, required)

	// Reverse shares
	e.POST("/api/reverse-shares/invite", handler.HandleInvite, required)

	return e
}
