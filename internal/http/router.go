// Package httpapi wires the HTTP transport (Gin) to the control-bot webhook
// and the operator API. It centralizes cross-cutting concerns: tracing,
// correlation IDs, redacted access logs, panic recovery, metrics, CORS,
// security headers, authentication and rate limiting.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	_ "github.com/tbourn/go-account-warden/docs"
	"github.com/tbourn/go-account-warden/internal/config"
	"github.com/tbourn/go-account-warden/internal/http/handlers"
	"github.com/tbourn/go-account-warden/internal/http/middleware"
)

// maxBodyBytes caps request bodies. Telegram updates are a few KiB.
const maxBodyBytes = 1 << 20

// Deps are the collaborators the HTTP layer dispatches to. In production
// Dialog is *services.AuthFlow, Sessions *services.Registry, Records
// *services.AccountStore and Answerer *botapi.Client.
type Deps struct {
	DB       *gorm.DB
	Dialog   handlers.Dialog
	Sessions handlers.SessionDirectory
	Records  handlers.RecordReader
	Answerer handlers.CallbackAnswerer
}

// RegisterRoutes attaches all middleware and endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with secret and PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. CORS and security headers
//
// The webhook throttles per control chat inside the handler; the operator
// group adds gzip, bearer auth and a per-caller limiter.
func RegisterRoutes(r *gin.Engine, d Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(corsMiddleware(cfg.CORS)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
		CacheControl: "no-store",
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) {
		n := 0
		if d.Sessions != nil {
			n = len(d.Sessions.List())
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": n})
	})

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Control bot webhook
	webhook := &handlers.Webhook{
		Dialog:   d.Dialog,
		Answerer: d.Answerer,
		DB:       d.DB,
		DedupTTL: cfg.UpdateDedupTTL,
		Secret:   cfg.Bot.WebhookSecret,
		Limiter:  middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, nil),
	}
	r.POST(cfg.Bot.WebhookPath, webhook.Handle)

	// Operator API
	op := &handlers.Operator{
		Sessions: d.Sessions,
		Records:  d.Records,
		DB:       d.DB,
	}
	if d.Dialog != nil {
		op.Logout = d.Dialog.Logout
	}
	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(
		gzip.Gzip(gzip.DefaultCompression),
		middleware.BearerAuth(cfg.Bot.AdminToken),
		middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByBearerOrIP()).Handler(),
	)
	{
		api.GET("/sessions", op.ListSessions)
		api.DELETE("/sessions/:id", op.DeleteSession)
		api.GET("/accounts/:id", op.GetAccount)
		api.GET("/accounts/:id/actions", op.ListActions)
	}
}

// corsMiddleware returns the CORS posture: allow all origins when none are
// configured, otherwise echo allow-listed origins.
func corsMiddleware(c config.CORSConfig) []gin.HandlerFunc {
	base := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match"},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", "Last-Modified"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	if len(c.AllowedOrigins) == 0 {
		base.AllowAllOrigins = true
		return []gin.HandlerFunc{
			// ACAO on every response, including requests without Origin.
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(base),
		}
	}

	allowed := make(map[string]struct{}, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	base.AllowOrigins = c.AllowedOrigins
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(base),
	}
}

// limitBody caps the request body at maxBytes using http.MaxBytesReader.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
