// Package server provides the main HTTP server implementation.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nullstream/antigravity-bridge/internal/auth"
	"github.com/nullstream/antigravity-bridge/internal/cloudcode"
	"github.com/nullstream/antigravity-bridge/internal/cloudcode/quota"
	"github.com/nullstream/antigravity-bridge/internal/config"
	"github.com/nullstream/antigravity-bridge/internal/format"
	"github.com/nullstream/antigravity-bridge/internal/server/handlers"
	"github.com/nullstream/antigravity-bridge/internal/store"
	"github.com/nullstream/antigravity-bridge/internal/utils"
)

// Server represents the main HTTP server.
type Server struct {
	engine     *gin.Engine
	store      store.Store
	session    *auth.Session
	pool       *quota.Pool
	dispatcher *cloudcode.Dispatcher
	cfg        *config.Config

	fallbackEnabled bool

	initOnce    sync.Once
	initialized bool
}

// Options holds server configuration options.
type Options struct {
	FallbackEnabled bool
	Debug           bool
}

// New creates a new Server instance wired to the single active account's
// session, its persisted store, and the shared endpoint pool.
func New(cfg *config.Config, st store.Store, session *auth.Session, pool *quota.Pool, opts Options) *Server {
	if opts.Debug || cfg.DevMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())

	return &Server{
		engine:          engine,
		store:           st,
		session:         session,
		pool:            pool,
		cfg:             cfg,
		fallbackEnabled: opts.FallbackEnabled,
	}
}

// Initialize prepares the dispatcher and starts background endpoint-state
// cleanup. Idempotent; safe to call more than once.
func (s *Server) Initialize(ctx context.Context) error {
	s.initOnce.Do(func() {
		s.dispatcher = cloudcode.NewDispatcher(s.session, s.store, s.pool)
		s.pool.StartStateCleanup()
		utils.Success("[Server] Dispatcher initialized against endpoint pool: %v", s.pool.Endpoints())
		s.initialized = true
	})

	return nil
}

// SetupRoutes sets up all HTTP routes.
func (s *Server) SetupRoutes() {
	s.engine.Use(CORSMiddleware())
	s.engine.Use(SilentHandlerMiddleware())
	s.engine.Use(RequestLoggingMiddleware())
	s.engine.Use(LoopbackOnlyMiddleware(s.cfg))

	s.engine.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, config.RequestBodyLimit)
		c.Next()
	})

	healthHandler := handlers.NewHealthHandler(s.store, s.session, s.pool)
	modelsHandler := handlers.NewModelsHandler(s.store, s.session)
	messagesHandler := handlers.NewMessagesHandler(s.dispatcher, s.cfg, s.fallbackEnabled)

	s.engine.POST("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.engine.POST("/test/clear-signature-cache", func(c *gin.Context) {
		format.ClearThinkingSignatureCache()
		utils.Debug("[Test] Cleared thinking signature cache")
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Thinking signature cache cleared",
		})
	})

	s.engine.GET("/health", healthHandler.Health)

	// Renamed from the upstream project's "/account-limits" to match this
	// proxy's single-account status shape.
	s.engine.GET("/antigravity-status", healthHandler.AntigravityStatus)

	s.engine.POST("/refresh-token", func(c *gin.Context) {
		ctx := c.Request.Context()
		acc, found, err := store.ActiveAccount(ctx, s.store)
		if err != nil || !found {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"type":  "error",
				"error": gin.H{"type": "api_error", "message": "no account is logged in"},
			})
			return
		}
		s.session.ClearCacheForAccount(acc.Email)
		if _, err := s.session.GetAccessToken(ctx, acc.Email); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"type":  "error",
				"error": gin.H{"type": "api_error", "message": err.Error()},
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	v1 := s.engine.Group("/v1")
	v1.Use(APIKeyAuthMiddleware(s.cfg))
	{
		v1.GET("/models", modelsHandler.ListModels)
		v1.POST("/messages/count_tokens", messagesHandler.CountTokens)
		v1.POST("/messages", messagesHandler.Messages)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		if utils.IsDebug() {
			utils.Debug("[API] 404 Not Found: %s %s", c.Request.Method, c.Request.URL.Path)
		}
		c.JSON(http.StatusNotFound, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "not_found_error",
				"message": fmt.Sprintf("Endpoint %s %s not found", c.Request.Method, c.Request.URL.Path),
			},
		})
	})
}

// Run starts the HTTP server on addr. Initialize must be called first.
func (s *Server) Run(addr string) error {
	s.SetupRoutes()

	utils.Info("[Server] Starting on %s", addr)

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 50 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return srv.ListenAndServe()
}

// Engine returns the Gin engine for testing or custom configuration.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
