package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/config"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/notify"
	"qrattend/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	var (
		st attendance.Store
		db *store.DB
	)
	switch cfg.StoreBackend {
	case "memory":
		log.Println("using in-memory store (single process, no durability)")
		st = attendance.NewMemStore()
	default:
		var err error
		db, err = store.NewDB(cfg.DatabaseURL, true)
		if err != nil {
			return err
		}
		defer db.Close()
		st = attendance.NewRepository(db.Client)
	}

	var redisClient *store.Redis
	var notifier notify.Notifier
	if cfg.NotifierBackend == "memory" {
		notifier = notify.NewInMemory()
	} else {
		redisClient = store.NewRedis(cfg.RedisAddr)
		notifier = notify.NewRedis(redisClient.Client, "qrattend:roster")
	}

	sessions := attendance.NewService(st, cfg.RotateEvery, cfg.SessionTTL)
	defer sessions.Close()
	checkins := attendance.NewCheckinService(st, notifier, cfg.SessionTTL)

	a := &api{
		cfg:      cfg,
		sessions: sessions,
		checkins: checkins,
		notifier: notifier,
		redis:    redisClient,
		dbReady:  func() bool { return db == nil || db.Client.Ping() == nil },
	}

	r := a.routes()

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // roster streams stay open; per-write deadlines would cut them
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}

	log.Println("server exited")
	return nil
}

func (a *api) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(a.cfg.RateLimitPerMin, a.cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", a.handleHealthz)
	r.POST("/v1/auth/token", a.handleDevToken)

	authed := r.Group("/v1", auth.RequireAuth(a.cfg.JWTSigningKey, a.cfg.JWTIssuer))

	teachers := authed.Group("", auth.RequireRole(attendance.RoleTeacher))
	teachers.POST("/sessions", a.handleStartSession)
	teachers.GET("/sessions/:id", a.handleGetSession)
	teachers.POST("/sessions/:id/stop", a.handleStopSession)
	teachers.POST("/sessions/:id/rotate", a.handleRotateCredential)
	teachers.GET("/sessions/:id/roster", a.handleRoster)
	teachers.GET("/sessions/:id/stream", a.handleRosterStream)

	authed.POST("/checkins", auth.RequireRole(attendance.RoleStudent), a.handleCheckIn)

	return r
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
