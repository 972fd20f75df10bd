package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"presence/internal/auth"
	"presence/internal/config"
	"presence/internal/directory"
	"presence/internal/faceclient"
	"presence/internal/geo"
	"presence/internal/handler"
	"presence/internal/httpmiddleware"
	"presence/internal/ledger"
	"presence/internal/logging"
	"presence/internal/metrics"
	"presence/internal/override"
	"presence/internal/pipeline"
	"presence/internal/queue"
	"presence/internal/session"
	"presence/internal/store"
)

func main() {
	cfg := config.Load()

	logg, err := logging.Init(os.Getenv("LOG_LEVEL"), cfg.Env)
	if err != nil {
		panic(err)
	}
	defer logg.Closer()
	log := logg.Base

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, log); err != nil {
		log.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var (
		db  *store.DB
		led ledger.Ledger
		err error
	)
	if cfg.LedgerBackend == "memory" {
		led = ledger.NewMemory()
		log.Warn("using in-memory ledger, records will not survive restart")
	} else {
		db, err = store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		led, err = ledger.NewPostgres(ctx, db.Client)
		if err != nil {
			return err
		}
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "presence:marks")
	}
	announce := func(rec ledger.Record) {
		body, _ := json.Marshal(rec)
		if err := q.Publish(ctx, queue.Message{Type: "attendance", Body: body}); err != nil {
			log.Warn("queue publish failed", zap.Error(err))
		}
	}

	var dir directory.Resolver
	if cfg.DirectoryURL != "" {
		dir = directory.NewHTTP(cfg.DirectoryURL, cfg.ProviderTimeout)
	} else {
		log.Warn("no DIRECTORY_URL configured, using empty static directory")
		dir = directory.NewStatic()
	}

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip, cfg.ProviderTimeout)
	if !cfg.FaceSkip {
		if err := face.Health(ctx); err != nil {
			log.Warn("face service not reachable at startup", zap.Error(err))
		}
	}

	registry := session.NewRegistry()
	go registry.Sweep(ctx, cfg.SweepInterval)

	pipe := pipeline.New(pipeline.Config{
		Registry:        registry,
		Ledger:          led,
		Directory:       dir,
		Geo:             geo.HaversineChecker{},
		Face:            face,
		Classroom:       geo.Coordinates{Latitude: cfg.ClassroomLat, Longitude: cfg.ClassroomLon},
		ToleranceMeters: cfg.GeoToleranceM,
		ProviderTimeout: cfg.ProviderTimeout,
		Log:             log,
		OnRecord:        announce,
	})
	ovr := override.New(led, dir, log, announce)

	h := handler.New(cfg, log, registry, pipe, led, ovr, dir)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db == nil || db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/auth/token", h.IssueToken)

	teacherGroup := r.Group("/v1", auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleTeacher))
	teacherGroup.POST("/sessions", h.StartSession)
	teacherGroup.POST("/sessions/:id/stop", h.StopSession)
	teacherGroup.GET("/sessions/:id/qr", h.SessionQR)
	teacherGroup.GET("/sessions/:id/attendance", h.SessionAttendance)
	teacherGroup.POST("/attendance/override", h.Override)

	studentGroup := r.Group("/v1", auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStudent))
	studentGroup.POST("/verify/qr", h.VerifyQR)
	studentGroup.POST("/verify/location", h.VerifyLocation)
	studentGroup.POST("/verify/face", h.VerifyFace)
	studentGroup.GET("/verify/state", h.VerifyState)

	anyGroup := r.Group("/v1", auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer))
	anyGroup.GET("/sessions/discover", h.Discover)
	anyGroup.GET("/attendance", h.QueryAttendance)
	anyGroup.GET("/attendance/history/:student_id", h.History)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting server", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced shutdown", zap.Error(err))
	}

	log.Info("server exited")
	return nil
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
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
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
