package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/classroomhub/collab-core/internal/coordinator"
	"github.com/classroomhub/collab-core/internal/registry"
	"github.com/classroomhub/collab-core/internal/store"
	"github.com/classroomhub/collab-core/internal/v1/auth"
	"github.com/classroomhub/collab-core/internal/v1/bus"
	"github.com/classroomhub/collab-core/internal/v1/config"
	"github.com/classroomhub/collab-core/internal/v1/health"
	"github.com/classroomhub/collab-core/internal/v1/lifecycle"
	"github.com/classroomhub/collab-core/internal/v1/logging"
	"github.com/classroomhub/collab-core/internal/v1/middleware"
	"github.com/classroomhub/collab-core/internal/v1/ratelimit"
	"github.com/classroomhub/collab-core/internal/v1/session"
	"github.com/classroomhub/collab-core/internal/v1/tracing"
	"go.uber.org/zap"
)

// MockValidator is a development-only token validator that accepts any
// token, extracting whatever subject/name/email claims it can parse so the
// dev frontend's identity round-trips without a real IdP.
type MockValidator struct{}

func (m *MockValidator) ValidateToken(tokenString string) (*auth.CustomClaims, error) {
	var subject, name, email string

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err == nil {
			var claims map[string]interface{}
			if json.Unmarshal(payload, &claims) == nil {
				if sub, ok := claims["sub"].(string); ok {
					subject = sub
				}
				if n, ok := claims["name"].(string); ok {
					name = n
				}
				if e, ok := claims["email"].(string); ok {
					email = e
				}
			}
		}
	}

	if subject == "" {
		subject = "dev-user-123"
	}
	if name == "" {
		name = "Dev User"
	}
	if email == "" {
		email = "dev@example.com"
	}

	claims := &auth.CustomClaims{Name: name, Email: email}
	claims.Subject = subject
	return claims, nil
}

func main() {
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("loaded environment file", "path", path)
			break
		}
	}

	development := os.Getenv("GO_ENV") != "production"
	if err := logging.Initialize(development); err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	cfg, err := config.ValidateEnv()
	if err != nil {
		logging.Fatal(ctx, "invalid configuration", zap.Error(err))
	}

	// Tracing is purely observability: a missing collector address disables
	// it rather than failing startup.
	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		if _, err := tracing.InitTracer(ctx, "collab-core", collectorAddr); err != nil {
			logging.Warn(ctx, "tracing disabled, failed to initialize", zap.Error(err))
		} else {
			logging.Info(ctx, "tracing initialized", zap.String("collector", collectorAddr))
		}
	}

	var authValidator *auth.Validator
	if !cfg.SkipAuth {
		if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			logging.Fatal(ctx, "AUTH0_DOMAIN and AUTH0_AUDIENCE must be set when SKIP_AUTH=false")
		}
		authValidator, err = auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logging.Fatal(ctx, "failed to create auth validator", zap.Error(err))
		}
		logging.Info(ctx, "auth0 validator initialized", zap.String("domain", cfg.Auth0Domain))
	} else {
		logging.Warn(ctx, "authentication disabled for development, do not use in production")
	}

	var validator session.TokenValidator
	if authValidator != nil {
		validator = authValidator
	} else {
		validator = &MockValidator{}
	}

	// Redis is an optional cross-pod mirror only (spec Non-goal: no
	// cross-process authority); absence degrades to single-instance mode.
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Warn(ctx, "redis unavailable, continuing without cross-pod mirroring", zap.Error(err))
			busService = nil
		}
	}

	docStore, err := store.Open(ctx, cfg.StorePath)
	if err != nil {
		logging.Fatal(ctx, "failed to open document store", zap.String("path", cfg.StorePath), zap.Error(err))
	}

	lectureRegistry := registry.New()

	hubConfig := session.HubConfig{
		SweepInterval:     time.Duration(cfg.RoomCleanupIntervalMs) * time.Millisecond,
		InactiveThreshold: time.Duration(cfg.RoomInactiveThresholdMs) * time.Millisecond,
		Room: session.RoomConfig{
			MessageHistoryLimit: cfg.MessageHistoryLimit,
			RateLimitMessages:   cfg.RateLimitMessages,
			RateLimitWindow:     time.Duration(cfg.RateLimitWindowMs) * time.Millisecond,
		},
	}
	hub := session.NewHub(validator, lectureRegistry, busService, cfg.DevelopmentMode, hubConfig)
	hub.StartIdleSweep(ctx)

	// The coordinator is the only writer of lecture lifecycle state; the
	// hub only ever reads the registry it mutates. lifecycle exposes that
	// surface without reopening the admin CRUD surface (out of scope per
	// spec §1).
	lifecycleCoordinator := coordinator.New(docStore, lectureRegistry, hub)
	lifecycleHandler := lifecycle.NewHandler(lifecycleCoordinator, cfg.InternalAPISecret, cfg.DevelopmentMode)

	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsConfig))
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	limiters, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		logging.Fatal(ctx, "failed to initialize rate limiter", zap.Error(err))
	}
	router.Use(limiters.GlobalMiddleware())

	wsGroup := router.Group("/ws")
	wsGroup.Use(func(c *gin.Context) {
		if !limiters.CheckWebSocket(c) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	})
	{
		wsGroup.GET("/hub/:roomId", hub.ServeWs)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	internalGroup := router.Group("/internal")
	internalGroup.Use(lifecycleHandler.RequireSharedSecret())
	{
		internalGroup.POST("/lectures", lifecycleHandler.CreateLecture)
		internalGroup.POST("/lectures/:id/status", lifecycleHandler.TransitionStatus)
	}

	healthHandler := health.NewHandler(busService, docStore)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/health", healthHandler.Liveness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "api server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// hub.Shutdown first so server_shutdown reaches clients before the
	// listener stops accepting/serving (spec §4.4.11).
	hub.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "server forced to shutdown", zap.Error(err))
	}

	logging.Info(shutdownCtx, "server exiting")
}
