package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/knpy/hikitsugi-kun/config"
	"github.com/knpy/hikitsugi-kun/handler"
	"github.com/knpy/hikitsugi-kun/middleware"
	"github.com/knpy/hikitsugi-kun/pkg/logger"
	"github.com/knpy/hikitsugi-kun/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	slog.Info("configuration loaded successfully")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize services
	gemini, err := service.NewGeminiClient(ctx, &cfg.Gemini)
	if err != nil {
		slog.Error("failed to initialize Gemini client", "error", err)
		os.Exit(1)
	}

	var archive *service.ArchiveService
	if cfg.Minio.Enabled {
		archive, err = service.NewArchiveService(&cfg.Minio)
		if err != nil {
			slog.Error("failed to initialize archive service", "error", err)
			os.Exit(1)
		}
		if err := archive.EnsureBucket(ctx); err != nil {
			slog.Error("failed to ensure archive bucket", "error", err)
			os.Exit(1)
		}
		slog.Info("archive enabled", "bucket", cfg.Minio.Bucket)
	}

	store := service.NewSessionStore(&cfg.Store)
	store.SweepExpired(cfg.SessionTTL())
	store.StartSweeper(ctx, cfg.SweepInterval(), cfg.SessionTTL())

	extractor := service.NewFrameExtractor()

	var pipeline *service.Pipeline
	if archive != nil {
		pipeline = service.NewPipeline(store, gemini, extractor, archive, cfg)
	} else {
		pipeline = service.NewPipeline(store, gemini, extractor, nil, cfg)
	}

	// Initialize handlers
	authHandler := handler.NewAuthHandler(cfg)
	uploadHandler := handler.NewUploadHandler(store, pipeline, cfg)
	analysisHandler := handler.NewAnalysisHandler(store, pipeline)
	documentHandler := handler.NewDocumentHandler(store, pipeline)

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New() // Use New() instead of Default() to avoid default middleware

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(corsMiddleware())
	router.Use(middleware.RateLimit(100, time.Minute))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"sessions":  store.Count(),
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	api := router.Group("/api")

	if cfg.AuthEnabled() {
		api.POST("/auth/login", authHandler.Login)
		api.Use(middleware.AuthMiddleware(&cfg.Auth))
		api.GET("/auth/me", authHandler.GetCurrentUser)
	}

	api.POST("/upload", uploadHandler.Upload)
	api.GET("/status/:session_id", uploadHandler.Status)
	api.GET("/events/:session_id", uploadHandler.Events)

	api.POST("/answer", analysisHandler.Answer)
	api.POST("/policy", analysisHandler.UpdatePolicy)
	api.POST("/analyze/:session_id", analysisHandler.Analyze)
	api.GET("/analysis/:session_id", analysisHandler.GetAnalysis)
	api.GET("/questions", analysisHandler.Questions)
	api.DELETE("/session/:session_id", analysisHandler.DeleteSession)

	api.POST("/generate-document", documentHandler.Generate)
	api.GET("/document/:session_id", documentHandler.Get)

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Minute, // uploads can be large
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	<-ctx.Done()
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server exited gracefully")
}

// corsMiddleware handles CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
