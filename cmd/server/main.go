package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"

	"github.com/dulorai/tmdh-studio/internal/auth"
	"github.com/dulorai/tmdh-studio/internal/config"
	"github.com/dulorai/tmdh-studio/internal/export"
	"github.com/dulorai/tmdh-studio/internal/gen"
	"github.com/dulorai/tmdh-studio/internal/handler"
	"github.com/dulorai/tmdh-studio/internal/logger"
	"github.com/dulorai/tmdh-studio/internal/orchestrator"
	"github.com/dulorai/tmdh-studio/internal/service"
)

func main() {
	// --- Configuration ---
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// --- Logger Setup ---
	log, err := logger.New(logger.Config{
		Level:    cfg.LogLevel,
		Encoding: "json",
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	zap.ReplaceGlobals(log)
	zap.L().Info("Configuration loaded", zap.String("logLevel", cfg.LogLevel))

	// --- External Connections ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		DB:       cfg.RedisDB,
		Password: cfg.RedisPassword,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		zap.L().Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	zap.L().Info("Connected to Redis", zap.String("addr", cfg.RedisAddr))

	if err := os.MkdirAll(cfg.ExportDir, 0o755); err != nil {
		zap.L().Fatal("Failed to create export directory", zap.Error(err))
	}

	// --- Dependency Injection ---
	genClient, err := gen.NewClient(gen.Config{
		APIKey:         cfg.AIAPIKey,
		BaseURL:        cfg.AIBaseURL,
		TextModel:      cfg.AITextModel,
		ImageModel:     cfg.AIImageModel,
		Timeout:        cfg.AITimeout,
		MaxAttempts:    cfg.AIMaxAttempts,
		BaseRetryDelay: cfg.AIBaseRetryDelay,
	}, log.Named("GenClient"))
	if err != nil {
		zap.L().Fatal("Failed to create AI client", zap.Error(err))
	}

	tokenStore := auth.NewRedisTokenStore(redisClient)
	gate := auth.NewGate(cfg.InviteCodes, cfg.TokenSecret, cfg.TokenTTL, tokenStore, log.Named("AuthGate"))

	assembler := export.NewVideoAssembler(export.VideoConfig{
		FFmpegPath:   cfg.FFmpegPath,
		OutputDir:    cfg.ExportDir,
		ShotDuration: cfg.ShotDuration,
	}, log.Named("VideoAssembler"))
	tasks := export.NewTaskManager(cfg.ExportTaskLimit, log.Named("ExportTasks"))

	studio := service.NewStudio(genClient, genClient, service.Config{
		MaxSceneCount: cfg.MaxSceneCount,
		Orchestrator: orchestrator.Config{
			ShotDelay:  cfg.ShotDelay,
			QuotaPause: cfg.QuotaPause,
		},
	}, assembler, tasks, log.Named("Studio"))
	defer studio.Close()

	wsHandler := handler.NewWSHandler(studio, log)
	httpHandler := handler.NewHTTPHandler(studio, gate, wsHandler, cfg.MaxUploadBytes, log)

	// --- HTTP Server Setup (Gin) ---
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.RedirectTrailingSlash = true
	router.Use(handler.GinZapLogger(log))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	corsConfig.MaxAge = 12 * time.Hour
	if len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.CORSAllowedOrigins
		corsConfig.AllowCredentials = true
	}
	router.Use(cors.New(corsConfig))

	httpHandler.RegisterRoutes(router)

	// Prometheus middleware вешается после регистрации роутов
	p := ginprometheus.NewPrometheus("gin")
	p.Use(router)

	// --- Background Maintenance ---
	cleanupDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-cleanupDone:
				return
			case <-ticker.C:
				tasks.CleanupTasks(24 * time.Hour)
			}
		}
	}()

	// --- Start HTTP Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.HTTPPort,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Разбиение на сцены и ретрай кадра выполняются синхронно и могут
		// длиться до AI_TIMEOUT.
		WriteTimeout: cfg.AITimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	zap.L().Info("Starting HTTP server", zap.String("port", cfg.HTTPPort))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.L().Fatal("HTTP Server listen error", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zap.L().Info("Shutting down server...")

	close(cleanupDone)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("HTTP Server forced to shutdown", zap.Error(err))
	}

	zap.L().Info("Server exited")
}
