package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"realtime_chat/internal/bus"
	"realtime_chat/internal/config"
	"realtime_chat/internal/handler"
	"realtime_chat/internal/middleware"
	"realtime_chat/internal/repository"
	"realtime_chat/internal/service"
	"realtime_chat/internal/session"
	"realtime_chat/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализация логгера
	appLogger := logger.New(cfg.Log.Level)

	// Подключение к PostgreSQL
	dbPool, err := pgxpool.New(context.Background(), cfg.Database.DSN)
	if err != nil {
		appLogger.Fatal("Failed to connect to database", "error", err)
	}
	defer dbPool.Close()

	// Проверка подключения к БД
	if err := dbPool.Ping(context.Background()); err != nil {
		appLogger.Fatal("Failed to ping database", "error", err)
	}
	appLogger.Info("Database connection established")

	// Подключение к Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// Проверка подключения к Redis
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		appLogger.Fatal("Failed to connect to Redis", "error", err)
	}
	appLogger.Info("Redis connection established")

	// Шина событий: redis для нескольких процессов, memory для одного
	var eventBus bus.Bus
	switch cfg.Bus.Driver {
	case "memory":
		eventBus = bus.NewMemoryBus(cfg.Bus.SubscribeBuffer, appLogger)
	default:
		eventBus = bus.NewRedisBus(rdb, cfg.Bus.SubscribeBuffer, cfg.Bus.PublishRetries, cfg.Bus.PublishBackoff, appLogger)
	}
	appLogger.Info("Event bus initialized", "driver", cfg.Bus.Driver)

	// Инициализация репозиториев
	repos := repository.NewRepositories(dbPool, rdb, appLogger)

	// Инициализация сервисов
	services := service.NewServices(repos, eventBus, cfg, appLogger)

	// Реестр сессий: присутствие и подписки комнат живут здесь
	registry := session.NewRegistry(eventBus, repos.Room, cfg.Chat.PresenceGrace, cfg.Chat.SendBuffer, appLogger)

	// Инициализация middleware
	authMiddleware := middleware.NewAuthMiddleware(services.Auth, appLogger)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(services.RateLimit, cfg.Chat.RateLimit, cfg.Chat.RateLimitWindow, appLogger)

	// Инициализация handlers
	handlers := handler.NewHandlers(services, registry, eventBus, appLogger)

	// Настройка роутера
	router := setupRouter(handlers, authMiddleware, rateLimitMiddleware, cfg)

	// Запуск HTTP сервера
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		appLogger.Info("Starting server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Ожидание сигнала для graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Fatal("Server forced to shutdown", "error", err)
	}

	appLogger.Info("Server exited")
}

func setupRouter(
	handlers *handler.Handlers,
	authMiddleware *middleware.AuthMiddleware,
	rateLimitMiddleware *middleware.RateLimitMiddleware,
	cfg *config.Config,
) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.ErrorHandler())

	// Health check
	router.GET("/health", handlers.Health.Check)

	// WebSocket endpoint: токен проверяется внутри (query или header)
	router.GET("/ws", handlers.WebSocket.HandleWS)

	// API v1
	v1 := router.Group("/api/v1")
	{
		protected := v1.Group("")
		protected.Use(authMiddleware.RequireAuth())
		protected.Use(rateLimitMiddleware.Limit())
		{
			protected.GET("/rooms/:id/messages", handlers.Chat.GetMessages)
			protected.GET("/messages/:messageId/receipts", handlers.Chat.GetReceipts)
		}
	}

	return router
}
