package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"carelink-chat/internal/chat"
	"carelink-chat/internal/config"
	"carelink-chat/internal/db"
	"carelink-chat/internal/events"
	myMiddleware "carelink-chat/internal/middleware"
	"carelink-chat/internal/ratelimit"
	"carelink-chat/internal/user"
)

func main() {
	// 1. Config & Logger
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ config: %v", err)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx := context.Background()

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer database.Close()
	logger.Info("connected to postgres")

	if err := database.AutoMigrate(ctx); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("database schema initialized")

	// 3. Connect to Redis (Platform Layer)
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("connected to redis")

	// 4. User Feature
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)

	// 5. Chat Feature
	chatRepo := chat.NewRepository(database.Conn)
	resolver := chat.NewResolver(chatRepo)

	opts := []chat.ServiceOption{
		chat.WithLimiter(ratelimit.NewLimiter(redisClient, cfg.SendRateLimit, time.Minute)),
	}
	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer publisher.Close()
		opts = append(opts, chat.WithPublisher(publisher))
		logger.Info("publishing message events", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}
	messages := chat.NewService(resolver, chatRepo, logger, opts...)
	// runs before publisher.Close so queued events still reach the broker
	defer messages.Close()

	// presence lives and dies with this process
	presence := chat.NewPresence()
	router := chat.NewRouter(logger)
	gateway := chat.NewGateway(resolver, messages, presence, router, logger)
	aggregator := chat.NewAggregator(chatRepo, chatRepo)

	chatHandler := chat.NewHandler(gateway, messages, aggregator, cfg.AllowedOrigins, logger)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(myMiddleware.Metrics)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(myMiddleware.Logger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Public Routes
	r.Post("/login", userHandler.Login)
	r.Get("/health", health(database, redisClient))
	r.Handle("/metrics", promhttp.Handler())

	// Protected Routes (Require session token)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/me", userHandler.Me)

		// WebSocket (Real-time)
		r.Get("/ws", chatHandler.ServeWs)

		r.Get("/api/conversations", chatHandler.ListConversations)
		r.Get("/api/conversations/{appointmentId}", chatHandler.GetConversation)
		r.Post("/api/conversations/{appointmentId}", chatHandler.PostMessage)
		r.Post("/api/conversations/{appointmentId}/read", chatHandler.MarkRead)
	})

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", cfg.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown does not wait for hijacked websocket connections; their pumps
	// exit when the process does.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func health(database *db.Database, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		code := http.StatusOK
		body := map[string]string{"status": "ok", "postgres": "ok", "redis": "ok"}
		if err := database.Ping(ctx); err != nil {
			code, body["status"], body["postgres"] = http.StatusServiceUnavailable, "degraded", err.Error()
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			code, body["status"], body["redis"] = http.StatusServiceUnavailable, "degraded", err.Error()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(body)
	}
}
