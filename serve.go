package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"roomchat/internal/api"
	"roomchat/internal/auth"
	"roomchat/internal/logging"
	"roomchat/internal/realtime"
	"roomchat/internal/redis"
	"roomchat/internal/service/chat"
	"roomchat/internal/service/completion"
	"roomchat/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.BasicConfig.LogLevel, cfg.BasicConfig.LogDevelopment)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, driver, err := openDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	var cache *redis.Client
	if cfg.Redis.Enabled() {
		cache, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer cache.Close()
		logger.Info("token cache enabled", zap.String("addr", redis.Addr(cfg.Redis)))
	}

	authService := auth.NewService(db, cache, time.Duration(cfg.BasicConfig.TokenTTLHours)*time.Hour).
		WithLogger(logger.Named("auth"))
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	janitorDone := authService.StartJanitor(janitorCtx, time.Duration(cfg.BasicConfig.TokenCleanMinutes)*time.Minute)
	defer func() {
		stopJanitor()
		<-janitorDone
	}()

	dispatcher := worker.NewDispatcher(worker.Config{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}, logger.Named("worker"))
	defer dispatcher.Close()

	factory, err := completion.NewProviderFactory(cfg)
	if err != nil {
		logger.Warn("completion provider unavailable, replies will use the fallback text", zap.Error(err))
	}
	completer := completion.NewService(cfg.Completion, factory, dispatcher, logger.Named("completion"))
	chats := chat.NewService(db, logger.Named("chat"))
	hub := realtime.NewHub(realtime.NewPresence(), logger.Named("realtime"))

	if !cfg.BasicConfig.LogDevelopment {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(logging.GinMiddleware(logger.Named("http")), logging.GinRecovery(logger))
	api.NewHandler(chats, authService, completer, hub, api.Options{
		PublicBaseURL:  cfg.BasicConfig.PublicBaseURL,
		AllowedOrigins: cfg.BasicConfig.CORSOrigins,
		Logger:         logger.Named("api"),
	}).RegisterRoutes(router)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.BasicConfig.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", "X-CSRF-Token", "X-Connection-ID"},
		AllowCredentials: true,
	})
	server := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           corsHandler.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("driver", driver),
			zap.String("provider", cfg.Completion.Provider),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
	}

	logger.Info("shutting down")
	// hijacked websocket connections are not tracked by Shutdown
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
