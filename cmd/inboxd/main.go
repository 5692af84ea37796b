package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nivora/inboxd/internal/assignment"
	"github.com/nivora/inboxd/internal/dispatch"
	"github.com/nivora/inboxd/internal/httpapi"
	"github.com/nivora/inboxd/internal/ingest"
	"github.com/nivora/inboxd/internal/notifier"
	"github.com/nivora/inboxd/internal/provider"
	"github.com/nivora/inboxd/internal/storage"
	"github.com/nivora/inboxd/internal/tasks"
	"github.com/nivora/inboxd/pkg/config"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		dbConfig := storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}
		store, err = storage.NewPostgresStorage(dbConfig, logger)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	// Initialize realtime notifier
	var events notifier.Notifier = notifier.Noop{}
	if cfg.AMQP.URL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		events, err = notifier.NewAMQPNotifier(ctx, notifier.AMQPOptions{
			URL:      cfg.AMQP.URL,
			Exchange: cfg.AMQP.Exchange,
		}, logger)
		cancel()
		if err != nil {
			logger.Fatal("Failed to connect realtime notifier", zap.Error(err))
		}
	} else {
		logger.Info("Realtime notifications disabled")
	}
	defer events.Close()

	// Initialize provider client
	providerClient := provider.NewHTTPClient(provider.HTTPClientOptions{
		BaseURL:       cfg.Provider.BaseURL,
		PhoneNumberID: cfg.Provider.PhoneNumberID,
		AccessToken:   cfg.Provider.AccessToken,
	})

	// Background task runner for post-commit automations
	runner := tasks.NewRunner(logger, tasks.RunnerOptions{})
	go func() {
		for taskErr := range runner.Errors() {
			logger.Warn("automation task gave up",
				zap.String("task", taskErr.Task),
				zap.Error(taskErr.Err))
		}
	}()

	// Initialize services
	ingestSvc := ingest.NewService(store, events, runner, nil, logger)
	assignmentSvc := assignment.NewService(store, events, logger)
	dispatchSvc := dispatch.NewService(store, providerClient, events, logger)

	server := httpapi.NewServer(ingestSvc, assignmentSvc, dispatchSvc, httpapi.ServerConfig{
		AppSecret:   cfg.Webhook.AppSecret,
		VerifyToken: cfg.Webhook.VerifyToken,
	}, logger)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server,
	}

	go func() {
		logger.Info("Listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	runner.Wait()
}
