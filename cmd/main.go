package main

import (
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"moonlight/app"
	"moonlight/config"
	"moonlight/db"
	qhttp "moonlight/http"
	"moonlight/monitoring"
)

func main() {
	configPath := resolveConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()
	logger := a.Logger
	logger.Info("configuration loaded", zap.String("path", configPath), zap.String("database", cfg.Database.Path))

	hub := monitoring.NewHub(logger, cfg.Http.AllowedOrigins...)
	go hub.Start()
	a.Service.SetPublisher(hub)

	cleanup := db.NewCleanupJob(a.Store, cfg.Database.Retention, logger)
	scheduler, err := db.ScheduleCleanup(cleanup, cfg.Database.CleanupSpec)
	if err != nil {
		logger.Fatal("failed to schedule cleanup", zap.Error(err))
	}

	watcher, err := config.Watch(configPath, logger, a.Reload)
	if err != nil {
		logger.Warn("config hot reload disabled", zap.Error(err))
	}

	qhttp.SetClassifier(a.Service)
	qhttp.SetJobReader(a.Store)
	qhttp.SetEventStream(hub.HandleWebSocket)

	serverConfig := qhttp.DefaultServerConfig()
	serverConfig.Port = cfg.Http.Port
	serverConfig.Timeout = cfg.Http.Timeout
	serverConfig.AllowedOrigins = cfg.Http.AllowedOrigins
	serverConfig.AdminToken = cfg.Http.AdminToken
	server := qhttp.NewServer(serverConfig, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	if err := server.Stop(); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}
	if watcher != nil {
		watcher.Close()
	}
	<-scheduler.Stop().Done()
	hub.Stop()

	logger.Info("exiting")
}

// resolveConfigPath prefers MOONLIGHT_CONFIG, then config.yaml in the working
// directory, then the one above it for runs from cmd/.
func resolveConfigPath() string {
	if p := os.Getenv("MOONLIGHT_CONFIG"); p != "" {
		return p
	}
	configPath := "config.yaml"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		configPath = filepath.Join("..", "config.yaml")
	}
	return configPath
}
