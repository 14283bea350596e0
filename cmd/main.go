package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fleetcc/server/adapters"
	mongodb "github.com/fleetcc/server/adapters/mongo"
	"github.com/fleetcc/server/domain/repositories"
	"github.com/fleetcc/server/internal/api"
	"github.com/fleetcc/server/internal/auth"
	"github.com/fleetcc/server/internal/config"
	"github.com/fleetcc/server/internal/dispatch"
	"github.com/fleetcc/server/internal/fleet"
	"github.com/fleetcc/server/internal/logging"
	"github.com/fleetcc/server/internal/persist"
	"github.com/fleetcc/server/internal/registry"
	"github.com/fleetcc/server/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("invalid configuration", zap.Error(err))
	}

	logger, err := logging.New(cfg.LogFile)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// Create Echo instance
	e := echo.New()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Durable store: MongoDB when configured, in-memory otherwise. The
	// live state path works identically either way.
	queue := persist.NewQueue(cfg.PersistQueueSize, logger)
	var repo repositories.FleetRepository
	var mongoClient *mongodb.Client
	if cfg.MongoURI != "" {
		client, err := mongodb.NewClient(cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			logger.Fatal("failed to connect to MongoDB", zap.Error(err))
		}
		mongoClient = client

		fleetRepo := mongodb.NewFleetRepository(client.Database)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := fleetRepo.EnsureIndexes(ctx); err != nil {
			logger.Warn("failed to ensure MongoDB indexes", zap.Error(err))
		}
		cancel()
		repo = fleetRepo
	} else {
		logger.Info("MONGODB_URI not set, using in-memory fleet store")
		repo = adapters.NewMemoryFleetRepository()
	}

	// Core wiring: the hub is both the store's publisher and the
	// dispatcher's notifier.
	reg := registry.New()
	sampler := fleet.NewSampler(cfg.TelemetrySampleWindow)
	hub := websocket.NewHub(reg, sampler, repo, queue, cfg.ObserverQueueSize, logger)
	store := fleet.NewStore(hub, logger)
	dispatcher := dispatch.NewDispatcher(reg, repo, queue, hub, logger)
	hub.Bind(store, dispatcher)
	go hub.Run()

	reaper := dispatch.NewReaper(dispatcher, cfg.CommandAckTimeout, logger)
	reaper.Start()

	authService, err := auth.NewService(cfg.JWTSecret)
	if err != nil {
		logger.Fatal("failed to initialize auth", zap.Error(err))
	}

	router := api.NewRouter(hub, store, dispatcher, reg, sampler, repo, queue,
		authService, cfg.DeviceCredentials, logger)
	router.InitRoutes(e)

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("port", cfg.Port))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	reaper.Stop()
	queue.Close()
	if mongoClient != nil {
		mongoClient.Close(ctx)
	}

	logger.Info("Server exited")
}
