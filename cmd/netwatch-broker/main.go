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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	internalhttp "github.com/Tatu1984/netwatch-sub000/internal/api/http"
	"github.com/Tatu1984/netwatch-sub000/internal/api/ws"
	"github.com/Tatu1984/netwatch-sub000/internal/auth"
	"github.com/Tatu1984/netwatch-sub000/internal/broker"
	"github.com/Tatu1984/netwatch-sub000/internal/protocol"
	"github.com/Tatu1984/netwatch-sub000/internal/storage/postgres"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("NetWatch Broker", "version", AppVersion)

	ctx := context.Background()

	if err := postgres.RunMigrations(config.Database.Url, config.Database.Schema); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	pool, err := postgres.InitDB(ctx, config.Database.Url, config.Database.Schema)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	streamConfig := protocol.StreamConfig{
		Quality: config.Broker.StreamQuality,
		FPS:     config.Broker.StreamFps,
	}

	b := broker.New(postgres.NewStore(pool), broker.Config{
		HeartbeatTimeout: config.Broker.HeartbeatTimeoutDuration(),
		SweepInterval:    config.Broker.SweepIntervalDuration(),
		Stream:           streamConfig,
	})
	defer b.Stop()

	jwtConfig := auth.Config{
		Secret: config.Jwt.Secret,
		TTL:    time.Duration(config.Jwt.TTLMinutes) * time.Minute,
	}

	wsHandler := ws.NewHandler(b, ws.Config{
		AgentKey:   config.Broker.AgentKey,
		SendBuffer: config.Broker.SendBuffer,
		JWTSecret:  config.Jwt.Secret,
	}, streamConfig)

	services := &internalhttp.Services{
		Broker:    b,
		WSHandler: wsHandler,
		JWT:       jwtConfig,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	slog.Info("Shutdown complete")
}
