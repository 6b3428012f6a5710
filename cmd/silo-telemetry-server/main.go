package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	internalhttp "github.com/EternisAI/silo-telemetry/internal/api/http"
	"github.com/EternisAI/silo-telemetry/internal/auth"
	"github.com/EternisAI/silo-telemetry/internal/db"
	"github.com/EternisAI/silo-telemetry/internal/dispatch"
	"github.com/EternisAI/silo-telemetry/internal/registry"
	"github.com/EternisAI/silo-telemetry/internal/store"
	"github.com/EternisAI/silo-telemetry/internal/telemetry/server"
	"github.com/EternisAI/silo-telemetry/internal/telemetry/tlsconf"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Silo Telemetry Server", "version", AppVersion)

	ctx := context.Background()

	var st store.Store
	var queue registry.CommandQueue
	if config.Database.Url != "" {
		if err := db.RunMigrations(config.Database.Url); err != nil {
			slog.Error("Failed to run migrations", "error", err)
			os.Exit(1)
		}
		pool, err := db.InitDB(ctx, config.Database.Url)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		pg := store.NewPostgres(pool)
		st = pg
		if config.Telemetry.DurableQueue {
			queue = pg
		} else {
			queue = registry.NewMemoryQueue()
		}
		slog.Info("Using PostgreSQL store", "durable_queue", config.Telemetry.DurableQueue)
	} else {
		st = store.NewMemory()
		queue = registry.NewMemoryQueue()
		slog.Info("No database configured, using in-memory store")
	}

	reg := registry.New(st, queue)
	dispatcher := dispatch.New(reg)

	var verifier auth.CredentialVerifier = auth.AllowAll{}
	if config.Telemetry.SharedKeyHash != "" {
		verifier = auth.NewSharedKey(config.Telemetry.SharedKeyHash)
	}

	serverConfig := server.Config{
		Host:               config.Telemetry.Host,
		Port:               config.Telemetry.Port,
		ReadTimeout:        time.Duration(config.Telemetry.ReadTimeoutSeconds) * time.Second,
		LegacyImplicitAuth: config.Telemetry.LegacyImplicitAuth,
	}
	if config.Telemetry.TLS.Enabled {
		clientAuth, err := tlsconf.ParseClientAuthType(config.Telemetry.TLS.ClientAuth)
		if err != nil {
			slog.Error("Invalid TLS client auth type", "error", err)
			os.Exit(1)
		}
		tlsConfig, err := tlsconf.LoadServerConfig(
			config.Telemetry.TLS.CertFile,
			config.Telemetry.TLS.KeyFile,
			config.Telemetry.TLS.CAFile,
			clientAuth,
		)
		if err != nil {
			slog.Error("Failed to load TLS config", "error", err)
			os.Exit(1)
		}
		serverConfig.TLS = tlsConfig
	}

	telemetrySrv := server.NewServer(serverConfig, dispatcher, verifier)

	services := &internalhttp.Services{
		Registry:  reg,
		Telemetry: telemetrySrv,
		Config:    config.Http,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
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

	errChan := make(chan error, 2)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	go func() {
		if err := telemetrySrv.Start(); err != nil {
			errChan <- fmt.Errorf("telemetry server error: %w", err)
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

	slog.Info("Shutting down servers...")

	var wg sync.WaitGroup
	shutdownTimeout := 10 * time.Second

	wg.Add(1)
	go func() {
		defer wg.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := telemetrySrv.StopWithTimeout(shutdownTimeout); err != nil {
			slog.Error("Telemetry server shutdown error", "error", err)
		}
	}()

	wg.Wait()
	slog.Info("Shutdown complete")
}
