// Package agent orchestrates the telemetry agent: periodic BOM collection,
// heartbeats carrying host status, and reconnection when the transport
// drops.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/silo-telemetry/internal/collector"
	"github.com/EternisAI/silo-telemetry/internal/protocol"
	"github.com/EternisAI/silo-telemetry/internal/telemetry/client"
)

const (
	defaultHeartbeatInterval  = 60 * time.Second
	defaultCollectionInterval = time.Hour
	reconnectProbeInterval    = 5 * time.Second
	errorRetryDelay           = 30 * time.Second
)

type Config struct {
	HeartbeatInterval  time.Duration
	CollectionInterval time.Duration
}

// CommandHandler receives commands the server delivers on heartbeats.
// Execution semantics are the caller's concern; the agent only surfaces
// delivery.
type CommandHandler func(ctx context.Context, command protocol.Message)

type Agent struct {
	client    *client.Client
	producer  collector.Producer
	config    Config
	onCommand CommandHandler

	startedAt time.Time

	mu             sync.Mutex
	lastCollection time.Time
}

func New(c *client.Client, producer collector.Producer, config Config, onCommand CommandHandler) *Agent {
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = defaultHeartbeatInterval
	}
	if config.CollectionInterval == 0 {
		config.CollectionInterval = defaultCollectionInterval
	}
	return &Agent{
		client:    c,
		producer:  producer,
		config:    config,
		onCommand: onCommand,
	}
}

// Run connects and drives the agent loops until ctx is cancelled. The
// initial connection failure is fatal; later drops are handled by the
// reconnection loop.
func (a *Agent) Run(ctx context.Context) error {
	a.startedAt = time.Now().UTC()

	if err := a.client.Connect(ctx); err != nil {
		return err
	}

	slog.Info("Telemetry agent started",
		"heartbeat_interval", a.config.HeartbeatInterval,
		"collection_interval", a.config.CollectionInterval)

	// First snapshot right after connecting, so the server sees data
	// without waiting a full collection interval.
	a.collectAndSend(ctx)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); a.collectionLoop(ctx) }()
	go func() { defer wg.Done(); a.heartbeatLoop(ctx) }()
	go func() { defer wg.Done(); a.reconnectLoop(ctx) }()
	wg.Wait()

	a.client.Disconnect()
	slog.Info("Telemetry agent stopped")
	return nil
}

func (a *Agent) collectionLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.CollectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.client.Connected() {
				slog.Warn("Not connected, skipping collection")
				continue
			}
			a.collectAndSend(ctx)
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.client.Connected() {
				continue
			}

			command, err := a.client.SendHeartbeat(a.status(ctx))
			if err != nil {
				slog.Error("Heartbeat failed", "error", err)
				continue
			}
			if command != nil && a.onCommand != nil {
				a.onCommand(ctx, *command)
			}
		}
	}
}

func (a *Agent) reconnectLoop(ctx context.Context) {
	ticker := time.NewTicker(reconnectProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.client.Connected() {
				continue
			}

			slog.Info("Connection lost, attempting to reconnect")
			if err := a.client.Connect(ctx); err != nil {
				slog.Error("Reconnect failed", "error", err)
				if err := sleepContext(ctx, errorRetryDelay); err != nil {
					return
				}
				continue
			}

			// Fresh snapshot after every reconnect.
			a.collectAndSend(ctx)
		}
	}
}

func (a *Agent) collectAndSend(ctx context.Context) {
	payload, err := a.producer.Collect(ctx)
	if err != nil {
		slog.Error("BOM collection failed", "error", err)
		_ = a.client.SendError("COLLECTION_ERROR", err.Error(), map[string]any{"phase": "collection"})
		return
	}

	ok, msg, err := a.client.SendBomData(payload)
	if err != nil {
		slog.Error("Failed to send BOM data", "error", err)
		return
	}
	if !ok {
		slog.Error("Server rejected BOM data", "reason", msg)
		return
	}

	a.mu.Lock()
	a.lastCollection = time.Now().UTC()
	a.mu.Unlock()
	slog.Info("BOM data sent", "components", len(payload.Components))
}

// status builds the free-form heartbeat payload.
func (a *Agent) status(ctx context.Context) map[string]any {
	a.mu.Lock()
	lastCollection := a.lastCollection
	a.mu.Unlock()

	status := map[string]any{
		"uptime":      int(time.Since(a.startedAt).Seconds()),
		"system_info": collector.SystemInfo(ctx),
		"config": map[string]any{
			"heartbeat_interval":  a.config.HeartbeatInterval.String(),
			"collection_interval": a.config.CollectionInterval.String(),
		},
	}
	if !lastCollection.IsZero() {
		status["last_collection"] = lastCollection.Format(time.RFC3339)
	}
	return status
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
