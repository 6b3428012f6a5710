package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EternisAI/silo-telemetry/internal/agent"
	"github.com/EternisAI/silo-telemetry/internal/collector"
	"github.com/EternisAI/silo-telemetry/internal/protocol"
	"github.com/EternisAI/silo-telemetry/internal/telemetry/client"
	"github.com/EternisAI/silo-telemetry/internal/telemetry/tlsconf"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Silo Telemetry Agent", "version", AppVersion)

	agentID, err := resolveAgentID(config.Agent.ID, config.Agent.StateFile)
	if err != nil {
		slog.Error("Failed to resolve agent ID", "error", err)
		os.Exit(1)
	}
	slog.Info("Agent identity", "agent_id", agentID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metadata := collector.SystemInfo(ctx)
	metadata["version"] = collector.AgentVersion

	clientConfig := client.Config{
		ServerAddr: config.Telemetry.ServerAddress,
		AgentID:    agentID,
		Metadata:   metadata,
		AuthKey:    config.Telemetry.AuthKey,
	}
	if config.Telemetry.TLS.Enabled {
		tlsConfig, err := tlsconf.LoadClientConfig(
			config.Telemetry.TLS.CAFile,
			config.Telemetry.TLS.ServerNameOverride,
		)
		if err != nil {
			slog.Error("Failed to load TLS config", "error", err)
			os.Exit(1)
		}
		clientConfig.TLS = tlsConfig
	}

	cli := client.New(clientConfig)
	producer := collector.NewHost(agentID)

	agentConfig := agent.Config{
		HeartbeatInterval:  time.Duration(config.Agent.HeartbeatIntervalSeconds) * time.Second,
		CollectionInterval: time.Duration(config.Agent.CollectionIntervalSeconds) * time.Second,
	}

	a := agent.New(cli, producer, agentConfig, func(ctx context.Context, command protocol.Message) {
		slog.Info("Received command from server", "command", command.Data)
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- a.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			slog.Error("Agent error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
		cancel()
		<-errChan
	}

	cli.Disconnect()
	slog.Info("Shutdown complete")
}
