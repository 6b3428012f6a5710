package agent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/silo-telemetry/internal/auth"
	"github.com/EternisAI/silo-telemetry/internal/collector"
	"github.com/EternisAI/silo-telemetry/internal/dispatch"
	"github.com/EternisAI/silo-telemetry/internal/protocol"
	"github.com/EternisAI/silo-telemetry/internal/registry"
	"github.com/EternisAI/silo-telemetry/internal/store"
	"github.com/EternisAI/silo-telemetry/internal/telemetry/client"
	"github.com/EternisAI/silo-telemetry/internal/telemetry/server"
)

func startServer(t *testing.T) (*server.Server, *registry.Registry, *store.Memory) {
	t.Helper()

	st := store.NewMemory()
	reg := registry.New(st, registry.NewMemoryQueue())
	srv := server.NewServer(server.Config{Host: "127.0.0.1", Port: 0}, dispatch.New(reg), auth.AllowAll{})

	go func() {
		if err := srv.Start(); err != nil {
			t.Errorf("server error: %v", err)
		}
	}()
	t.Cleanup(func() { _ = srv.StopWithTimeout(5 * time.Second) })

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return srv, reg, st
}

func TestRunFailsWhenServerUnreachable(t *testing.T) {
	cli := client.New(client.Config{
		ServerAddr:  "127.0.0.1:1",
		AgentID:     "agent-1",
		MaxAttempts: 1,
		RetryDelay:  time.Millisecond,
	})
	a := New(cli, collector.Static{}, Config{}, nil)

	err := a.Run(context.Background())
	assert.ErrorIs(t, err, client.ErrConnectFailed)
}

func TestRunCollectsAndHeartbeats(t *testing.T) {
	srv, reg, st := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const agentID = "agent-run-test"

	cli := client.New(client.Config{
		ServerAddr: srv.Addr().String(),
		AgentID:    agentID,
		Metadata:   map[string]any{"hostname": "test-host"},
	})

	producer := collector.Static{
		Components: []protocol.Component{{Name: "zlib", Version: "1.3.1"}},
	}

	var commands atomic.Int32
	a := New(cli, producer, Config{
		HeartbeatInterval:  20 * time.Millisecond,
		CollectionInterval: time.Hour,
	}, func(ctx context.Context, command protocol.Message) {
		assert.Equal(t, "rescan", command.Data["action"])
		commands.Add(1)
	})

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// The first snapshot is sent right after connecting.
	require.Eventually(t, func() bool {
		_, err := st.GetLatestBom(context.Background(), agentID)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	bom, err := st.GetLatestBom(context.Background(), agentID)
	require.NoError(t, err)
	require.Len(t, bom.Components, 1)
	assert.Equal(t, "zlib", bom.Components[0].Name)

	// Heartbeats flow and pick up a queued command.
	require.NoError(t, reg.EnqueueCommand(ctx, agentID, map[string]any{"action": "rescan"}))
	require.Eventually(t, func() bool {
		return commands.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	agent, err := st.GetAgent(context.Background(), agentID)
	require.NoError(t, err)
	assert.False(t, agent.LastHeartbeat.IsZero())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop after cancel")
	}
}
