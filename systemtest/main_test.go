package systemtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/silo-telemetry/internal/auth"
	"github.com/EternisAI/silo-telemetry/internal/db"
	"github.com/EternisAI/silo-telemetry/internal/dispatch"
	"github.com/EternisAI/silo-telemetry/internal/protocol"
	"github.com/EternisAI/silo-telemetry/internal/registry"
	"github.com/EternisAI/silo-telemetry/internal/store"
	"github.com/EternisAI/silo-telemetry/internal/telemetry/client"
	"github.com/EternisAI/silo-telemetry/internal/telemetry/server"
	"github.com/EternisAI/silo-telemetry/systemtest/postgres"
)

// TestSystemIntegration runs the full stack against a real Postgres: goose
// migrations, durable store and command queue, the TCP telemetry server and
// a real client performing the AUTH exchange.
func TestSystemIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping system test in short mode")
	}

	ctx := context.Background()

	container, err := postgres.StartPostgres(ctx, "telemetry", "telemetry", "telemetry")
	if err != nil {
		t.Skipf("Docker not available: %v", err)
	}
	defer func() {
		if err := postgres.TerminatePostgres(ctx, container); err != nil {
			t.Logf("failed to terminate Postgres container: %v", err)
		}
	}()

	dbURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, db.RunMigrations(dbURL))

	pool, err := db.InitDB(ctx, dbURL)
	require.NoError(t, err)
	defer pool.Close()

	pg := store.NewPostgres(pool)
	reg := registry.New(pg, pg)

	srv := server.NewServer(server.Config{Host: "127.0.0.1", Port: 0}, dispatch.New(reg), auth.AllowAll{})
	go func() {
		if err := srv.Start(); err != nil {
			t.Errorf("server error: %v", err)
		}
	}()
	defer func() {
		require.NoError(t, srv.StopWithTimeout(5*time.Second))
	}()

	waitForListener(t, srv)

	t.Run("AgentLifecycle", func(t *testing.T) { testAgentLifecycle(t, ctx, srv, reg, pg) })
	t.Run("DurableCommandQueue", func(t *testing.T) { testDurableCommandQueue(t, ctx, pg) })
	t.Run("Purge", func(t *testing.T) { testPurge(t, ctx, reg, pg) })
}

func waitForListener(t *testing.T, srv *server.Server) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testAgentLifecycle(t *testing.T, ctx context.Context, srv *server.Server, reg *registry.Registry, pg *store.Postgres) {
	const agentID = "systest-agent-1"

	cli := client.New(client.Config{
		ServerAddr: srv.Addr().String(),
		AgentID:    agentID,
		Metadata:   map[string]any{"hostname": "systest-host", "platform": "linux"},
	})
	require.NoError(t, cli.Connect(ctx))
	defer cli.Disconnect()

	// AUTH registered the agent.
	agent, err := pg.GetAgent(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, agentID, agent.AgentID)
	assert.Equal(t, "systest-host", agent.Metadata["hostname"])

	// BOM submission is persisted and summarized.
	ok, text, err := cli.SendBomData(protocol.BomPayload{
		ScanID: "scan-001",
		Components: []protocol.Component{
			{Name: "openssl", Version: "3.0.13", Type: "library"},
			{Name: "zlib", Version: "1.3.1", Type: "library"},
		},
		Metadata: map[string]any{"scanner": "systest"},
	})
	require.NoError(t, err)
	assert.True(t, ok, "bom ack: %s", text)

	bom, err := pg.GetLatestBom(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, "scan-001", bom.ScanID)
	assert.Len(t, bom.Components, 2)

	history, err := pg.GetBomHistory(ctx, agentID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 2, history[0].ComponentCount)

	// Heartbeat with an empty queue gets a plain ack.
	command, err := cli.SendHeartbeat(map[string]any{"uptime": 42})
	require.NoError(t, err)
	assert.Nil(t, command)

	// A queued command is delivered on the next heartbeat.
	require.NoError(t, reg.EnqueueCommand(ctx, agentID, map[string]any{"action": "rescan"}))

	command, err = cli.SendHeartbeat(map[string]any{"uptime": 43})
	require.NoError(t, err)
	require.NotNil(t, command)
	assert.Equal(t, protocol.TypeCommand, command.Type)
	assert.Equal(t, "rescan", command.Data["action"])

	// Queue drained: the following heartbeat is a plain ack again.
	command, err = cli.SendHeartbeat(map[string]any{"uptime": 44})
	require.NoError(t, err)
	assert.Nil(t, command)
}

func testDurableCommandQueue(t *testing.T, ctx context.Context, pg *store.Postgres) {
	const agentID = "systest-agent-2"

	require.NoError(t, pg.RegisterAgent(ctx, agentID, map[string]any{}, time.Now().UTC()))

	require.NoError(t, pg.Enqueue(ctx, agentID, map[string]any{"action": "first"}))
	require.NoError(t, pg.Enqueue(ctx, agentID, map[string]any{"action": "second"}))

	pending, err := pg.Pending(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	first, err := pg.Dequeue(ctx, agentID)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "first", first["action"])

	second, err := pg.Dequeue(ctx, agentID)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "second", second["action"])

	empty, err := pg.Dequeue(ctx, agentID)
	require.NoError(t, err)
	assert.Nil(t, empty)

	pending, err = pg.Pending(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

// testPurge runs last: it wipes everything the earlier subtests stored.
func testPurge(t *testing.T, ctx context.Context, reg *registry.Registry, pg *store.Postgres) {
	const agentID = "systest-agent-3"

	require.NoError(t, pg.RegisterAgent(ctx, agentID, map[string]any{}, time.Now().UTC()))
	require.NoError(t, pg.LogError(ctx, agentID, map[string]any{"error_code": "SCAN_FAILED"}, time.Now().UTC()))
	require.NoError(t, reg.EnqueueCommand(ctx, agentID, map[string]any{"action": "rescan"}))

	purged, err := reg.Purge(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, purged, 1)

	agents, err := pg.ListAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)

	_, err = pg.GetLatestBom(ctx, "systest-agent-1")
	assert.ErrorIs(t, err, store.ErrNoBomData)

	pending, err := pg.Pending(ctx, agentID)
	require.NoError(t, err)
	assert.Zero(t, pending)
}
