package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/silo-telemetry/internal/protocol"
	"github.com/EternisAI/silo-telemetry/internal/registry"
	"github.com/EternisAI/silo-telemetry/internal/store"
)

// mockStore is a mock implementation of store.Store
type mockStore struct {
	mock.Mock
}

func (m *mockStore) RegisterAgent(ctx context.Context, agentID string, metadata map[string]any, ts time.Time) error {
	args := m.Called(ctx, agentID, metadata, ts)
	return args.Error(0)
}

func (m *mockStore) UpdateAgentStatus(ctx context.Context, agentID string, status map[string]any, ts time.Time) error {
	args := m.Called(ctx, agentID, status, ts)
	return args.Error(0)
}

func (m *mockStore) GetAgent(ctx context.Context, agentID string) (*store.AgentRecord, error) {
	args := m.Called(ctx, agentID)
	if rec := args.Get(0); rec != nil {
		return rec.(*store.AgentRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) ListAgents(ctx context.Context) ([]store.AgentRecord, error) {
	args := m.Called(ctx)
	if recs := args.Get(0); recs != nil {
		return recs.([]store.AgentRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) StoreBom(ctx context.Context, sub store.BomSubmission) (string, error) {
	args := m.Called(ctx, sub)
	return args.String(0), args.Error(1)
}

func (m *mockStore) GetLatestBom(ctx context.Context, agentID string) (*store.BomSubmission, error) {
	args := m.Called(ctx, agentID)
	if sub := args.Get(0); sub != nil {
		return sub.(*store.BomSubmission), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) GetBomHistory(ctx context.Context, agentID string, limit int) ([]store.BomSummary, error) {
	args := m.Called(ctx, agentID, limit)
	if sums := args.Get(0); sums != nil {
		return sums.([]store.BomSummary), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) LogError(ctx context.Context, agentID string, errorData map[string]any, ts time.Time) error {
	args := m.Called(ctx, agentID, errorData, ts)
	return args.Error(0)
}

func (m *mockStore) PurgeAgents(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func newDispatcher() (*Dispatcher, *store.Memory) {
	st := store.NewMemory()
	return New(registry.New(st, registry.NewMemoryQueue())), st
}

func ackPayload(t *testing.T, msg protocol.Message) protocol.AckPayload {
	t.Helper()
	require.Equal(t, protocol.TypeAck, msg.Type)
	payload, err := protocol.DecodeAckPayload(msg.Data)
	require.NoError(t, err)
	return payload
}

func TestHandleAuthRegistersAgent(t *testing.T) {
	d, st := newDispatcher()
	ctx := context.Background()

	msg := protocol.New(protocol.TypeAuth, "agent-1", map[string]any{
		"metadata": map[string]any{"hostname": "web-01"},
	})

	resp := d.Handle(ctx, msg)
	payload := ackPayload(t, resp)
	assert.True(t, payload.Success)
	assert.Equal(t, "Authentication successful", payload.Message)
	assert.Equal(t, msg.ID, payload.InResponseTo)

	agent, err := st.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "web-01", agent.Metadata["hostname"])
}

func TestHandleHeartbeatNoCommand(t *testing.T) {
	d, _ := newDispatcher()

	resp := d.Handle(context.Background(), protocol.NewHeartbeat("agent-1", map[string]any{"uptime": 5}))
	payload := ackPayload(t, resp)
	assert.True(t, payload.Success)
	assert.Equal(t, "Heartbeat received", payload.Message)
}

func TestHandleHeartbeatDeliversOneCommand(t *testing.T) {
	st := store.NewMemory()
	reg := registry.New(st, registry.NewMemoryQueue())
	d := New(reg)
	ctx := context.Background()

	require.NoError(t, reg.EnqueueCommand(ctx, "agent-1", map[string]any{"action": "rescan"}))
	require.NoError(t, reg.EnqueueCommand(ctx, "agent-1", map[string]any{"action": "update"}))

	// First heartbeat gets the oldest command, not an ack.
	resp := d.Handle(ctx, protocol.NewHeartbeat("agent-1", nil))
	require.Equal(t, protocol.TypeCommand, resp.Type)
	assert.Equal(t, "agent-1", resp.AgentID)
	assert.Equal(t, "rescan", resp.Data["action"])

	resp = d.Handle(ctx, protocol.NewHeartbeat("agent-1", nil))
	require.Equal(t, protocol.TypeCommand, resp.Type)
	assert.Equal(t, "update", resp.Data["action"])

	// Queue drained.
	resp = d.Handle(ctx, protocol.NewHeartbeat("agent-1", nil))
	assert.True(t, ackPayload(t, resp).Success)
}

func TestHandleBomDataStoresSubmission(t *testing.T) {
	d, st := newDispatcher()
	ctx := context.Background()

	payload := protocol.BomPayload{
		ScanID: "scan-1",
		Components: []protocol.Component{
			{Name: "openssl", Version: "3.0.13"},
		},
		Metadata: map[string]any{"scanner": "test"},
	}
	resp := d.Handle(ctx, protocol.New(protocol.TypeBomData, "agent-1", payload.ToData()))

	ack := ackPayload(t, resp)
	assert.True(t, ack.Success)
	assert.Contains(t, ack.Message, "BOM data stored successfully with ID: ")

	bom, err := st.GetLatestBom(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "scan-1", bom.ScanID)
	assert.Contains(t, ack.Message, bom.RecordID)
}

func TestHandleBomDataMissingScanID(t *testing.T) {
	d, st := newDispatcher()
	ctx := context.Background()

	resp := d.Handle(ctx, protocol.New(protocol.TypeBomData, "agent-1", map[string]any{
		"components": []any{},
		"metadata":   map[string]any{},
	}))

	ack := ackPayload(t, resp)
	assert.False(t, ack.Success)
	assert.Contains(t, ack.Message, "scan_id")

	// Nothing was persisted.
	_, err := st.GetLatestBom(ctx, "agent-1")
	assert.ErrorIs(t, err, store.ErrNoBomData)
}

func TestHandleBomDataPersistenceFailure(t *testing.T) {
	st := new(mockStore)
	st.On("StoreBom", mock.Anything, mock.Anything).Return("", errors.New("disk full"))
	d := New(registry.New(st, registry.NewMemoryQueue()))

	payload := protocol.BomPayload{
		ScanID:     "scan-1",
		Components: []protocol.Component{},
		Metadata:   map[string]any{},
	}
	resp := d.Handle(context.Background(), protocol.New(protocol.TypeBomData, "agent-1", payload.ToData()))

	ack := ackPayload(t, resp)
	assert.False(t, ack.Success)
	assert.Contains(t, ack.Message, "Failed to store BOM data")
	st.AssertExpectations(t)
}

func TestHandleErrorLogsReport(t *testing.T) {
	d, st := newDispatcher()
	ctx := context.Background()

	resp := d.Handle(ctx, protocol.NewError("agent-1", "SCAN_FAILED", "scanner crashed", nil))
	ack := ackPayload(t, resp)
	assert.True(t, ack.Success)
	assert.Equal(t, "Error logged", ack.Message)

	reports := st.Errors("agent-1")
	require.Len(t, reports, 1)
	assert.Equal(t, "SCAN_FAILED", reports[0].ErrorData["error_code"])
}

func TestHandleUnknownType(t *testing.T) {
	d, _ := newDispatcher()

	msg := protocol.Message{Type: "invalid_type", AgentID: "agent-1", Data: map[string]any{}}
	resp := d.Handle(context.Background(), msg)

	ack := ackPayload(t, resp)
	assert.False(t, ack.Success)
	assert.Contains(t, ack.Message, "Unknown message type: invalid_type")
}
