package collector

import (
	"context"
	"errors"
	"testing"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/silo-telemetry/internal/protocol"
)

func TestStaticCollect(t *testing.T) {
	producer := Static{
		Components: []protocol.Component{
			{Name: "openssl", Version: "3.0.13"},
		},
		Metadata: map[string]any{"scanner": "static"},
	}

	payload, err := producer.Collect(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, payload.ScanID)
	assert.Equal(t, producer.Components, payload.Components)
	assert.Equal(t, "static", payload.Metadata["scanner"])
	assert.NotEmpty(t, payload.Metadata["scan_timestamp"])

	// Each collection is a distinct scan.
	again, err := producer.Collect(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, payload.ScanID, again.ScanID)
}

func TestHostCollect(t *testing.T) {
	h := NewHost("agent-1")
	h.hostInfo = func(ctx context.Context) (*host.InfoStat, error) {
		return &host.InfoStat{
			Hostname:        "web-01",
			OS:              "linux",
			Platform:        "debian",
			PlatformFamily:  "debian",
			PlatformVersion: "12",
			KernelVersion:   "6.1.0",
			KernelArch:      "x86_64",
		}, nil
	}

	payload, err := h.Collect(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, payload.ScanID)
	require.Len(t, payload.Components, 2)

	assert.Equal(t, "debian", payload.Components[0].Name)
	assert.Equal(t, "12", payload.Components[0].Version)
	assert.Equal(t, "operating-system", payload.Components[0].Type)

	assert.Equal(t, "linux-kernel", payload.Components[1].Name)
	assert.Equal(t, "6.1.0", payload.Components[1].Version)
	assert.Equal(t, "x86_64", payload.Components[1].Metadata["architecture"])

	assert.Equal(t, "agent-1", payload.Metadata["agent_id"])
	assert.Equal(t, "web-01", payload.Metadata["hostname"])
	assert.Equal(t, AgentVersion, payload.Metadata["agent_version"])
}

func TestHostCollectError(t *testing.T) {
	h := NewHost("agent-1")
	h.hostInfo = func(ctx context.Context) (*host.InfoStat, error) {
		return nil, errors.New("probe failed")
	}

	_, err := h.Collect(context.Background())
	assert.ErrorContains(t, err, "collect host info")
}

func TestSystemInfoBaseFacts(t *testing.T) {
	info := SystemInfo(context.Background())
	assert.Contains(t, info, "hostname")
	assert.Contains(t, info, "platform")
	assert.Contains(t, info, "architecture")
}

func TestDeriveAgentIDShape(t *testing.T) {
	id := DeriveAgentID()
	require.NotEmpty(t, id)
	assert.Contains(t, id, "-")
}
