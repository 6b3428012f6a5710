// Package collector produces the BOM snapshots the agent ships to the
// server. The transport only serializes whatever a Producer hands it;
// deep scanners plug in behind the same interface.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/EternisAI/silo-telemetry/internal/protocol"
)

// AgentVersion is stamped into BOM metadata and AUTH metadata.
const AgentVersion = "1.0.0"

// Producer collects one local BOM snapshot.
type Producer interface {
	Collect(ctx context.Context) (protocol.BomPayload, error)
}

// Static is a Producer returning a fixed component list, useful for tests
// and for deployments that feed pre-computed inventories through the agent.
type Static struct {
	Components []protocol.Component
	Metadata   map[string]any
}

func (s Static) Collect(context.Context) (protocol.BomPayload, error) {
	metadata := map[string]any{}
	for k, v := range s.Metadata {
		metadata[k] = v
	}
	metadata["scan_timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return protocol.BomPayload{
		ScanID:     uuid.New().String(),
		Components: s.Components,
		Metadata:   metadata,
	}, nil
}

// Host collects a base operating-system inventory (OS, kernel, platform
// family) and host facts for heartbeat status.
type Host struct {
	agentID string

	hostInfo func(ctx context.Context) (*host.InfoStat, error)
}

func NewHost(agentID string) *Host {
	if agentID == "" {
		agentID = DeriveAgentID()
	}
	return &Host{
		agentID:  agentID,
		hostInfo: host.InfoWithContext,
	}
}

func (h *Host) AgentID() string {
	return h.agentID
}

func (h *Host) Collect(ctx context.Context) (protocol.BomPayload, error) {
	info, err := h.hostInfo(ctx)
	if err != nil {
		return protocol.BomPayload{}, fmt.Errorf("collect host info: %w", err)
	}

	components := []protocol.Component{
		{
			Name:    info.Platform,
			Version: info.PlatformVersion,
			Type:    "operating-system",
			Metadata: map[string]any{
				"family": info.PlatformFamily,
			},
		},
		{
			Name:    info.OS + "-kernel",
			Version: info.KernelVersion,
			Type:    "kernel",
			Metadata: map[string]any{
				"architecture": info.KernelArch,
			},
		},
	}

	payload := protocol.BomPayload{
		ScanID:     uuid.New().String(),
		Components: components,
		Metadata: map[string]any{
			"scan_timestamp": time.Now().UTC().Format(time.RFC3339),
			"agent_id":       h.agentID,
			"agent_version":  AgentVersion,
			"hostname":       info.Hostname,
		},
	}

	slog.Info("Collected BOM snapshot", "scan_id", payload.ScanID, "components", len(components))
	return payload, nil
}

// SystemInfo gathers the host facts carried in AUTH metadata and
// heartbeat status. Individual probe failures degrade to missing keys
// rather than failing the whole snapshot.
func SystemInfo(ctx context.Context) map[string]any {
	hostname, _ := os.Hostname()
	info := map[string]any{
		"hostname":     hostname,
		"platform":     runtime.GOOS,
		"architecture": runtime.GOARCH,
	}

	if hi, err := host.InfoWithContext(ctx); err == nil {
		info["platform_version"] = hi.PlatformVersion
		info["kernel_version"] = hi.KernelVersion
	}
	if count, err := cpu.CountsWithContext(ctx, true); err == nil {
		info["cpu_count"] = count
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info["memory_total"] = vm.Total
	}
	return info
}

// DeriveAgentID builds a stable identifier from the hostname and the
// first hardware address, so the same host keeps its identity across
// restarts and reconnects.
func DeriveAgentID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "agent"
	}

	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
				continue
			}
			return fmt.Sprintf("%s-%x", hostname, []byte(iface.HardwareAddr))
		}
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
}
