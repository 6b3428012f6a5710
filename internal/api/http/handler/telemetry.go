package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/EternisAI/silo-telemetry/internal/api/http/dto"
	"github.com/EternisAI/silo-telemetry/internal/registry"
	"github.com/EternisAI/silo-telemetry/internal/store"
	"github.com/EternisAI/silo-telemetry/internal/telemetry/server"
)

// heartbeatGrace is how long after the last heartbeat an agent is still
// reported as connected when the live table has no hard connection for it
// (e.g. the admin API runs against the store only).
const heartbeatGrace = 2 * time.Minute

// LiveView exposes the telemetry server's live-connection table to the
// admin API. Nil when the API runs in storage-only mode.
type LiveView interface {
	ConnectedAgents() map[string]server.ConnectionInfo
	// DisconnectAll closes every live agent connection and returns how
	// many bound agents were dropped.
	DisconnectAll() int
}

type TelemetryHandler struct {
	registry *registry.Registry
	live     LiveView
}

func NewTelemetryHandler(reg *registry.Registry, live LiveView) *TelemetryHandler {
	return &TelemetryHandler{registry: reg, live: live}
}

// ListAgents returns all registered agents with their connection state.
// GET /telemetry/agents
func (h *TelemetryHandler) ListAgents(c *gin.Context) {
	agents, err := h.registry.Agents(c.Request.Context())
	if err != nil {
		slog.Error("Failed to list agents", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list agents"})
		return
	}

	connected := h.liveTable()
	responses := make([]dto.AgentResponse, len(agents))
	for i, a := range agents {
		responses[i] = h.agentResponse(a, connected)
	}

	c.JSON(http.StatusOK, dto.ListAgentsResponse{Agents: responses, Total: len(responses)})
}

// GetAgent returns one agent's record.
// GET /telemetry/agents/:id
func (h *TelemetryHandler) GetAgent(c *gin.Context) {
	agentID := c.Param("id")

	agent, err := h.registry.Agent(c.Request.Context(), agentID)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		slog.Error("Failed to get agent", "error", err, "agent_id", agentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get agent"})
		return
	}

	c.JSON(http.StatusOK, h.agentResponse(*agent, h.liveTable()))
}

// GetLatestBom returns the most recent BOM submission for an agent.
// GET /telemetry/agents/:id/bom/latest
func (h *TelemetryHandler) GetLatestBom(c *gin.Context) {
	agentID := c.Param("id")

	bom, err := h.registry.LatestBom(c.Request.Context(), agentID)
	if err != nil {
		if errors.Is(err, store.ErrNoBomData) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no BOM data found for agent"})
			return
		}
		slog.Error("Failed to get latest BOM", "error", err, "agent_id", agentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get BOM data"})
		return
	}

	c.JSON(http.StatusOK, bom)
}

// GetBomHistory returns submission summaries, most recent first.
// GET /telemetry/agents/:id/bom/history?limit=10
func (h *TelemetryHandler) GetBomHistory(c *gin.Context) {
	agentID := c.Param("id")

	limit := 10
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
			return
		}
		limit = parsed
	}

	history, err := h.registry.BomHistory(c.Request.Context(), agentID, limit)
	if err != nil {
		slog.Error("Failed to get BOM history", "error", err, "agent_id", agentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get BOM history"})
		return
	}

	c.JSON(http.StatusOK, dto.BomHistoryResponse{
		AgentID: agentID,
		History: history,
		Count:   len(history),
	})
}

// QueueCommand enqueues a command for delivery on the agent's next
// heartbeat.
// POST /telemetry/agents/:id/command
func (h *TelemetryHandler) QueueCommand(c *gin.Context) {
	agentID := c.Param("id")

	if _, err := h.registry.Agent(c.Request.Context(), agentID); err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		slog.Error("Failed to get agent", "error", err, "agent_id", agentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get agent"})
		return
	}

	var command map[string]any
	if err := c.ShouldBindJSON(&command); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.registry.EnqueueCommand(c.Request.Context(), agentID, command); err != nil {
		slog.Error("Failed to queue command", "error", err, "agent_id", agentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue command"})
		return
	}

	slog.Info("Command queued", "agent_id", agentID)
	c.JSON(http.StatusOK, dto.QueueCommandResponse{
		Status:   "queued",
		AgentID:  agentID,
		Command:  command,
		QueuedAt: time.Now().UTC(),
	})
}

// PurgeAgents drops every agent record, stored BOM, error log and queued
// command, and closes all live agent connections.
// POST /telemetry/purge
func (h *TelemetryHandler) PurgeAgents(c *gin.Context) {
	disconnected := 0
	if h.live != nil {
		disconnected = h.live.DisconnectAll()
	}

	purged, err := h.registry.Purge(c.Request.Context())
	if err != nil {
		slog.Error("Failed to purge agent data", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to purge agent data"})
		return
	}

	slog.Warn("All agent data purged", "agents", purged, "connections_dropped", disconnected)
	c.JSON(http.StatusOK, dto.PurgeResponse{
		Status:  "success",
		Message: "All agent data and connections purged",
		Purged: dto.PurgeCounts{
			TotalAgents:     purged,
			ConnectedAgents: disconnected,
		},
		Timestamp: time.Now().UTC(),
	})
}

// Status reports service-level counters.
// GET /telemetry/status
func (h *TelemetryHandler) Status(c *gin.Context) {
	agents, err := h.registry.Agents(c.Request.Context())
	if err != nil {
		slog.Error("Failed to list agents", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get status"})
		return
	}

	resp := dto.StatusResponse{
		Service: "storage-only",
		Agents:  dto.AgentCounts{Total: len(agents)},
	}

	if h.live != nil {
		connected := h.live.ConnectedAgents()
		resp.Service = "active"
		resp.Agents.Connected = len(connected)
		resp.Server = &dto.ServerInfo{ConnectedAgents: len(connected)}
	}

	c.JSON(http.StatusOK, resp)
}

func (h *TelemetryHandler) liveTable() map[string]server.ConnectionInfo {
	if h.live == nil {
		return nil
	}
	return h.live.ConnectedAgents()
}

func (h *TelemetryHandler) agentResponse(a store.AgentRecord, connected map[string]server.ConnectionInfo) dto.AgentResponse {
	resp := dto.AgentResponse{
		AgentID:      a.AgentID,
		Metadata:     a.Metadata,
		Status:       a.Status,
		RegisteredAt: a.RegisteredAt,
		LastSeen:     a.LastSeen,
		LastScan:     a.LastScan,
	}
	if !a.LastHeartbeat.IsZero() {
		hb := a.LastHeartbeat
		resp.LastHeartbeat = &hb
	}

	if info, ok := connected[a.AgentID]; ok {
		resp.Connected = true
		resp.ConnectionInfo = &info
	} else if !a.LastHeartbeat.IsZero() && time.Since(a.LastHeartbeat) < heartbeatGrace {
		resp.Connected = true
	}
	return resp
}
