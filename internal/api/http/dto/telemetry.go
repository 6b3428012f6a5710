package dto

import (
	"time"

	"github.com/EternisAI/silo-telemetry/internal/store"
	"github.com/EternisAI/silo-telemetry/internal/telemetry/server"
)

type AgentResponse struct {
	AgentID        string                 `json:"agent_id"`
	Metadata       map[string]any         `json:"metadata"`
	Status         map[string]any         `json:"status"`
	RegisteredAt   time.Time              `json:"registered_at"`
	LastSeen       time.Time              `json:"last_seen"`
	LastHeartbeat  *time.Time             `json:"last_heartbeat,omitempty"`
	LastScan       *store.ScanSummary     `json:"last_scan,omitempty"`
	Connected      bool                   `json:"connected"`
	ConnectionInfo *server.ConnectionInfo `json:"connection_info,omitempty"`
}

type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
	Total  int             `json:"total"`
}

type BomHistoryResponse struct {
	AgentID string             `json:"agent_id"`
	History []store.BomSummary `json:"history"`
	Count   int                `json:"count"`
}

type QueueCommandResponse struct {
	Status   string         `json:"status"`
	AgentID  string         `json:"agent_id"`
	Command  map[string]any `json:"command"`
	QueuedAt time.Time      `json:"queued_at"`
}

type PurgeResponse struct {
	Status    string      `json:"status"`
	Message   string      `json:"message"`
	Purged    PurgeCounts `json:"purged"`
	Timestamp time.Time   `json:"timestamp"`
}

type PurgeCounts struct {
	TotalAgents     int `json:"total_agents"`
	ConnectedAgents int `json:"connected_agents"`
}

type StatusResponse struct {
	Service string      `json:"service"`
	Agents  AgentCounts `json:"agents"`
	Server  *ServerInfo `json:"server,omitempty"`
}

type AgentCounts struct {
	Total     int `json:"total"`
	Connected int `json:"connected"`
}

type ServerInfo struct {
	ConnectedAgents int    `json:"connected_agents"`
	Address         string `json:"address"`
}
