// Package store is the persistence collaborator for the telemetry server:
// agent registration records, BOM submissions and per-agent error logs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/EternisAI/silo-telemetry/internal/protocol"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrNoBomData     = errors.New("no bom data for agent")
)

// AgentRecord is the server-side knowledge of one agent. Records are
// created on registration (or implicitly on first heartbeat) and never
// deleted by the protocol itself.
type AgentRecord struct {
	AgentID       string         `json:"agent_id"`
	Metadata      map[string]any `json:"metadata"`
	Status        map[string]any `json:"status"`
	RegisteredAt  time.Time      `json:"registered_at"`
	LastSeen      time.Time      `json:"last_seen"`
	LastHeartbeat time.Time      `json:"last_heartbeat,omitempty"`
	LastScan      *ScanSummary   `json:"last_scan,omitempty"`
}

// ScanSummary records the most recent BOM submission of an agent.
type ScanSummary struct {
	ScanID         string    `json:"scan_id"`
	RecordID       string    `json:"record_id"`
	Timestamp      time.Time `json:"timestamp"`
	ComponentCount int       `json:"component_count"`
}

// BomSubmission is one stored scan result. Immutable once stored.
type BomSubmission struct {
	RecordID   string               `json:"record_id"`
	AgentID    string               `json:"agent_id"`
	ScanID     string               `json:"scan_id"`
	Components []protocol.Component `json:"components"`
	Metadata   map[string]any       `json:"metadata"`
	Timestamp  time.Time            `json:"timestamp"`
	ReceivedAt time.Time            `json:"received_at"`
}

// BomSummary is the history view of a submission: identifiers and counts
// without the component list.
type BomSummary struct {
	RecordID       string    `json:"record_id"`
	ScanID         string    `json:"scan_id"`
	Timestamp      time.Time `json:"timestamp"`
	ComponentCount int       `json:"component_count"`
}

// AgentError is a stored error report from an agent.
type AgentError struct {
	AgentID   string         `json:"agent_id"`
	ErrorData map[string]any `json:"error_data"`
	Timestamp time.Time      `json:"timestamp"`
	LoggedAt  time.Time      `json:"logged_at"`
}

// Store is the durable backend behind the agent registry.
type Store interface {
	// RegisterAgent creates or replaces the registration record for an
	// agent. Idempotent; re-registration keeps the original RegisteredAt.
	RegisterAgent(ctx context.Context, agentID string, metadata map[string]any, ts time.Time) error

	// UpdateAgentStatus upserts the last-reported heartbeat status. The
	// record is created if a heartbeat arrives before registration.
	UpdateAgentStatus(ctx context.Context, agentID string, status map[string]any, ts time.Time) error

	GetAgent(ctx context.Context, agentID string) (*AgentRecord, error)
	ListAgents(ctx context.Context) ([]AgentRecord, error)

	// StoreBom persists a submission and updates the owning agent's last
	// scan summary. The submission's RecordID and ReceivedAt are assigned
	// by the store.
	StoreBom(ctx context.Context, sub BomSubmission) (string, error)
	GetLatestBom(ctx context.Context, agentID string) (*BomSubmission, error)
	GetBomHistory(ctx context.Context, agentID string, limit int) ([]BomSummary, error)

	LogError(ctx context.Context, agentID string, errorData map[string]any, ts time.Time) error

	// PurgeAgents removes every agent record together with its stored
	// submissions and error logs. It returns the number of agent records
	// removed.
	PurgeAgents(ctx context.Context) (int, error)
}
