// Package registry is the authoritative in-process view of known agents
// and their pending commands. It is the single seam the message dispatcher
// talks to, independent of how persistence is implemented.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/EternisAI/silo-telemetry/internal/protocol"
	"github.com/EternisAI/silo-telemetry/internal/store"
)

type Registry struct {
	store store.Store
	queue CommandQueue
}

func New(st store.Store, queue CommandQueue) *Registry {
	if queue == nil {
		queue = NewMemoryQueue()
	}
	return &Registry{store: st, queue: queue}
}

// RegisterOrUpdate upserts an agent's registration record.
func (r *Registry) RegisterOrUpdate(ctx context.Context, agentID string, metadata map[string]any, ts time.Time) error {
	if err := r.store.RegisterAgent(ctx, agentID, metadata, ts); err != nil {
		return fmt.Errorf("register agent %s: %w", agentID, err)
	}
	return nil
}

// UpdateHeartbeat upserts the agent's last-reported status. A record is
// created if heartbeats arrive before an explicit registration.
func (r *Registry) UpdateHeartbeat(ctx context.Context, agentID string, status map[string]any, ts time.Time) error {
	if err := r.store.UpdateAgentStatus(ctx, agentID, status, ts); err != nil {
		return fmt.Errorf("update heartbeat for %s: %w", agentID, err)
	}
	return nil
}

func (r *Registry) EnqueueCommand(ctx context.Context, agentID string, command map[string]any) error {
	return r.queue.Enqueue(ctx, agentID, command)
}

// DequeueCommand pops the oldest pending command for the agent, or nil.
func (r *Registry) DequeueCommand(ctx context.Context, agentID string) (map[string]any, error) {
	return r.queue.Dequeue(ctx, agentID)
}

func (r *Registry) PendingCommands(ctx context.Context, agentID string) (int, error) {
	return r.queue.Pending(ctx, agentID)
}

// RecordBomSubmission persists one scan result and returns the assigned
// record ID.
func (r *Registry) RecordBomSubmission(ctx context.Context, agentID string, payload protocol.BomPayload, ts time.Time) (string, error) {
	recordID, err := r.store.StoreBom(ctx, store.BomSubmission{
		AgentID:    agentID,
		ScanID:     payload.ScanID,
		Components: payload.Components,
		Metadata:   payload.Metadata,
		Timestamp:  ts,
	})
	if err != nil {
		return "", fmt.Errorf("store bom for %s: %w", agentID, err)
	}
	return recordID, nil
}

func (r *Registry) LatestBom(ctx context.Context, agentID string) (*store.BomSubmission, error) {
	return r.store.GetLatestBom(ctx, agentID)
}

func (r *Registry) BomHistory(ctx context.Context, agentID string, limit int) ([]store.BomSummary, error) {
	return r.store.GetBomHistory(ctx, agentID, limit)
}

func (r *Registry) LogError(ctx context.Context, agentID string, errorData map[string]any, ts time.Time) error {
	if err := r.store.LogError(ctx, agentID, errorData, ts); err != nil {
		return fmt.Errorf("log error for %s: %w", agentID, err)
	}
	return nil
}

// Purge wipes every agent record, stored submission, error log and queued
// command. It returns the number of agent records removed.
func (r *Registry) Purge(ctx context.Context) (int, error) {
	n, err := r.store.PurgeAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge agents: %w", err)
	}
	if err := r.queue.PurgeAll(ctx); err != nil {
		return n, fmt.Errorf("purge command queues: %w", err)
	}
	return n, nil
}

func (r *Registry) Agent(ctx context.Context, agentID string) (*store.AgentRecord, error) {
	return r.store.GetAgent(ctx, agentID)
}

func (r *Registry) Agents(ctx context.Context) ([]store.AgentRecord, error) {
	return r.store.ListAgents(ctx)
}
