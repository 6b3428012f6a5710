package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a mutex-guarded in-memory Store. It backs standalone server
// deployments without a database and most of the test suite.
type Memory struct {
	mu     sync.RWMutex
	agents map[string]*AgentRecord
	boms   map[string][]BomSubmission // newest last
	errors []AgentError
}

func NewMemory() *Memory {
	return &Memory{
		agents: make(map[string]*AgentRecord),
		boms:   make(map[string][]BomSubmission),
	}
}

func (m *Memory) RegisterAgent(_ context.Context, agentID string, metadata map[string]any, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.agents[agentID]; ok {
		existing.Metadata = cloneMap(metadata)
		existing.LastSeen = ts
		return nil
	}
	m.agents[agentID] = &AgentRecord{
		AgentID:      agentID,
		Metadata:     cloneMap(metadata),
		Status:       map[string]any{},
		RegisteredAt: ts,
		LastSeen:     ts,
	}
	return nil
}

func (m *Memory) UpdateAgentStatus(_ context.Context, agentID string, status map[string]any, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.agents[agentID]
	if !ok {
		rec = &AgentRecord{
			AgentID:      agentID,
			Metadata:     map[string]any{},
			RegisteredAt: ts,
		}
		m.agents[agentID] = rec
	}
	rec.Status = cloneMap(status)
	rec.LastSeen = ts
	rec.LastHeartbeat = time.Now().UTC()
	return nil
}

func (m *Memory) GetAgent(_ context.Context, agentID string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	out := *rec
	return &out, nil
}

func (m *Memory) ListAgents(_ context.Context) ([]AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AgentRecord, 0, len(m.agents))
	for _, rec := range m.agents {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (m *Memory) StoreBom(_ context.Context, sub BomSubmission) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub.RecordID = uuid.New().String()
	sub.ReceivedAt = time.Now().UTC()
	m.boms[sub.AgentID] = append(m.boms[sub.AgentID], sub)

	if rec, ok := m.agents[sub.AgentID]; ok {
		rec.LastScan = &ScanSummary{
			ScanID:         sub.ScanID,
			RecordID:       sub.RecordID,
			Timestamp:      sub.Timestamp,
			ComponentCount: len(sub.Components),
		}
	}
	return sub.RecordID, nil
}

func (m *Memory) GetLatestBom(_ context.Context, agentID string) (*BomSubmission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := m.boms[agentID]
	if len(subs) == 0 {
		return nil, ErrNoBomData
	}
	out := subs[len(subs)-1]
	return &out, nil
}

func (m *Memory) GetBomHistory(_ context.Context, agentID string, limit int) ([]BomSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := m.boms[agentID]
	if limit <= 0 || limit > len(subs) {
		limit = len(subs)
	}
	out := make([]BomSummary, 0, limit)
	for i := len(subs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, BomSummary{
			RecordID:       subs[i].RecordID,
			ScanID:         subs[i].ScanID,
			Timestamp:      subs[i].Timestamp,
			ComponentCount: len(subs[i].Components),
		})
	}
	return out, nil
}

func (m *Memory) LogError(_ context.Context, agentID string, errorData map[string]any, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.errors = append(m.errors, AgentError{
		AgentID:   agentID,
		ErrorData: cloneMap(errorData),
		Timestamp: ts,
		LoggedAt:  time.Now().UTC(),
	})
	return nil
}

func (m *Memory) PurgeAgents(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.agents)
	m.agents = make(map[string]*AgentRecord)
	m.boms = make(map[string][]BomSubmission)
	m.errors = nil
	return n, nil
}

// Errors returns all logged agent errors, oldest first.
func (m *Memory) Errors(agentID string) []AgentError {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []AgentError
	for _, e := range m.errors {
		if e.AgentID == agentID {
			out = append(out, e)
		}
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
