package registry

import (
	"context"
	"sync"
)

// CommandQueue holds per-agent FIFO queues of outbound commands awaiting
// delivery on the next heartbeat. The default implementation is
// in-process only: commands queued while the server is down are lost.
// store.Postgres provides a durable alternative.
type CommandQueue interface {
	Enqueue(ctx context.Context, agentID string, command map[string]any) error
	// Dequeue removes and returns the oldest command, or nil when empty.
	Dequeue(ctx context.Context, agentID string) (map[string]any, error)
	Pending(ctx context.Context, agentID string) (int, error)
	// PurgeAll drops every queued command for every agent.
	PurgeAll(ctx context.Context) error
}

// MemoryQueue is the default non-durable CommandQueue.
type MemoryQueue struct {
	mu       sync.Mutex
	commands map[string][]map[string]any
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{commands: make(map[string][]map[string]any)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, agentID string, command map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.commands[agentID] = append(q.commands[agentID], command)
	return nil
}

func (q *MemoryQueue) Dequeue(_ context.Context, agentID string) (map[string]any, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.commands[agentID]
	if len(queue) == 0 {
		return nil, nil
	}
	command := queue[0]
	q.commands[agentID] = queue[1:]
	return command, nil
}

func (q *MemoryQueue) Pending(_ context.Context, agentID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.commands[agentID]), nil
}

func (q *MemoryQueue) PurgeAll(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.commands = make(map[string][]map[string]any)
	return nil
}
