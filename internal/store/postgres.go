package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the durable Store backed by a pgx connection pool. Schema is
// managed by the goose migrations embedded in internal/db.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) RegisterAgent(ctx context.Context, agentID string, metadata map[string]any, ts time.Time) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal agent metadata: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO agents (agent_id, metadata, status, registered_at, last_seen)
		VALUES ($1, $2, '{}', $3, $3)
		ON CONFLICT (agent_id)
		DO UPDATE SET metadata = EXCLUDED.metadata, last_seen = EXCLUDED.last_seen`,
		agentID, metadataJSON, ts)
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateAgentStatus(ctx context.Context, agentID string, status map[string]any, ts time.Time) error {
	statusJSON, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal agent status: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO agents (agent_id, metadata, status, registered_at, last_seen, last_heartbeat)
		VALUES ($1, '{}', $2, $3, $3, now())
		ON CONFLICT (agent_id)
		DO UPDATE SET status = EXCLUDED.status, last_seen = EXCLUDED.last_seen, last_heartbeat = now()`,
		agentID, statusJSON, ts)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	return nil
}

func (p *Postgres) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT agent_id, metadata, status, registered_at, last_seen, last_heartbeat, last_scan
		FROM agents WHERE agent_id = $1`, agentID)

	rec, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return rec, nil
}

func (p *Postgres) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT agent_id, metadata, status, registered_at, last_seen, last_heartbeat, last_scan
		FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("list agents: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (p *Postgres) StoreBom(ctx context.Context, sub BomSubmission) (string, error) {
	componentsJSON, err := json.Marshal(sub.Components)
	if err != nil {
		return "", fmt.Errorf("marshal components: %w", err)
	}
	metadataJSON, err := json.Marshal(sub.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal bom metadata: %w", err)
	}

	recordID := uuid.New().String()
	receivedAt := time.Now().UTC()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("store bom: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO bom_submissions (record_id, agent_id, scan_id, components, metadata, scanned_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		recordID, sub.AgentID, sub.ScanID, componentsJSON, metadataJSON, sub.Timestamp, receivedAt)
	if err != nil {
		return "", fmt.Errorf("store bom: %w", err)
	}

	lastScanJSON, err := json.Marshal(ScanSummary{
		ScanID:         sub.ScanID,
		RecordID:       recordID,
		Timestamp:      sub.Timestamp,
		ComponentCount: len(sub.Components),
	})
	if err != nil {
		return "", fmt.Errorf("marshal scan summary: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE agents SET last_scan = $2 WHERE agent_id = $1`,
		sub.AgentID, lastScanJSON)
	if err != nil {
		return "", fmt.Errorf("update last scan: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("store bom: %w", err)
	}
	return recordID, nil
}

func (p *Postgres) GetLatestBom(ctx context.Context, agentID string) (*BomSubmission, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT record_id, agent_id, scan_id, components, metadata, scanned_at, received_at
		FROM bom_submissions WHERE agent_id = $1
		ORDER BY received_at DESC LIMIT 1`, agentID)

	sub, err := scanBom(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoBomData
		}
		return nil, fmt.Errorf("get latest bom: %w", err)
	}
	return sub, nil
}

func (p *Postgres) GetBomHistory(ctx context.Context, agentID string, limit int) ([]BomSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := p.pool.Query(ctx, `
		SELECT record_id, scan_id, scanned_at, jsonb_array_length(components)
		FROM bom_submissions WHERE agent_id = $1
		ORDER BY received_at DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("get bom history: %w", err)
	}
	defer rows.Close()

	var out []BomSummary
	for rows.Next() {
		var s BomSummary
		if err := rows.Scan(&s.RecordID, &s.ScanID, &s.Timestamp, &s.ComponentCount); err != nil {
			return nil, fmt.Errorf("get bom history: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) LogError(ctx context.Context, agentID string, errorData map[string]any, ts time.Time) error {
	dataJSON, err := json.Marshal(errorData)
	if err != nil {
		return fmt.Errorf("marshal error data: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO agent_errors (id, agent_id, error_data, reported_at, logged_at)
		VALUES ($1, $2, $3, $4, now())`,
		uuid.New().String(), agentID, dataJSON, ts)
	if err != nil {
		return fmt.Errorf("log agent error: %w", err)
	}
	return nil
}

// PurgeAgents wipes all agent records, BOM submissions and error logs in
// one transaction. Queued commands are handled separately through PurgeAll.
func (p *Postgres) PurgeAgents(ctx context.Context) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge agents: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, query := range []string{`DELETE FROM agent_errors`, `DELETE FROM bom_submissions`} {
		if _, err := tx.Exec(ctx, query); err != nil {
			return 0, fmt.Errorf("purge agents: %w", err)
		}
	}
	tag, err := tx.Exec(ctx, `DELETE FROM agents`)
	if err != nil {
		return 0, fmt.Errorf("purge agents: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("purge agents: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Enqueue appends a command to the durable per-agent queue. Together with
// Dequeue it satisfies the registry's CommandQueue interface for
// deployments that want commands to survive a server restart.
func (p *Postgres) Enqueue(ctx context.Context, agentID string, command map[string]any) error {
	commandJSON, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO agent_commands (agent_id, command, queued_at)
		VALUES ($1, $2, now())`, agentID, commandJSON)
	if err != nil {
		return fmt.Errorf("enqueue command: %w", err)
	}
	return nil
}

// Dequeue removes and returns the oldest queued command for the agent, or
// nil when the queue is empty. SKIP LOCKED keeps concurrent heartbeat
// handlers from delivering the same command twice.
func (p *Postgres) Dequeue(ctx context.Context, agentID string) (map[string]any, error) {
	row := p.pool.QueryRow(ctx, `
		DELETE FROM agent_commands
		WHERE id = (
			SELECT id FROM agent_commands WHERE agent_id = $1
			ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED
		)
		RETURNING command`, agentID)

	var commandJSON []byte
	if err := row.Scan(&commandJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue command: %w", err)
	}

	var command map[string]any
	if err := json.Unmarshal(commandJSON, &command); err != nil {
		return nil, fmt.Errorf("unmarshal command: %w", err)
	}
	return command, nil
}

// Pending reports the number of queued commands for the agent.
func (p *Postgres) Pending(ctx context.Context, agentID string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT count(*) FROM agent_commands WHERE agent_id = $1`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending commands: %w", err)
	}
	return n, nil
}

// PurgeAll drops every queued command for every agent.
func (p *Postgres) PurgeAll(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM agent_commands`); err != nil {
		return fmt.Errorf("purge commands: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*AgentRecord, error) {
	var (
		rec           AgentRecord
		metadataJSON  []byte
		statusJSON    []byte
		lastHeartbeat *time.Time
		lastScanJSON  []byte
	)
	if err := row.Scan(&rec.AgentID, &metadataJSON, &statusJSON,
		&rec.RegisteredAt, &rec.LastSeen, &lastHeartbeat, &lastScanJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal(statusJSON, &rec.Status); err != nil {
		return nil, fmt.Errorf("unmarshal status: %w", err)
	}
	if lastHeartbeat != nil {
		rec.LastHeartbeat = *lastHeartbeat
	}
	if len(lastScanJSON) > 0 {
		var summary ScanSummary
		if err := json.Unmarshal(lastScanJSON, &summary); err != nil {
			return nil, fmt.Errorf("unmarshal last scan: %w", err)
		}
		rec.LastScan = &summary
	}
	return &rec, nil
}

func scanBom(row rowScanner) (*BomSubmission, error) {
	var (
		sub            BomSubmission
		componentsJSON []byte
		metadataJSON   []byte
	)
	if err := row.Scan(&sub.RecordID, &sub.AgentID, &sub.ScanID,
		&componentsJSON, &metadataJSON, &sub.Timestamp, &sub.ReceivedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(componentsJSON, &sub.Components); err != nil {
		return nil, fmt.Errorf("unmarshal components: %w", err)
	}
	if err := json.Unmarshal(metadataJSON, &sub.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal bom metadata: %w", err)
	}
	return &sub, nil
}
