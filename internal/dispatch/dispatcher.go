// Package dispatch routes decoded telemetry messages to their handling
// logic. Handling failures are recoverable: they become negative
// acknowledgments instead of tearing down the connection.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/EternisAI/silo-telemetry/internal/protocol"
	"github.com/EternisAI/silo-telemetry/internal/registry"
)

type handlerFunc func(ctx context.Context, msg protocol.Message) (*protocol.Message, error)

type Dispatcher struct {
	registry *registry.Registry
	handlers map[protocol.MessageType]handlerFunc
}

func New(reg *registry.Registry) *Dispatcher {
	d := &Dispatcher{registry: reg}
	d.handlers = map[protocol.MessageType]handlerFunc{
		protocol.TypeAuth:      d.handleAuth,
		protocol.TypeHeartbeat: d.handleHeartbeat,
		protocol.TypeBomData:   d.handleBomData,
		protocol.TypeError:     d.handleError,
	}
	return d
}

// Handle routes one message and always produces a response. Errors raised
// by a handler are converted to ACK(success=false) at this boundary.
func (d *Dispatcher) Handle(ctx context.Context, msg protocol.Message) protocol.Message {
	handler, ok := d.handlers[msg.Type]
	if !ok {
		slog.Warn("No handler for message type", "agent_id", msg.AgentID, "type", msg.Type)
		return msg.Ack(false, fmt.Sprintf("Unknown message type: %s", msg.Type))
	}

	resp, err := handler(ctx, msg)
	if err != nil {
		slog.Error("Failed to handle message", "agent_id", msg.AgentID, "type", msg.Type, "error", err)
		return msg.Ack(false, fmt.Sprintf("Error processing message: %s", err))
	}
	if resp != nil {
		return *resp
	}
	return msg.Ack(true, "Message processed successfully")
}

func (d *Dispatcher) handleAuth(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	payload, err := protocol.DecodeAuthPayload(msg.Data)
	if err != nil {
		return nil, err
	}

	if err := d.registry.RegisterOrUpdate(ctx, msg.AgentID, payload.Metadata, msg.Timestamp); err != nil {
		return nil, err
	}

	slog.Info("Agent registered", "agent_id", msg.AgentID)
	ack := msg.Ack(true, "Authentication successful")
	return &ack, nil
}

func (d *Dispatcher) handleHeartbeat(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	payload, err := protocol.DecodeHeartbeatPayload(msg.Data)
	if err != nil {
		return nil, err
	}

	if err := d.registry.UpdateHeartbeat(ctx, msg.AgentID, payload.Status, msg.Timestamp); err != nil {
		return nil, err
	}

	// At most one command is delivered per heartbeat cycle; delivery is
	// push-and-forget at the protocol layer.
	command, err := d.registry.DequeueCommand(ctx, msg.AgentID)
	if err != nil {
		return nil, err
	}
	if command != nil {
		slog.Info("Delivering queued command", "agent_id", msg.AgentID)
		resp := protocol.New(protocol.TypeCommand, msg.AgentID, command)
		return &resp, nil
	}

	ack := msg.Ack(true, "Heartbeat received")
	return &ack, nil
}

func (d *Dispatcher) handleBomData(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	payload, err := protocol.DecodeBomPayload(msg.Data)
	if err != nil {
		// Validation failure, not a transport problem: nack and move on.
		ack := msg.Ack(false, err.Error())
		return &ack, nil
	}

	recordID, err := d.registry.RecordBomSubmission(ctx, msg.AgentID, payload, msg.Timestamp)
	if err != nil {
		ack := msg.Ack(false, fmt.Sprintf("Failed to store BOM data: %s", err))
		return &ack, nil
	}

	slog.Info("Stored BOM submission",
		"agent_id", msg.AgentID,
		"scan_id", payload.ScanID,
		"record_id", recordID,
		"components", len(payload.Components))

	ack := msg.Ack(true, fmt.Sprintf("BOM data stored successfully with ID: %s", recordID))
	return &ack, nil
}

func (d *Dispatcher) handleError(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	slog.Error("Error reported by agent", "agent_id", msg.AgentID, "data", msg.Data)

	if err := d.registry.LogError(ctx, msg.AgentID, msg.Data, msg.Timestamp); err != nil {
		return nil, err
	}

	ack := msg.Ack(true, "Error logged")
	return &ack, nil
}
