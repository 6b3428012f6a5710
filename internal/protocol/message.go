package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of telemetry message and determines
// which fields of Data are mandatory.
type MessageType string

const (
	TypeAuth      MessageType = "authentication"
	TypeHeartbeat MessageType = "heartbeat"
	TypeBomData   MessageType = "bom_data"
	TypeCommand   MessageType = "command"
	TypeError     MessageType = "error"
	TypeAck       MessageType = "acknowledgment"
)

// Known reports whether t is part of the closed message type enumeration.
func (t MessageType) Known() bool {
	switch t {
	case TypeAuth, TypeHeartbeat, TypeBomData, TypeCommand, TypeError, TypeAck:
		return true
	}
	return false
}

// Message is the unit of communication between agent and server. Messages
// are immutable value objects; responses are correlated to requests by
// connection ordering, with the ID echoed in ack payloads as an extension.
type Message struct {
	ID        string         `json:"id,omitempty"`
	Type      MessageType    `json:"type"`
	AgentID   string         `json:"agent_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// New creates a message of the given type with a fresh correlation ID and
// a UTC timestamp.
func New(msgType MessageType, agentID string, data map[string]any) Message {
	if data == nil {
		data = map[string]any{}
	}
	return Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewHeartbeat creates a heartbeat message carrying a free-form status map.
func NewHeartbeat(agentID string, status map[string]any) Message {
	return New(TypeHeartbeat, agentID, map[string]any{
		"status": status,
	})
}

// NewError creates an error report message. Details may be nil.
func NewError(agentID, errorCode, errorMessage string, details map[string]any) Message {
	data := map[string]any{
		"error_code":    errorCode,
		"error_message": errorMessage,
	}
	if details != nil {
		data["details"] = details
	}
	return New(TypeError, agentID, data)
}

// Ack creates a positive or negative acknowledgment for m, copying the
// originating agent ID and echoing the request ID.
func (m Message) Ack(success bool, text string) Message {
	return New(TypeAck, m.AgentID, map[string]any{
		"success":        success,
		"message":        text,
		"in_response_to": m.ID,
	})
}

// Component is one entry of a bill of materials.
type Component struct {
	Name     string         `json:"name"`
	Version  string         `json:"version"`
	Type     string         `json:"type,omitempty"`
	Purl     string         `json:"purl,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AuthPayload is the typed shape of an auth message's data.
type AuthPayload struct {
	Metadata map[string]any `json:"metadata"`
	AuthKey  string         `json:"auth_key,omitempty"`
}

// HeartbeatPayload is the typed shape of a heartbeat message's data.
type HeartbeatPayload struct {
	Status map[string]any `json:"status"`
}

// BomPayload is the typed shape of a bom_data message's data.
type BomPayload struct {
	ScanID     string         `json:"scan_id"`
	Components []Component    `json:"components"`
	Metadata   map[string]any `json:"metadata"`
}

// ErrorPayload is the typed shape of an error message's data.
type ErrorPayload struct {
	ErrorCode    string         `json:"error_code"`
	ErrorMessage string         `json:"error_message"`
	Details      map[string]any `json:"details,omitempty"`
}

// AckPayload is the typed shape of an ack message's data.
type AckPayload struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	InResponseTo string `json:"in_response_to,omitempty"`
}

// DecodeAuthPayload extracts the auth fields from an open data mapping.
func DecodeAuthPayload(data map[string]any) (AuthPayload, error) {
	var p AuthPayload
	if err := remarshal(data, &p); err != nil {
		return AuthPayload{}, err
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	return p, nil
}

// DecodeHeartbeatPayload extracts the status map from an open data mapping.
func DecodeHeartbeatPayload(data map[string]any) (HeartbeatPayload, error) {
	var p HeartbeatPayload
	if err := remarshal(data, &p); err != nil {
		return HeartbeatPayload{}, err
	}
	if p.Status == nil {
		p.Status = map[string]any{}
	}
	return p, nil
}

// DecodeBomPayload extracts and validates a BOM submission from an open
// data mapping. All three fields are required on the wire.
func DecodeBomPayload(data map[string]any) (BomPayload, error) {
	for _, field := range []string{"components", "metadata", "scan_id"} {
		if _, ok := data[field]; !ok {
			return BomPayload{}, fmt.Errorf("missing required field: %s", field)
		}
	}
	var p BomPayload
	if err := remarshal(data, &p); err != nil {
		return BomPayload{}, err
	}
	if p.ScanID == "" {
		return BomPayload{}, fmt.Errorf("missing required field: scan_id")
	}
	return p, nil
}

// DecodeAckPayload extracts acknowledgment fields from an open data mapping.
func DecodeAckPayload(data map[string]any) (AckPayload, error) {
	var p AckPayload
	if err := remarshal(data, &p); err != nil {
		return AckPayload{}, err
	}
	return p, nil
}

// ToData converts a typed BOM payload back into the open mapping carried
// on the wire.
func (p BomPayload) ToData() map[string]any {
	components := make([]any, len(p.Components))
	for i, c := range p.Components {
		m := map[string]any{
			"name":    c.Name,
			"version": c.Version,
		}
		if c.Type != "" {
			m["type"] = c.Type
		}
		if c.Purl != "" {
			m["purl"] = c.Purl
		}
		if len(c.Metadata) > 0 {
			m["metadata"] = c.Metadata
		}
		components[i] = m
	}
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{
		"scan_id":    p.ScanID,
		"components": components,
		"metadata":   metadata,
	}
}
