package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/EternisAI/silo-telemetry/internal/protocol"
)

const readChunkSize = 8192

type sessionState int

const (
	stateOpen sessionState = iota
	stateBound
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateBound:
		return "bound"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is the per-connection state machine. One session exists per live
// socket and binds at most one agent identity.
type Session struct {
	srv        *Server
	conn       net.Conn
	remoteAddr string

	mu       sync.Mutex
	state    sessionState
	agentID  string
	lastSeen time.Time

	writeMu sync.Mutex

	buf []byte
}

func newSession(srv *Server, conn net.Conn) *Session {
	return &Session{
		srv:        srv,
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
		state:      stateOpen,
		lastSeen:   time.Now().UTC(),
	}
}

// run drives the read loop until the peer disconnects, the read deadline
// passes, the stream turns out corrupt or the server shuts down.
func (s *Session) run(ctx context.Context) {
	slog.Info("New connection", "remote_addr", s.remoteAddr)

	defer func() {
		s.close()
		s.srv.removeSession(s)
		slog.Info("Connection closed", "remote_addr", s.remoteAddr, "agent_id", s.boundAgentID())
	}()

	chunk := make([]byte, readChunkSize)
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.srv.config.ReadTimeout)); err != nil {
			return
		}

		n, err := s.conn.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
			if drainErr := s.drain(ctx); drainErr != nil {
				slog.Error("Closing connection", "remote_addr", s.remoteAddr, "error", drainErr)
				return
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				slog.Info("Client disconnected", "remote_addr", s.remoteAddr, "agent_id", s.boundAgentID())
			case errors.Is(err, os.ErrDeadlineExceeded):
				slog.Warn("Client timed out", "remote_addr", s.remoteAddr, "agent_id", s.boundAgentID())
			case errors.Is(err, net.ErrClosed):
			default:
				slog.Error("Read error", "remote_addr", s.remoteAddr, "error", err)
			}
			return
		}
	}
}

// drain decodes and processes every complete frame buffered so far,
// strictly in arrival order. A decode error is fatal for the connection
// since the resynchronization point is ambiguous.
func (s *Session) drain(ctx context.Context) error {
	for {
		msg, rest, err := protocol.Decode(s.buf)
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		s.buf = rest

		if err := s.handleMessage(ctx, *msg); err != nil {
			return err
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, msg protocol.Message) error {
	s.mu.Lock()
	s.lastSeen = time.Now().UTC()
	state := s.state
	agentID := s.agentID
	s.mu.Unlock()

	slog.Debug("Received message", "remote_addr", s.remoteAddr, "type", msg.Type, "agent_id", msg.AgentID)

	switch state {
	case stateOpen:
		return s.handleUnbound(ctx, msg)
	case stateBound:
		if msg.AgentID != agentID {
			return s.writeMessage(msg.Ack(false, "agent_id does not match session"))
		}
		return s.writeMessage(s.srv.dispatcher.Handle(ctx, msg))
	default:
		return nil
	}
}

// handleUnbound implements the OPEN state. The session binds on a
// verified AUTH exchange, or on the first message of any type when legacy
// implicit authentication is enabled.
func (s *Session) handleUnbound(ctx context.Context, msg protocol.Message) error {
	if msg.AgentID == "" {
		return s.writeMessage(msg.Ack(false, "agent_id is required"))
	}

	if s.srv.config.LegacyImplicitAuth {
		s.bind(msg.AgentID)
		slog.Warn("Session bound without AUTH (legacy implicit auth)",
			"agent_id", msg.AgentID, "remote_addr", s.remoteAddr)
		return s.writeMessage(s.srv.dispatcher.Handle(ctx, msg))
	}

	if msg.Type != protocol.TypeAuth {
		slog.Warn("Message before AUTH rejected",
			"remote_addr", s.remoteAddr, "type", msg.Type, "agent_id", msg.AgentID)
		return s.writeMessage(msg.Ack(false, "Authentication required"))
	}

	payload, err := protocol.DecodeAuthPayload(msg.Data)
	if err != nil {
		return s.writeMessage(msg.Ack(false, "Malformed auth payload"))
	}

	if !s.srv.verifier.Verify(msg.AgentID, payload.Metadata, payload.AuthKey) {
		slog.Warn("Authentication rejected", "agent_id", msg.AgentID, "remote_addr", s.remoteAddr)
		return s.writeMessage(msg.Ack(false, "Authentication failed"))
	}

	s.bind(msg.AgentID)
	return s.writeMessage(s.srv.dispatcher.Handle(ctx, msg))
}

func (s *Session) bind(agentID string) {
	s.mu.Lock()
	s.agentID = agentID
	s.state = stateBound
	s.mu.Unlock()

	s.srv.bindSession(agentID, s)
}

// writeMessage encodes and writes one frame. The write blocks until the
// transport accepts the bytes; outbound data is never buffered unbounded.
func (s *Session) writeMessage(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	if _, err := s.conn.Write(frame); err != nil {
		return err
	}
	return nil
}

func (s *Session) close() {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	s.mu.Unlock()

	_ = s.conn.Close()
}

func (s *Session) boundAgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

func (s *Session) info() ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ConnectionInfo{
		RemoteAddr:    s.remoteAddr,
		LastSeen:      s.lastSeen,
		Authenticated: s.state == stateBound,
	}
}
