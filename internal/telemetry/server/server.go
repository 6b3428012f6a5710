// Package server implements the collection side of the telemetry protocol:
// a TCP listener that accepts long-lived agent connections, decodes framed
// messages and routes them through the dispatcher.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/EternisAI/silo-telemetry/internal/auth"
	"github.com/EternisAI/silo-telemetry/internal/dispatch"
)

const (
	defaultReadTimeout  = 300 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

type Config struct {
	Host        string
	Port        int
	ReadTimeout time.Duration

	// LegacyImplicitAuth restores the historical behavior of binding a
	// session to the agent ID of the first message regardless of its type.
	// New deployments should leave this off and require an AUTH exchange.
	LegacyImplicitAuth bool

	// TLS, when non-nil, wraps accepted connections below the framing.
	TLS *tls.Config
}

// ConnectionInfo is the introspection view of one live session.
type ConnectionInfo struct {
	RemoteAddr    string    `json:"remote_addr"`
	LastSeen      time.Time `json:"last_seen"`
	Authenticated bool      `json:"authenticated"`
}

type Server struct {
	config     Config
	dispatcher *dispatch.Dispatcher
	verifier   auth.CredentialVerifier

	mu       sync.RWMutex
	listener net.Listener
	sessions map[*Session]struct{}
	bound    map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(config Config, dispatcher *dispatch.Dispatcher, verifier auth.CredentialVerifier) *Server {
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaultReadTimeout
	}
	if verifier == nil {
		verifier = auth.AllowAll{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:     config,
		dispatcher: dispatcher,
		verifier:   verifier,
		sessions:   make(map[*Session]struct{}),
		bound:      make(map[string]*Session),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start listens and serves until Stop is called. It blocks.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if s.config.TLS != nil {
		lis = tls.NewListener(lis, s.config.TLS)
	}

	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	slog.Info("Telemetry server listening", "address", lis.Addr().String(), "tls", s.config.TLS != nil)

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		sess := newSession(s, conn)
		s.addSession(sess)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.run(s.ctx)
		}()
	}
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener, terminates all live sessions and waits for
// their read loops to unwind until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Stopping telemetry server")
	s.cancel()

	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for sess := range s.sessions {
		sess.close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Telemetry server stopped")
		return nil
	case <-ctx.Done():
		slog.Warn("Telemetry server stop timeout, sessions abandoned")
		return ctx.Err()
	}
}

func (s *Server) StopWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Stop(ctx)
}

// ConnectedAgents snapshots the live-connection table for administrative
// introspection.
func (s *Server) ConnectedAgents() map[string]ConnectionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]ConnectionInfo, len(s.bound))
	for agentID, sess := range s.bound {
		out[agentID] = sess.info()
	}
	return out
}

// DisconnectAll closes every live session and returns the number of bound
// agents that were dropped. The listener stays open; agents reconnect on
// their own schedule.
func (s *Server) DisconnectAll() int {
	s.mu.Lock()
	dropped := len(s.bound)
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
	if len(sessions) > 0 {
		slog.Info("Disconnected all agent sessions", "bound", dropped, "total", len(sessions))
	}
	return dropped
}

func (s *Server) addSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess] = struct{}{}
}

// bindSession associates an authenticated session with an agent ID. A
// previous connection for the same agent is replaced and closed.
func (s *Server) bindSession(agentID string, sess *Session) {
	s.mu.Lock()
	previous := s.bound[agentID]
	s.bound[agentID] = sess
	total := len(s.bound)
	s.mu.Unlock()

	if previous != nil && previous != sess {
		slog.Warn("Agent already connected, replacing connection", "agent_id", agentID)
		previous.close()
	}

	slog.Info("Agent session bound", "agent_id", agentID, "remote_addr", sess.remoteAddr, "total_connections", total)
}

func (s *Server) removeSession(sess *Session) {
	agentID := sess.boundAgentID()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sess)
	if agentID != "" && s.bound[agentID] == sess {
		delete(s.bound, agentID)
	}
}
