// Package client is the agent-side transport of the telemetry protocol:
// it connects to the collection server with exponential backoff,
// authenticates, and sends BOM, heartbeat and error messages.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EternisAI/silo-telemetry/internal/protocol"
)

const (
	defaultMaxAttempts   = 5
	defaultRetryDelay    = 5 * time.Second
	defaultMaxRetryDelay = 5 * time.Minute
	defaultAckTimeout    = 10 * time.Second
	defaultWriteTimeout  = 30 * time.Second

	readChunkSize = 8192
)

var (
	// ErrConnectFailed is returned when every connection attempt has been
	// exhausted.
	ErrConnectFailed = errors.New("connection failed")

	// ErrAuthFailed is returned when the server does not positively
	// acknowledge the AUTH exchange. The socket is closed; the connection
	// is not usable.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrNotConnected is returned by send operations on a disconnected
	// transport.
	ErrNotConnected = errors.New("not connected to server")
)

// State is the client transport state machine position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

type Config struct {
	ServerAddr string
	AgentID    string

	// Metadata is sent with the AUTH message (hostname, platform, version).
	Metadata map[string]any
	// AuthKey is the optional shared key checked by the server's
	// credential verifier.
	AuthKey string

	MaxAttempts   int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	AckTimeout    time.Duration

	// TLS, when non-nil, wraps the connection below the framing.
	TLS *tls.Config
}

type Client struct {
	config Config

	mu    sync.Mutex
	conn  net.Conn
	buf   []byte
	state atomic.Int32

	// Injection points for tests.
	dial  func(ctx context.Context, addr string) (net.Conn, error)
	sleep func(ctx context.Context, d time.Duration) error
}

func New(config Config) *Client {
	if config.MaxAttempts == 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = defaultRetryDelay
	}
	if config.MaxRetryDelay == 0 {
		config.MaxRetryDelay = defaultMaxRetryDelay
	}
	if config.AckTimeout == 0 {
		config.AckTimeout = defaultAckTimeout
	}

	c := &Client{config: config}
	c.dial = c.dialTCP
	c.sleep = sleepContext
	return c
}

// Connect dials the server, retrying with exponential backoff between
// attempts, then performs the AUTH exchange. The retry loop is cancellable
// between attempts via ctx.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	delay := c.config.RetryDelay
	var lastErr error

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		slog.Info("Connecting to telemetry server", "address", c.config.ServerAddr, "attempt", attempt)

		conn, err := c.dial(ctx, c.config.ServerAddr)
		if err == nil {
			c.setState(StateAuthenticating)
			if err := c.authenticate(conn); err != nil {
				_ = conn.Close()
				c.setState(StateDisconnected)
				return err
			}

			c.mu.Lock()
			c.conn = conn
			c.buf = nil
			c.mu.Unlock()
			c.setState(StateConnected)

			slog.Info("Connected to telemetry server", "address", c.config.ServerAddr, "agent_id", c.config.AgentID)
			return nil
		}

		lastErr = err
		slog.Error("Connection attempt failed",
			"attempt", attempt, "max_attempts", c.config.MaxAttempts, "error", err)

		if attempt < c.config.MaxAttempts {
			slog.Info("Retrying connection", "delay", delay)
			if err := c.sleep(ctx, delay); err != nil {
				c.setState(StateDisconnected)
				return err
			}
			delay *= 2
			if delay > c.config.MaxRetryDelay {
				delay = c.config.MaxRetryDelay
			}
		}
	}

	c.setState(StateDisconnected)
	return fmt.Errorf("%w after %d attempts: %v", ErrConnectFailed, c.config.MaxAttempts, lastErr)
}

// Disconnect closes the connection, if any.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	slog.Info("Disconnected from telemetry server")
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// SendBomData sends one BOM submission and waits for the server's
// acknowledgment. It returns the acknowledgment's success flag and text.
func (c *Client) SendBomData(payload protocol.BomPayload) (bool, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := protocol.New(protocol.TypeBomData, c.config.AgentID, payload.ToData())
	if err := c.sendLocked(msg); err != nil {
		return false, "", err
	}

	resp, err := c.readMessageLocked(c.config.AckTimeout)
	if err != nil {
		return false, "", err
	}
	if resp.Type != protocol.TypeAck {
		return false, "", fmt.Errorf("unexpected response type %s to bom_data", resp.Type)
	}

	ack, err := protocol.DecodeAckPayload(resp.Data)
	if err != nil {
		return false, "", err
	}
	return ack.Success, ack.Message, nil
}

// SendHeartbeat sends a status heartbeat. If the server delivers a queued
// command in response it is returned for the caller to handle; a nil
// command means the heartbeat was plainly acknowledged. Any reply at all
// counts as "heartbeat accepted".
func (c *Client) SendHeartbeat(status map[string]any) (*protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sendLocked(protocol.NewHeartbeat(c.config.AgentID, status)); err != nil {
		return nil, err
	}

	resp, err := c.readMessageLocked(c.config.AckTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Type == protocol.TypeCommand {
		slog.Info("Command received from server", "agent_id", c.config.AgentID)
		return resp, nil
	}
	return nil, nil
}

// SendError reports an error to the server. The server acknowledges every
// message, but callers do not need the reply; the pending ack is drained
// on the next read.
func (c *Client) SendError(errorCode, errorMessage string, details map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sendLocked(protocol.NewError(c.config.AgentID, errorCode, errorMessage, details)); err != nil {
		return err
	}

	// Consume the server's ack so it does not get matched to a later
	// request. A missing reply is not an error for fire-and-forget sends.
	if _, err := c.readMessageLocked(c.config.AckTimeout); err != nil && !errors.Is(err, ErrNotConnected) {
		slog.Debug("No acknowledgment for error report", "error", err)
	}
	return nil
}

// authenticate performs the AUTH exchange on a fresh connection using a
// session-local read buffer.
func (c *Client) authenticate(conn net.Conn) error {
	data := map[string]any{"metadata": c.config.Metadata}
	if c.config.AuthKey != "" {
		data["auth_key"] = c.config.AuthKey
	}
	msg := protocol.New(protocol.TypeAuth, c.config.AgentID, data)

	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var buf []byte
	resp, _, err := readMessage(conn, buf, c.config.AckTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if resp.Type != protocol.TypeAck {
		return fmt.Errorf("%w: unexpected response type %s", ErrAuthFailed, resp.Type)
	}

	ack, err := protocol.DecodeAckPayload(resp.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if !ack.Success {
		return fmt.Errorf("%w: %s", ErrAuthFailed, ack.Message)
	}

	slog.Info("Authentication successful", "agent_id", c.config.AgentID)
	return nil
}

func (c *Client) sendLocked(msg protocol.Message) error {
	if c.conn == nil {
		return ErrNotConnected
	}

	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	if _, err := c.conn.Write(frame); err != nil {
		c.closeLocked()
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}

	slog.Debug("Sent message", "type", msg.Type, "agent_id", msg.AgentID)
	return nil
}

func (c *Client) readMessageLocked(timeout time.Duration) (*protocol.Message, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}

	msg, rest, err := readMessage(c.conn, c.buf, timeout)
	if err != nil {
		c.closeLocked()
		return nil, err
	}
	c.buf = rest
	return msg, nil
}

// readMessage reads from conn until buf holds one complete frame. A
// zero-length read means the server closed the connection.
func readMessage(conn net.Conn, buf []byte, timeout time.Duration) (*protocol.Message, []byte, error) {
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, readChunkSize)

	for {
		msg, rest, err := protocol.Decode(buf)
		if err != nil {
			return nil, buf, err
		}
		if msg != nil {
			return msg, rest, nil
		}

		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, buf, err
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return nil, buf, fmt.Errorf("receive: %w", err)
		}
	}
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.buf = nil
	c.setState(StateDisconnected)
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Client) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if c.config.TLS != nil {
		tlsConn := tls.Client(conn, c.config.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		return tlsConn, nil
	}
	return conn, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
