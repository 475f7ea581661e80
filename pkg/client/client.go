// Package client implements the chat relay client: connection management,
// the identity handshake and typed send helpers over the binary protocol.
package client

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/apolmos/chatrelay/pkg/protocol"
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrAlreadyClosed  = errors.New("connection already closed")
	ErrHandshakeError = errors.New("handshake failed")
)

// ServerLimits holds the limits announced by SERVER_CONFIG
type ServerLimits struct {
	ProtocolVersion   uint8
	MaxMessageLength  uint32
	MaxUsernameLength uint16
}

// Client is a connection to a chat relay server. Incoming frames are read by
// a background goroutine and delivered on the Incoming channel; sends are
// safe for concurrent use.
type Client struct {
	addr string

	mu        sync.Mutex
	conn      net.Conn
	closed    bool
	sessionID uint64
	limits    ServerLimits

	incoming chan *protocol.Frame
	errs     chan error
	done     chan struct{}
}

// Dial connects to a server address. The scheme selects the transport:
// plain "host:port" is TCP, "ws://" and "wss://" use WebSocket, and
// "ssh://" tunnels the protocol over an SSH session channel.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	var conn net.Conn
	var err error

	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		conn, err = dialWebSocket(addr, timeout)
	case strings.HasPrefix(addr, "ssh://"):
		conn, err = dialSSH(strings.TrimPrefix(addr, "ssh://"), timeout)
	default:
		conn, err = net.DialTimeout("tcp", addr, timeout)
		if err == nil {
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				tcpConn.SetNoDelay(true)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{
		addr:     addr,
		conn:     conn,
		incoming: make(chan *protocol.Frame, 64),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
	}

	// The server sends SERVER_CONFIG immediately; read it synchronously so
	// the caller knows the limits before registering.
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, err
	}
	frame, err := protocol.DecodeFrame(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: reading server config: %v", ErrHandshakeError, err)
	}
	if frame.Type != protocol.TypeServerConfig {
		conn.Close()
		return nil, fmt.Errorf("%w: expected SERVER_CONFIG, got 0x%02X", ErrHandshakeError, frame.Type)
	}
	cfg := &protocol.ServerConfigMessage{}
	if err := cfg.Decode(frame.Payload); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeError, err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}

	c.limits = ServerLimits{
		ProtocolVersion:   cfg.ProtocolVersion,
		MaxMessageLength:  cfg.MaxMessageLength,
		MaxUsernameLength: cfg.MaxUsernameLength,
	}

	return c, nil
}

// Register performs the identity handshake. Must be called exactly once,
// before any other send, and before the read loop starts.
func (c *Client) Register(username string, timeout time.Duration) (uint64, error) {
	if err := c.send(protocol.TypeSetUsername, &protocol.SetUsernameMessage{Username: username}); err != nil {
		return 0, err
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	frame, err := protocol.DecodeFrame(c.conn)
	if err != nil {
		return 0, fmt.Errorf("%w: reading register ack: %v", ErrHandshakeError, err)
	}
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return 0, err
	}

	switch frame.Type {
	case protocol.TypeRegisterAck:
		ack := &protocol.RegisterAckMessage{}
		if err := ack.Decode(frame.Payload); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrHandshakeError, err)
		}
		c.mu.Lock()
		c.sessionID = ack.SessionID
		c.mu.Unlock()

		go c.readLoop()
		return ack.SessionID, nil
	case protocol.TypeError:
		errMsg := &protocol.ErrorMessage{}
		if err := errMsg.Decode(frame.Payload); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrHandshakeError, err)
		}
		return 0, fmt.Errorf("registration rejected: %s (code %d)", errMsg.Message, errMsg.ErrorCode)
	default:
		return 0, fmt.Errorf("%w: unexpected frame 0x%02X", ErrHandshakeError, frame.Type)
	}
}

// readLoop reads frames from the server until the connection closes
func (c *Client) readLoop() {
	defer close(c.incoming)

	for {
		frame, err := protocol.DecodeFrame(c.conn)
		if err != nil {
			select {
			case c.errs <- err:
			default:
			}
			return
		}

		select {
		case c.incoming <- frame:
		case <-c.done:
			return
		}
	}
}

// Incoming returns the channel of frames from the server. The channel is
// closed when the connection drops; check Err for the cause.
func (c *Client) Incoming() <-chan *protocol.Frame {
	return c.incoming
}

// Err returns the read error that terminated the connection, if any
func (c *Client) Err() error {
	select {
	case err := <-c.errs:
		return err
	default:
		return nil
	}
}

// SessionID returns the server-assigned session ID (0 before Register)
func (c *Client) SessionID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Limits returns the limits announced by the server
func (c *Client) Limits() ServerLimits {
	return c.limits
}

// SendChat sends a chat message for relay to the other participants
func (c *Client) SendChat(content string) error {
	return c.send(protocol.TypeChat, &protocol.ChatMessage{Content: content})
}

// Ban mutes a sender: the server stops relaying their messages to us
func (c *Client) Ban(username string) error {
	return c.send(protocol.TypeBan, &protocol.BanMessage{Username: username})
}

// Unban lifts a previously placed mute
func (c *Client) Unban(username string) error {
	return c.send(protocol.TypeUnban, &protocol.UnbanMessage{Username: username})
}

// Ping sends a keepalive; the server echoes the timestamp in PONG
func (c *Client) Ping() error {
	return c.send(protocol.TypePing, &protocol.PingMessage{Timestamp: time.Now().UnixMilli()})
}

// Logout tells the server we are leaving, then the connection can be closed
func (c *Client) Logout() error {
	return c.send(protocol.TypeLogout, &protocol.LogoutMessage{})
}

// send encodes and writes a single frame
func (c *Client) send(msgType uint8, msg interface{ Encode() ([]byte, error) }) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	data, err := protocol.EncodeMessage(protocol.ProtocolVersion, msgType, 0, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrAlreadyClosed
	}
	if c.conn == nil {
		return ErrNotConnected
	}
	_, err = c.conn.Write(data)
	return err
}

// Close tears down the connection. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return c.conn.Close()
}
