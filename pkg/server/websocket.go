package server

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from any origin; the protocol carries no
	// cookies or ambient credentials, so cross-origin is safe here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// startWebSocketServer binds the public HTTP listener and serves the /ws
// endpoint plus /health. Disabled when WSPort is 0.
func (s *Server) startWebSocketServer() error {
	if s.config.WSPort <= 0 {
		return nil
	}

	addr := fmt.Sprintf(":%d", s.config.WSPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.wsListener = listener

	publicMux := http.NewServeMux()
	publicMux.HandleFunc("/ws", s.HandleWebSocket)
	publicMux.HandleFunc("/health", s.HealthHandler)
	log.Printf("HTTP server listening on %s (/ws, /health)", addr)

	go func() {
		if err := http.Serve(listener, publicMux); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	return nil
}

// HandleWebSocket upgrades the HTTP request and hands the connection to the
// shared connection handler. Each binary WebSocket message carries exactly
// one protocol frame; the adapter below flattens them into a byte stream so
// the frame codec doesn't need to know about message boundaries.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	s.handleConnection(newWSNetConn(conn), "websocket")
}

// wsNetConn adapts a websocket.Conn to net.Conn for the frame codec
type wsNetConn struct {
	ws     *websocket.Conn
	reader *wsMessageReader
}

type wsMessageReader struct {
	ws  *websocket.Conn
	buf []byte
}

func newWSNetConn(ws *websocket.Conn) *wsNetConn {
	return &wsNetConn{
		ws:     ws,
		reader: &wsMessageReader{ws: ws},
	}
}

func (r *wsMessageReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		msgType, data, err := r.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			// Text/control messages are not part of the protocol
			continue
		}
		r.buf = data
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (c *wsNetConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

func (c *wsNetConn) Write(p []byte) (int, error) {
	// SafeConn serializes writes, so each Write is one complete frame
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsNetConn) Close() error {
	return c.ws.Close()
}

func (c *wsNetConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *wsNetConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsNetConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsNetConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsNetConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
