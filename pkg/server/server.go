package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apolmos/chatrelay/pkg/protocol"
)

var (
	errorLog *log.Logger
	debugLog *log.Logger
)

// ErrClientDisconnecting signals a graceful LOGOUT; the message loop exits
// cleanly instead of reporting an error.
var ErrClientDisconnecting = errors.New("client disconnecting")

// Server is the chat relay: it owns the registry, the ban directory and the
// relay engine, and runs one receive goroutine per accepted connection.
type Server struct {
	registry   *Registry
	bans       *BanDirectory
	relay      *RelayEngine
	config     ServerConfig
	configPath string

	listener        net.Listener
	wsListener      net.Listener
	sshListener     net.Listener
	metricsListener net.Listener

	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	metrics   *Metrics
	startTime time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort           int
	WSPort            int // HTTP port for the /ws endpoint (0 = disabled)
	SSHPort           int // SSH transport port (0 = disabled)
	MetricsPort       int // Internal /metrics + /health port (0 = disabled)
	SSHHostKeyPath    string
	MaxMessageLength  uint32
	MaxUsernameLength uint16
	ProtocolVersion   uint8
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:           1500,
		WSPort:            8080,
		SSHPort:           1522,
		MetricsPort:       9090,
		SSHHostKeyPath:    "~/.chatrelay/ssh_host_key",
		MaxMessageLength:  4096,
		MaxUsernameLength: protocol.MaxUsernameLength,
		ProtocolVersion:   protocol.ProtocolVersion,
	}
}

// NewServer creates a new server instance
func NewServer(config ServerConfig, configPath string) (*Server, error) {
	if err := initLoggers(); err != nil {
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}

	metrics := NewMetrics()
	registry := NewRegistry()
	registry.SetMetrics(metrics)
	bans := NewBanDirectory()

	server := &Server{
		registry:   registry,
		bans:       bans,
		relay:      NewRelayEngine(registry, bans, metrics),
		config:     config,
		configPath: configPath,
		shutdown:   make(chan struct{}),
		metrics:    metrics,
		startTime:  time.Now(),
	}

	return server, nil
}

// Registry exposes the session registry to collaborators (CLI, tests).
func (s *Server) Registry() *Registry {
	return s.registry
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "chatrelay")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "chatrelay")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// initLoggers sets up error and debug loggers
func initLoggers() error {
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker, for distinguishing between runs
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log goes to /dev/null by default (see EnableDebugLogging)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	// Redirect standard log to stdout and server.log; truncate on startup
	serverLogPath := filepath.Join(dataDir, "server.log")
	serverLogFile, err := os.OpenFile(serverLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start binds the listeners and enters the accept loops.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("TCP listener on %s", listener.Addr())

	if err := s.startWebSocketServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start WebSocket server: %w", err)
	}

	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		if s.wsListener != nil {
			s.wsListener.Close()
		}
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	// Metrics HTTP server (internal only - never expose publicly!)
	if s.config.MetricsPort > 0 {
		metricsAddr := fmt.Sprintf(":%d", s.config.MetricsPort)
		metricsListener, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			log.Printf("Metrics server disabled: %v", err)
		} else {
			s.metricsListener = metricsListener
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", s.metrics.Handler())
			metricsMux.HandleFunc("/health", s.HealthHandler)
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", metricsAddr)
			go func() {
				if err := http.Serve(metricsListener, metricsMux); err != nil && !errors.Is(err, net.ErrClosed) {
					log.Printf("Metrics server error: %v", err)
				}
			}()
		}
	}

	// Periodic metrics log line
	s.wg.Add(1)
	go s.metricsLoggingLoop()

	// Accept TCP connections
	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound TCP listener address (useful with port 0 in tests).
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server. Idempotent.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		log.Println("Graceful shutdown initiated...")

		// Signal shutdown to all goroutines
		close(s.shutdown)

		// Stop accepting new connections
		if s.listener != nil {
			s.listener.Close()
			log.Println("TCP listener closed")
		}
		if s.wsListener != nil {
			s.wsListener.Close()
			log.Println("WebSocket listener closed")
		}
		if s.sshListener != nil {
			s.sshListener.Close()
			log.Println("SSH listener closed")
		}
		if s.metricsListener != nil {
			s.metricsListener.Close()
		}

		// Notify all connected clients before closing connections
		log.Println("Notifying connected clients of shutdown...")
		s.notifyClientsOfShutdown()

		// Close all sessions, best effort, then clear the registry
		log.Println("Closing all client sessions...")
		for _, sess := range s.registry.All() {
			sess.Conn.Close()
		}
		s.registry.Clear()

		log.Println("Waiting for background goroutines to finish...")
		s.wg.Wait()

		log.Println("Graceful shutdown complete")
	})
	return nil
}

// notifyClientsOfShutdown sends a DISCONNECT frame to all connected clients
func (s *Server) notifyClientsOfShutdown() {
	sessions := s.registry.All()
	if len(sessions) == 0 {
		log.Println("No active sessions to notify")
		return
	}

	reason := "Server shutting down"
	payload, err := (&protocol.DisconnectMessage{Reason: &reason}).Encode()
	if err != nil {
		log.Printf("Failed to encode disconnect message: %v", err)
		return
	}

	frame := &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    protocol.TypeDisconnect,
		Payload: payload,
	}

	sent := 0
	for _, sess := range sessions {
		if err := sess.Conn.EncodeFrame(frame); err == nil {
			sent++
		}
	}

	log.Printf("Shutdown notification sent to %d/%d sessions", sent, len(sessions))
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		go s.handleConnection(conn, "tcp")
	}
}

// handleConnection registers a session for the connection, runs the identity
// handshake and then the message loop. One goroutine per connection; it exits
// when the session terminates.
func (s *Server) handleConnection(conn net.Conn, transport string) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := s.registry.Register(conn, transport)
	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New %s connection from %s (session %d)", transport, conn.RemoteAddr(), sess.ID)

	// Send SERVER_CONFIG immediately after connection
	if err := s.sendServerConfig(sess); err != nil {
		s.removeSession(sess.ID)
		return
	}

	// Identity handshake: exactly one SET_USERNAME frame before any chat.
	if err := s.awaitRegistration(sess); err != nil {
		debugLog.Printf("Session %d: registration failed: %v", sess.ID, err)
		s.removeSession(sess.ID)
		return
	}

	s.messageLoop(sess)
}

// awaitRegistration performs the identity handshake for a fresh session.
func (s *Server) awaitRegistration(sess *Session) error {
	frame, err := sess.Conn.ReadFrame()
	if err != nil {
		return err
	}

	if frame.Type != protocol.TypeSetUsername {
		s.sendError(sess, protocol.ErrCodeNotRegistered, "Expected SET_USERNAME")
		return fmt.Errorf("expected SET_USERNAME, got 0x%02X", frame.Type)
	}

	msg := &protocol.SetUsernameMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		s.sendError(sess, protocol.ErrCodeInvalidUsername, fmt.Sprintf("Invalid username: %v", err))
		return err
	}
	if len(msg.Username) > int(s.config.MaxUsernameLength) {
		s.sendError(sess, protocol.ErrCodeInvalidUsername, "Username too long")
		return protocol.ErrUsernameTooLong
	}

	if err := s.registry.SetUsername(sess.ID, msg.Username); err != nil {
		return err
	}

	ack := &protocol.RegisterAckMessage{
		SessionID: sess.ID,
		Message:   fmt.Sprintf("Registered as %s", msg.Username),
	}
	if err := s.sendMessage(sess, protocol.TypeRegisterAck, ack); err != nil {
		return err
	}

	log.Printf("Session %d: user %q connected via %s", sess.ID, msg.Username, sess.Transport)
	s.broadcastPresence(sess.ID, protocol.TypeUserJoined, &protocol.UserJoinedMessage{
		SessionID: sess.ID,
		Username:  msg.Username,
		Timestamp: time.Now().UnixMilli(),
	})

	return nil
}

// messageLoop handles messages for a registered session
func (s *Server) messageLoop(sess *Session) {
	defer s.removeSession(sess.ID)

	for {
		frame, err := sess.Conn.ReadFrame()
		if err != nil {
			// Only log if we're the ones who discovered the error
			if _, exists := s.registry.Get(sess.ID); exists {
				s.disconnectionsSinceReport.Add(1)
				if err == io.EOF {
					debugLog.Printf("Session %d: client disconnected", sess.ID)
				} else {
					debugLog.Printf("Session %d: read error: %v", sess.ID, err)
				}
			}
			return
		}

		debugLog.Printf("Session %d ← RECV: Type=0x%02X Flags=0x%02X PayloadLen=%d", sess.ID, frame.Type, frame.Flags, len(frame.Payload))
		if s.metrics != nil {
			s.metrics.RecordMessageReceived(messageTypeToString(frame.Type))
		}

		if err := s.handleMessage(sess, frame); err != nil {
			if errors.Is(err, ErrClientDisconnecting) {
				s.disconnectionsSinceReport.Add(1)
				debugLog.Printf("Session %d disconnected gracefully", sess.ID)
				return
			}
			log.Printf("Session %d handle error: %v", sess.ID, err)
			s.sendError(sess, protocol.ErrCodeInternalError, fmt.Sprintf("Internal error: %v", err))
		}
	}
}

// handleMessage dispatches a frame to the appropriate handler
func (s *Server) handleMessage(sess *Session, frame *protocol.Frame) error {
	switch frame.Type {
	case protocol.TypeChat:
		return s.handleChat(sess, frame)
	case protocol.TypeBan:
		msg := &protocol.BanMessage{}
		if err := msg.Decode(frame.Payload); err != nil {
			return s.sendError(sess, protocol.ErrCodeInvalidFormat, "Invalid message format")
		}
		return s.relay.HandleBan(sess, msg.Username)
	case protocol.TypeUnban:
		msg := &protocol.UnbanMessage{}
		if err := msg.Decode(frame.Payload); err != nil {
			return s.sendError(sess, protocol.ErrCodeInvalidFormat, "Invalid message format")
		}
		return s.relay.HandleUnban(sess, msg.Username)
	case protocol.TypePing:
		return s.handlePing(sess, frame)
	case protocol.TypeLogout:
		// LOGOUT payload is ignored by design
		return ErrClientDisconnecting
	case protocol.TypeSetUsername:
		return s.sendError(sess, protocol.ErrCodeAlreadyRegistered, "Username already set")
	default:
		return s.sendError(sess, protocol.ErrCodeUnsupportedType, "Unsupported message type")
	}
}

func (s *Server) handleChat(sess *Session, frame *protocol.Frame) error {
	msg := &protocol.ChatMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return s.sendError(sess, protocol.ErrCodeInvalidFormat, "Invalid message format")
	}
	if uint32(len(msg.Content)) > s.config.MaxMessageLength {
		return s.sendError(sess, protocol.ErrCodeMessageTooLong, "Message too long")
	}

	dead, err := s.relay.HandleChat(sess, msg.Content)
	for _, id := range dead {
		s.removeSession(id)
	}
	return err
}

func (s *Server) handlePing(sess *Session, frame *protocol.Frame) error {
	msg := &protocol.PingMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return s.sendError(sess, protocol.ErrCodeInvalidFormat, "Invalid message format")
	}
	return s.sendMessage(sess, protocol.TypePong, &protocol.PongMessage{Timestamp: msg.Timestamp})
}

// removeSession takes the session out of the registry, announces the
// departure exactly once, and only then closes the connection. The ordering
// guarantees a concurrent broadcast either sees the session in its snapshot
// before the close, or not at all.
func (s *Server) removeSession(sessionID uint64) {
	sess, removed := s.registry.Remove(sessionID)
	if !removed {
		return
	}

	if username := sess.Username(); username != "" {
		log.Printf("Session %d: user %q disconnected", sess.ID, username)
		s.broadcastPresence(sess.ID, protocol.TypeUserLeft, &protocol.UserLeftMessage{
			SessionID: sess.ID,
			Username:  username,
			Timestamp: time.Now().UnixMilli(),
		})
	}

	sess.Conn.Close()
}

// broadcastPresence sends a join/leave announcement to every active session
// except the subject. Write failures are isolated per recipient.
func (s *Server) broadcastPresence(excludeID uint64, msgType uint8, msg interface{ Encode() ([]byte, error) }) {
	payload, err := msg.Encode()
	if err != nil {
		errorLog.Printf("Failed to encode presence message: %v", err)
		return
	}
	frameBytes, err := protocol.EncodeMessage(protocol.ProtocolVersion, msgType, 0, payload)
	if err != nil {
		errorLog.Printf("Failed to encode presence frame: %v", err)
		return
	}

	var dead []uint64
	for _, recipient := range s.registry.Snapshot() {
		if recipient.ID == excludeID {
			continue
		}
		if writeErr := recipient.Conn.WriteBytes(frameBytes); writeErr != nil {
			debugLog.Printf("Session %d: presence write failed: %v", recipient.ID, writeErr)
			dead = append(dead, recipient.ID)
		}
	}
	for _, id := range dead {
		s.removeSession(id)
	}
}

// sendServerConfig sends the SERVER_CONFIG message to a session
func (s *Server) sendServerConfig(sess *Session) error {
	msg := &protocol.ServerConfigMessage{
		ProtocolVersion:   s.config.ProtocolVersion,
		MaxMessageLength:  s.config.MaxMessageLength,
		MaxUsernameLength: s.config.MaxUsernameLength,
	}
	return s.sendMessage(sess, protocol.TypeServerConfig, msg)
}

// sendError sends an ERROR message to a session
func (s *Server) sendError(sess *Session, code uint16, message string) error {
	msg := &protocol.ErrorMessage{
		ErrorCode: code,
		Message:   message,
	}
	return s.sendMessage(sess, protocol.TypeError, msg)
}

// sendMessage encodes msg and writes it to the session as a single frame
func (s *Server) sendMessage(sess *Session, msgType uint8, msg interface{ Encode() ([]byte, error) }) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}

	frame := &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    msgType,
		Payload: payload,
	}

	debugLog.Printf("Session %d → SEND: Type=0x%02X PayloadLen=%d", sess.ID, msgType, len(payload))
	if err := sess.Conn.EncodeFrame(frame); err != nil {
		errorLog.Printf("Session %d: EncodeFrame failed (Type=0x%02X): %v", sess.ID, msgType, err)
		return err
	}
	return nil
}

// HealthHandler reports basic liveness plus a few counters
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","sessions":%d,"uptime_seconds":%d}`,
		s.registry.Count(), int64(time.Since(s.startTime).Seconds()))
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)
			log.Printf("[METRICS] Active sessions: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				s.registry.Count(), connected, disconnected, runtime.NumGoroutine())
		}
	}
}

// messageTypeToString maps frame types to metric labels
func messageTypeToString(msgType uint8) string {
	switch msgType {
	case protocol.TypeSetUsername:
		return "SET_USERNAME"
	case protocol.TypeChat:
		return "CHAT"
	case protocol.TypeBan:
		return "BAN"
	case protocol.TypeUnban:
		return "UNBAN"
	case protocol.TypePing:
		return "PING"
	case protocol.TypeLogout:
		return "LOGOUT"
	default:
		return fmt.Sprintf("0x%02X", msgType)
	}
}
