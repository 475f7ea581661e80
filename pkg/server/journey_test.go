package server

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"

	"github.com/apolmos/chatrelay/pkg/protocol"
)

// ---------------------------------------------------------------------------
// Transport abstraction
// ---------------------------------------------------------------------------

// transportClient provides a uniform interface for sending/receiving protocol
// messages over TCP, SSH, or WebSocket connections.
type transportClient interface {
	// send encodes and sends a protocol message.
	send(t *testing.T, msgType uint8, msg interface{ EncodeTo(io.Writer) error })
	// expect reads the next protocol frame, skipping presence broadcasts,
	// and asserts that its type matches expectedType.
	expect(t *testing.T, expectedType uint8, timeout time.Duration) *protocol.Frame
	// tryRead attempts to read one frame within timeout. Returns nil if
	// nothing arrived (no fatal on timeout).
	tryRead(t *testing.T, timeout time.Duration) *protocol.Frame
	// close tears down the connection.
	close()
}

// ignoredBroadcast returns true for message types that may arrive
// asynchronously and should be skipped when waiting for a specific response.
func ignoredBroadcast(msgType uint8) bool {
	switch msgType {
	case protocol.TypeUserJoined, protocol.TypeUserLeft:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// TCP transport
// ---------------------------------------------------------------------------

type tcpClient struct {
	conn      net.Conn
	closeOnce sync.Once
}

func newTCPClient(t *testing.T, addr string) *tcpClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("TCP connect to %s failed: %v", addr, err)
	}
	return &tcpClient{conn: conn}
}

func (c *tcpClient) send(t *testing.T, msgType uint8, msg interface{ EncodeTo(io.Writer) error }) {
	t.Helper()
	var buf bytes.Buffer
	if err := msg.EncodeTo(&buf); err != nil {
		t.Fatalf("TCP encode 0x%02X: %v", msgType, err)
	}
	frame := &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    msgType,
		Flags:   0,
		Payload: buf.Bytes(),
	}
	if err := protocol.EncodeFrame(c.conn, frame); err != nil {
		t.Fatalf("TCP send 0x%02X: %v", msgType, err)
	}
}

func (c *tcpClient) expect(t *testing.T, expectedType uint8, timeout time.Duration) *protocol.Frame {
	t.Helper()
	for {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		frame, err := protocol.DecodeFrame(c.conn)
		c.conn.SetReadDeadline(time.Time{})
		if err != nil {
			t.Fatalf("TCP expect 0x%02X: read error: %v", expectedType, err)
		}
		if ignoredBroadcast(frame.Type) {
			continue
		}
		if frame.Type != expectedType {
			t.Fatalf("TCP expected 0x%02X, got 0x%02X", expectedType, frame.Type)
		}
		return frame
	}
}

func (c *tcpClient) tryRead(t *testing.T, timeout time.Duration) *protocol.Frame {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	frame, err := protocol.DecodeFrame(c.conn)
	c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil
	}
	return frame
}

func (c *tcpClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// ---------------------------------------------------------------------------
// SSH transport
//
// SSH channels don't support deadlines, so we use a persistent reader
// goroutine that feeds decoded frames into a buffered channel.
// ---------------------------------------------------------------------------

type sshTestClient struct {
	client    *ssh.Client
	channel   ssh.Channel
	frames    chan *protocol.Frame
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newSSHTestClient(t *testing.T, addr string) *sshTestClient {
	t.Helper()

	config := &ssh.ClientConfig{
		User:            "testuser",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		t.Fatalf("SSH dial %s: %v", addr, err)
	}
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		t.Fatalf("SSH open channel: %v", err)
	}
	go ssh.DiscardRequests(requests)

	sc := &sshTestClient{
		client:  client,
		channel: channel,
		frames:  make(chan *protocol.Frame, 64),
		errors:  make(chan error, 1),
		done:    make(chan struct{}),
	}

	// Single persistent reader goroutine
	go func() {
		defer close(sc.done)
		for {
			frame, err := protocol.DecodeFrame(channel)
			if err != nil {
				sc.errors <- err
				return
			}
			sc.frames <- frame
		}
	}()

	return sc
}

func (c *sshTestClient) send(t *testing.T, msgType uint8, msg interface{ EncodeTo(io.Writer) error }) {
	t.Helper()
	var buf bytes.Buffer
	if err := msg.EncodeTo(&buf); err != nil {
		t.Fatalf("SSH encode 0x%02X: %v", msgType, err)
	}
	frame := &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    msgType,
		Flags:   0,
		Payload: buf.Bytes(),
	}
	if err := protocol.EncodeFrame(c.channel, frame); err != nil {
		t.Fatalf("SSH send 0x%02X: %v", msgType, err)
	}
}

func (c *sshTestClient) expect(t *testing.T, expectedType uint8, timeout time.Duration) *protocol.Frame {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case frame := <-c.frames:
			if ignoredBroadcast(frame.Type) {
				continue
			}
			if frame.Type != expectedType {
				t.Fatalf("SSH expected 0x%02X, got 0x%02X", expectedType, frame.Type)
			}
			return frame
		case err := <-c.errors:
			t.Fatalf("SSH expect 0x%02X: read error: %v", expectedType, err)
			return nil
		case <-deadline:
			t.Fatalf("SSH expect 0x%02X: timeout after %v", expectedType, timeout)
			return nil
		}
	}
}

func (c *sshTestClient) tryRead(t *testing.T, timeout time.Duration) *protocol.Frame {
	t.Helper()
	select {
	case frame := <-c.frames:
		return frame
	case <-c.errors:
		return nil
	case <-time.After(timeout):
		return nil
	}
}

func (c *sshTestClient) close() {
	c.closeOnce.Do(func() {
		c.channel.Close()
		c.client.Close()
		<-c.done
	})
}

// ---------------------------------------------------------------------------
// WebSocket transport
//
// A persistent reader goroutine accumulates WS messages into a buffer and
// decodes protocol frames, feeding them into a channel. This avoids
// gorilla/websocket's limitation where a read deadline timeout corrupts the
// connection state.
// ---------------------------------------------------------------------------

type wsTestClient struct {
	conn      *websocket.Conn
	frames    chan *protocol.Frame
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newWSTestClient(t *testing.T, addr string) *wsTestClient {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws", addr)
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WebSocket dial %s: %v", url, err)
	}

	wc := &wsTestClient{
		conn:   conn,
		frames: make(chan *protocol.Frame, 64),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(wc.done)
		var readBuf bytes.Buffer
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				wc.errors <- err
				return
			}
			readBuf.Write(data)

			// Try to decode as many complete frames as possible
			for readBuf.Len() > 0 {
				snapshot := make([]byte, readBuf.Len())
				copy(snapshot, readBuf.Bytes())
				reader := bytes.NewReader(snapshot)
				frame, err := protocol.DecodeFrame(reader)
				if err != nil {
					// Not enough data for a complete frame yet
					break
				}
				consumed := len(snapshot) - reader.Len()
				readBuf.Next(consumed)
				wc.frames <- frame
			}
		}
	}()

	return wc
}

func (c *wsTestClient) send(t *testing.T, msgType uint8, msg interface{ EncodeTo(io.Writer) error }) {
	t.Helper()
	var payload bytes.Buffer
	if err := msg.EncodeTo(&payload); err != nil {
		t.Fatalf("WS encode 0x%02X: %v", msgType, err)
	}
	frame := &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    msgType,
		Flags:   0,
		Payload: payload.Bytes(),
	}
	var frameBuf bytes.Buffer
	if err := protocol.EncodeFrame(&frameBuf, frame); err != nil {
		t.Fatalf("WS frame encode 0x%02X: %v", msgType, err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frameBuf.Bytes()); err != nil {
		t.Fatalf("WS send 0x%02X: %v", msgType, err)
	}
}

func (c *wsTestClient) expect(t *testing.T, expectedType uint8, timeout time.Duration) *protocol.Frame {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case frame := <-c.frames:
			if ignoredBroadcast(frame.Type) {
				continue
			}
			if frame.Type != expectedType {
				t.Fatalf("WS expected 0x%02X, got 0x%02X", expectedType, frame.Type)
			}
			return frame
		case err := <-c.errors:
			t.Fatalf("WS expect 0x%02X: read error: %v", expectedType, err)
			return nil
		case <-deadline:
			t.Fatalf("WS expect 0x%02X: timeout after %v", expectedType, timeout)
			return nil
		}
	}
}

func (c *wsTestClient) tryRead(t *testing.T, timeout time.Duration) *protocol.Frame {
	t.Helper()
	select {
	case frame := <-c.frames:
		return frame
	case <-c.errors:
		return nil
	case <-time.After(timeout):
		return nil
	}
}

func (c *wsTestClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		<-c.done
	})
}

// ---------------------------------------------------------------------------
// Server setup for journey tests
// ---------------------------------------------------------------------------

type journeyServers struct {
	srv     *Server
	tcpAddr string
	sshAddr string
	wsAddr  string
}

// setupJourneyServer creates a single server with TCP, SSH and WebSocket
// listeners on random ports. Constructs the server manually to keep logger
// setup out of the test environment.
func setupJourneyServer(t *testing.T) *journeyServers {
	t.Helper()

	config := DefaultConfig()
	config.TCPPort = 0
	config.WSPort = 0
	config.SSHPort = 0
	config.MetricsPort = 0

	metrics := NewMetrics()
	registry := NewRegistry()
	registry.SetMetrics(metrics)
	bans := NewBanDirectory()

	srv := &Server{
		registry:  registry,
		bans:      bans,
		relay:     NewRelayEngine(registry, bans, metrics),
		config:    config,
		shutdown:  make(chan struct{}),
		metrics:   metrics,
		startTime: time.Now(),
	}

	// Start server (TCP only — SSH and HTTP disabled by port 0)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tcpAddr := srv.listener.Addr().String()

	// --- Manually start SSH on a random port ---
	srv.config.SSHHostKeyPath = t.TempDir() + "/ssh_host_key"
	hostKey, err := srv.loadOrGenerateHostKey()
	if err != nil {
		t.Fatalf("SSH host key: %v", err)
	}
	sshConfig := &ssh.ServerConfig{NoClientAuth: true}
	sshConfig.ServerVersion = "SSH-2.0-ChatRelay"
	sshConfig.AddHostKey(hostKey)

	sshListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("SSH listen: %v", err)
	}
	srv.sshListener = sshListener
	sshAddr := sshListener.Addr().String()

	srv.wg.Add(1)
	go srv.acceptSSHLoop(sshListener, sshConfig)

	// --- Manually start WebSocket HTTP server ---
	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", srv.HandleWebSocket)
	wsListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("WS listen: %v", err)
	}
	wsAddr := wsListener.Addr().String()
	wsServer := &http.Server{Handler: wsMux}
	go wsServer.Serve(wsListener)

	t.Cleanup(func() {
		wsServer.Close()
		srv.Stop()
	})

	return &journeyServers{
		srv:     srv,
		tcpAddr: tcpAddr,
		sshAddr: sshAddr,
		wsAddr:  wsAddr,
	}
}

// ---------------------------------------------------------------------------
// Transport factories
// ---------------------------------------------------------------------------

type transportFactory struct {
	name    string
	connect func(t *testing.T, servers *journeyServers) transportClient
}

func allTransports() []transportFactory {
	return []transportFactory{
		{"tcp", func(t *testing.T, s *journeyServers) transportClient { return newTCPClient(t, s.tcpAddr) }},
		{"ssh", func(t *testing.T, s *journeyServers) transportClient { return newSSHTestClient(t, s.sshAddr) }},
		{"websocket", func(t *testing.T, s *journeyServers) transportClient { return newWSTestClient(t, s.wsAddr) }},
	}
}

// register runs the connection handshake: SERVER_CONFIG arrives first, then
// SET_USERNAME is acknowledged with REGISTER_ACK carrying the session id.
func register(t *testing.T, c transportClient, username string) uint64 {
	t.Helper()
	timeout := 5 * time.Second

	cfgFrame := c.expect(t, protocol.TypeServerConfig, timeout)
	cfg := &protocol.ServerConfigMessage{}
	if err := cfg.Decode(cfgFrame.Payload); err != nil {
		t.Fatalf("decode SERVER_CONFIG: %v", err)
	}
	if cfg.ProtocolVersion != protocol.ProtocolVersion {
		t.Fatalf("unexpected protocol version %d", cfg.ProtocolVersion)
	}

	c.send(t, protocol.TypeSetUsername, &protocol.SetUsernameMessage{Username: username})
	ackFrame := c.expect(t, protocol.TypeRegisterAck, timeout)
	ack := &protocol.RegisterAckMessage{}
	if err := ack.Decode(ackFrame.Payload); err != nil {
		t.Fatalf("decode REGISTER_ACK: %v", err)
	}
	if ack.SessionID == 0 {
		t.Fatal("REGISTER_ACK carried session id 0")
	}
	return ack.SessionID
}

// expectRelayed waits for a RELAYED frame from the given sender
func expectRelayed(t *testing.T, c transportClient, sender, content string) {
	t.Helper()
	frame := c.expect(t, protocol.TypeRelayed, 5*time.Second)
	msg := &protocol.RelayedMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		t.Fatalf("decode RELAYED: %v", err)
	}
	if msg.SenderUsername != sender {
		t.Fatalf("expected sender %q, got %q", sender, msg.SenderUsername)
	}
	if msg.Content != content {
		t.Fatalf("expected content %q, got %q", content, msg.Content)
	}
}

// expectSilence asserts no RELAYED frame arrives within the window.
// Presence broadcasts are tolerated.
func expectSilence(t *testing.T, c transportClient, window time.Duration) {
	t.Helper()
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		frame := c.tryRead(t, time.Until(deadline))
		if frame == nil {
			return
		}
		if frame.Type == protocol.TypeRelayed {
			msg := &protocol.RelayedMessage{}
			msg.Decode(frame.Payload)
			t.Fatalf("expected silence, got RELAYED from %q: %q", msg.SenderUsername, msg.Content)
		}
	}
}

// ---------------------------------------------------------------------------
// Main test entry point
// ---------------------------------------------------------------------------

func TestJourney(t *testing.T) {
	servers := setupJourneyServer(t)

	for _, tf := range allTransports() {
		t.Run("broadcast/"+tf.name, func(t *testing.T) {
			runBroadcastJourney(t, servers, tf)
		})
	}

	for _, tf := range allTransports() {
		t.Run("ban_unban/"+tf.name, func(t *testing.T) {
			runBanUnbanJourney(t, servers, tf)
		})
	}

	t.Run("cross_transport_broadcast", func(t *testing.T) {
		runCrossTransportBroadcast(t, servers)
	})

	t.Run("registration_protocol", func(t *testing.T) {
		runRegistrationProtocol(t, servers)
	})

	t.Run("logout_and_departure", func(t *testing.T) {
		runLogoutAndDeparture(t, servers)
	})

	t.Run("ping_pong", func(t *testing.T) {
		runPingPong(t, servers)
	})
}

// ---------------------------------------------------------------------------
// Scenario: three clients, one sender, sender excluded from delivery
// ---------------------------------------------------------------------------

func runBroadcastJourney(t *testing.T, servers *journeyServers, tf transportFactory) {
	alice := tf.connect(t, servers)
	defer alice.close()
	bob := tf.connect(t, servers)
	defer bob.close()
	carol := tf.connect(t, servers)
	defer carol.close()

	register(t, alice, "alice_"+tf.name)
	register(t, bob, "bob_"+tf.name)
	register(t, carol, "carol_"+tf.name)

	alice.send(t, protocol.TypeChat, &protocol.ChatMessage{Content: "hello all"})

	expectRelayed(t, bob, "alice_"+tf.name, "hello all")
	expectRelayed(t, carol, "alice_"+tf.name, "hello all")
	expectSilence(t, alice, 200*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Scenario: ban hides, unban restores, ban is per-viewer
// ---------------------------------------------------------------------------

func runBanUnbanJourney(t *testing.T, servers *journeyServers, tf transportFactory) {
	sender := tf.connect(t, servers)
	defer sender.close()
	muter := tf.connect(t, servers)
	defer muter.close()
	bystander := tf.connect(t, servers)
	defer bystander.close()

	senderName := "sender_" + tf.name
	register(t, sender, senderName)
	register(t, muter, "muter_"+tf.name)
	register(t, bystander, "bystander_"+tf.name)

	// Muter blocks the sender
	muter.send(t, protocol.TypeBan, &protocol.BanMessage{Username: senderName})
	ackFrame := muter.expect(t, protocol.TypeBanAck, 5*time.Second)
	ack := &protocol.BanAckMessage{}
	if err := ack.Decode(ackFrame.Payload); err != nil {
		t.Fatalf("decode BAN_ACK: %v", err)
	}
	if !ack.Success {
		t.Fatalf("ban rejected: %s", ack.Message)
	}

	sender.send(t, protocol.TypeChat, &protocol.ChatMessage{Content: "muted?"})
	expectRelayed(t, bystander, senderName, "muted?")
	expectSilence(t, muter, 200*time.Millisecond)

	// Unban restores delivery
	muter.send(t, protocol.TypeUnban, &protocol.UnbanMessage{Username: senderName})
	muter.expect(t, protocol.TypeBanAck, 5*time.Second)

	sender.send(t, protocol.TypeChat, &protocol.ChatMessage{Content: "back"})
	expectRelayed(t, muter, senderName, "back")
	expectRelayed(t, bystander, senderName, "back")
}

// ---------------------------------------------------------------------------
// Scenario: one message crosses every transport
// ---------------------------------------------------------------------------

func runCrossTransportBroadcast(t *testing.T, servers *journeyServers) {
	tcp := newTCPClient(t, servers.tcpAddr)
	defer tcp.close()
	sshc := newSSHTestClient(t, servers.sshAddr)
	defer sshc.close()
	wsc := newWSTestClient(t, servers.wsAddr)
	defer wsc.close()

	register(t, tcp, "cross_tcp")
	register(t, sshc, "cross_ssh")
	register(t, wsc, "cross_ws")

	tcp.send(t, protocol.TypeChat, &protocol.ChatMessage{Content: "one wire to rule them"})

	expectRelayed(t, sshc, "cross_tcp", "one wire to rule them")
	expectRelayed(t, wsc, "cross_tcp", "one wire to rule them")
}

// ---------------------------------------------------------------------------
// Scenario: protocol discipline around registration
// ---------------------------------------------------------------------------

func runRegistrationProtocol(t *testing.T, servers *journeyServers) {
	t.Run("chat before registration is rejected", func(t *testing.T) {
		c := newTCPClient(t, servers.tcpAddr)
		defer c.close()

		c.expect(t, protocol.TypeServerConfig, 5*time.Second)
		c.send(t, protocol.TypeChat, &protocol.ChatMessage{Content: "too early"})

		frame := c.expect(t, protocol.TypeError, 5*time.Second)
		errMsg := &protocol.ErrorMessage{}
		if err := errMsg.Decode(frame.Payload); err != nil {
			t.Fatalf("decode ERROR: %v", err)
		}
		if errMsg.ErrorCode != protocol.ErrCodeNotRegistered {
			t.Fatalf("expected error code %d, got %d", protocol.ErrCodeNotRegistered, errMsg.ErrorCode)
		}
	})

	t.Run("second SET_USERNAME is rejected", func(t *testing.T) {
		c := newTCPClient(t, servers.tcpAddr)
		defer c.close()

		register(t, c, "double_reg")
		c.send(t, protocol.TypeSetUsername, &protocol.SetUsernameMessage{Username: "other"})

		frame := c.expect(t, protocol.TypeError, 5*time.Second)
		errMsg := &protocol.ErrorMessage{}
		if err := errMsg.Decode(frame.Payload); err != nil {
			t.Fatalf("decode ERROR: %v", err)
		}
		if errMsg.ErrorCode != protocol.ErrCodeAlreadyRegistered {
			t.Fatalf("expected error code %d, got %d", protocol.ErrCodeAlreadyRegistered, errMsg.ErrorCode)
		}
	})

	t.Run("oversized chat is rejected", func(t *testing.T) {
		c := newTCPClient(t, servers.tcpAddr)
		defer c.close()

		register(t, c, "chatterbox")

		huge := bytes.Repeat([]byte("x"), int(servers.srv.config.MaxMessageLength)+1)
		c.send(t, protocol.TypeChat, &protocol.ChatMessage{Content: string(huge)})

		frame := c.expect(t, protocol.TypeError, 5*time.Second)
		errMsg := &protocol.ErrorMessage{}
		if err := errMsg.Decode(frame.Payload); err != nil {
			t.Fatalf("decode ERROR: %v", err)
		}
		if errMsg.ErrorCode != protocol.ErrCodeMessageTooLong {
			t.Fatalf("expected error code %d, got %d", protocol.ErrCodeMessageTooLong, errMsg.ErrorCode)
		}
	})
}

// ---------------------------------------------------------------------------
// Scenario: logout triggers exactly one USER_LEFT for the others
// ---------------------------------------------------------------------------

func runLogoutAndDeparture(t *testing.T, servers *journeyServers) {
	leaver := newTCPClient(t, servers.tcpAddr)
	watcher := newTCPClient(t, servers.tcpAddr)
	defer watcher.close()

	register(t, leaver, "leaver")
	watcherID := register(t, watcher, "watcher")
	_ = watcherID

	// Drain the join broadcast the watcher may have received
	for {
		frame := watcher.tryRead(t, 200*time.Millisecond)
		if frame == nil {
			break
		}
	}

	leaver.send(t, protocol.TypeLogout, &protocol.LogoutMessage{})

	// Exactly one departure announcement for the leaver
	deadline := time.Now().Add(5 * time.Second)
	var departures int
	for time.Now().Before(deadline) {
		frame := watcher.tryRead(t, 200*time.Millisecond)
		if frame == nil {
			if departures > 0 {
				break
			}
			continue
		}
		if frame.Type == protocol.TypeUserLeft {
			msg := &protocol.UserLeftMessage{}
			if err := msg.Decode(frame.Payload); err != nil {
				t.Fatalf("decode USER_LEFT: %v", err)
			}
			if msg.Username == "leaver" {
				departures++
			}
		}
	}
	if departures != 1 {
		t.Fatalf("expected exactly 1 USER_LEFT for leaver, got %d", departures)
	}

	leaver.close()
}

// ---------------------------------------------------------------------------
// Scenario: PING is answered with PONG echoing the timestamp
// ---------------------------------------------------------------------------

func runPingPong(t *testing.T, servers *journeyServers) {
	c := newTCPClient(t, servers.tcpAddr)
	defer c.close()

	register(t, c, "pinger")

	sent := time.Now().UnixMilli()
	c.send(t, protocol.TypePing, &protocol.PingMessage{Timestamp: sent})

	frame := c.expect(t, protocol.TypePong, 5*time.Second)
	pong := &protocol.PongMessage{}
	if err := pong.Decode(frame.Payload); err != nil {
		t.Fatalf("decode PONG: %v", err)
	}
	if pong.Timestamp != sent {
		t.Fatalf("PONG timestamp %d does not echo PING %d", pong.Timestamp, sent)
	}
}
