package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/apolmos/chatrelay/pkg/protocol"
)

const (
	// sendQueueSize bounds how many frames may be pending for one connection
	// before it is treated as dead.
	sendQueueSize = 256

	// writeTimeout caps a single conn.Write so the writer goroutine can never
	// wedge on a peer whose receive buffer stays full.
	writeTimeout = 10 * time.Second

	// closeFlushTimeout is how long Close waits for queued frames to drain
	// before tearing the connection down.
	closeFlushTimeout = 200 * time.Millisecond
)

// ErrSendQueueFull is returned when a connection's outbound queue is full,
// meaning the peer has stopped reading. Callers treat it like a write error.
var ErrSendQueueFull = errors.New("send queue full")

// SafeConn wraps a net.Conn with a per-connection outbound queue drained by
// a single writer goroutine.
//
// Multiple goroutines (the session's own handler and broadcast senders for
// other sessions) deliver frames to the same connection. Queueing keeps
// their frame bytes from interleaving on the wire, and it decouples senders
// from the peer: a client that stops reading fills only its own queue while
// every other delivery proceeds. A full queue or a write past writeTimeout
// marks the connection dead.
//
// SafeConn encapsulates the connection, the queue and the writer, making it
// impossible to write without going through them. Close is idempotent.
type SafeConn struct {
	conn    net.Conn
	out     chan []byte
	done    chan struct{}
	flushed chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewSafeConn wraps a net.Conn and starts its writer goroutine.
func NewSafeConn(conn net.Conn) *SafeConn {
	sc := &SafeConn{
		conn:    conn,
		out:     make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
	go sc.writeLoop()
	return sc
}

// EncodeFrame encodes a protocol frame and queues it for delivery. This is
// the ONLY way to write frames to the connection. The frame is encoded to a
// buffer first so the connection sees exactly one Write per frame;
// message-oriented transports (WebSocket) rely on this.
func (sc *SafeConn) EncodeFrame(frame *protocol.Frame) error {
	data, err := protocol.EncodeMessage(frame.Version, frame.Type, frame.Flags, frame.Payload)
	if err != nil {
		return err
	}
	return sc.WriteBytes(data)
}

// WriteBytes queues pre-encoded frame bytes for delivery. Never blocks: a
// closed connection returns net.ErrClosed, a full queue ErrSendQueueFull.
func (sc *SafeConn) WriteBytes(data []byte) error {
	select {
	case <-sc.done:
		return net.ErrClosed
	default:
	}

	select {
	case sc.out <- data:
		return nil
	case <-sc.done:
		return net.ErrClosed
	default:
		return ErrSendQueueFull
	}
}

// writeLoop drains the outbound queue onto the connection. Every write is
// bounded by writeTimeout; on any write error the connection is torn down so
// the session's read loop notices and cleans up.
func (sc *SafeConn) writeLoop() {
	defer close(sc.flushed)
	for {
		select {
		case data := <-sc.out:
			if sc.write(data) != nil {
				go sc.Close()
				return
			}
		case <-sc.done:
			// Flush what is already queued, then stop.
			for {
				select {
				case data := <-sc.out:
					if sc.write(data) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (sc *SafeConn) write(data []byte) error {
	sc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := sc.conn.Write(data)
	return err
}

// ReadFrame reads a protocol frame from the connection.
// Reads bypass the outbound queue.
func (sc *SafeConn) ReadFrame() (*protocol.Frame, error) {
	return protocol.DecodeFrame(sc.conn)
}

// Close stops the writer, gives it a short window to flush queued frames,
// then closes the underlying connection. Safe to call more than once;
// subsequent calls return the first result.
func (sc *SafeConn) Close() error {
	sc.closeOnce.Do(func() {
		close(sc.done)
		select {
		case <-sc.flushed:
		case <-time.After(closeFlushTimeout):
		}
		sc.closeErr = sc.conn.Close()
	})
	return sc.closeErr
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
