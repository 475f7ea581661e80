package server

import (
	"fmt"
	"log"
	"time"

	"github.com/apolmos/chatrelay/pkg/protocol"
)

// RelayEngine turns one inbound chat message into zero or more outbound
// deliveries. Ban filtering is evaluated per recipient at broadcast time, so
// the same message can be visible to some clients and hidden from others
// without affecting ordering.
type RelayEngine struct {
	registry *Registry
	bans     *BanDirectory
	metrics  *Metrics
}

// NewRelayEngine wires the engine to the shared registry and ban directory.
func NewRelayEngine(registry *Registry, bans *BanDirectory, metrics *Metrics) *RelayEngine {
	return &RelayEngine{
		registry: registry,
		bans:     bans,
		metrics:  metrics,
	}
}

// HandleChat interprets a chat body from sess. Legacy BAN:/UNBAN: prefixed
// bodies are treated as directives; everything else is relayed. Returns the
// ids of sessions whose delivery write failed so the caller can remove them.
func (e *RelayEngine) HandleChat(sess *Session, content string) ([]uint64, error) {
	if target, ban, ok := protocol.ParseDirective(content); ok {
		if ban {
			return nil, e.HandleBan(sess, target)
		}
		return nil, e.HandleUnban(sess, target)
	}

	sender, ok := e.registry.Username(sess.ID)
	if !ok {
		// Sender raced its own removal; nothing to relay.
		debugLog.Printf("Session %d: chat from unregistered session dropped", sess.ID)
		return nil, nil
	}

	if e.metrics != nil {
		e.metrics.RecordMessageRelayed()
	}

	// Render the envelope once per inbound message, not once per recipient.
	relayed := &protocol.RelayedMessage{
		SenderID:       sess.ID,
		SenderUsername: sender,
		Timestamp:      time.Now().UnixMilli(),
		Content:        content,
	}

	return e.broadcast(sess.ID, sender, relayed)
}

// HandleBan adds target to the sender's mute set and echoes a confirmation
// to the sender only. The directive is never relayed to other clients.
func (e *RelayEngine) HandleBan(sess *Session, target string) error {
	viewer, ok := e.registry.Username(sess.ID)
	if !ok {
		return ErrSessionNotFound
	}

	if target == "" {
		return e.sendBanAck(sess, false, "ban: missing username")
	}

	e.bans.Ban(viewer, target)
	log.Printf("Session %d: %s banned %s", sess.ID, viewer, target)
	return e.sendBanAck(sess, true, fmt.Sprintf("You will no longer see messages from %s", target))
}

// HandleUnban removes target from the sender's mute set. Unbanning a user
// that was never banned is a no-op, not an error.
func (e *RelayEngine) HandleUnban(sess *Session, target string) error {
	viewer, ok := e.registry.Username(sess.ID)
	if !ok {
		return ErrSessionNotFound
	}

	if target == "" {
		return e.sendBanAck(sess, false, "unban: missing username")
	}

	e.bans.Unban(viewer, target)
	log.Printf("Session %d: %s unbanned %s", sess.ID, viewer, target)
	return e.sendBanAck(sess, true, fmt.Sprintf("You will see messages from %s again", target))
}

func (e *RelayEngine) sendBanAck(sess *Session, success bool, message string) error {
	payload, err := (&protocol.BanAckMessage{Success: success, Message: message}).Encode()
	if err != nil {
		return err
	}
	return sess.Conn.EncodeFrame(&protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    protocol.TypeBanAck,
		Payload: payload,
	})
}

// broadcast delivers the rendered message to every active session except the
// sender and any recipient whose ban set contains the sender. One failed
// write never aborts delivery to the others.
func (e *RelayEngine) broadcast(senderID uint64, senderUsername string, msg *protocol.RelayedMessage) ([]uint64, error) {
	payload, err := msg.Encode()
	if err != nil {
		return nil, err
	}

	// Pre-encode the frame once; recipients get identical bytes.
	frameBytes, err := protocol.EncodeMessage(protocol.ProtocolVersion, protocol.TypeRelayed, 0, payload)
	if err != nil {
		return nil, err
	}

	var dead []uint64
	for _, recipient := range e.registry.Snapshot() {
		if recipient.ID == senderID {
			continue
		}
		if e.bans.IsBlocked(recipient.Username(), senderUsername) {
			if e.metrics != nil {
				e.metrics.RecordDeliveryMuted()
			}
			continue
		}

		if e.metrics != nil {
			e.metrics.RecordDelivery()
		}
		if writeErr := recipient.Conn.WriteBytes(frameBytes); writeErr != nil {
			debugLog.Printf("Session %d: broadcast write failed: %v", recipient.ID, writeErr)
			if e.metrics != nil {
				e.metrics.RecordDeliveryFailure()
			}
			dead = append(dead, recipient.ID)
		}
	}

	return dead, nil
}
