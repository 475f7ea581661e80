package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
)

// ProtocolMessage interface - all protocol messages must implement this
type ProtocolMessage interface {
	// Encode serializes the message to bytes (convenience wrapper)
	Encode() ([]byte, error)
	// EncodeTo serializes the message directly to a writer
	EncodeTo(w io.Writer) error
	// Decode deserializes the message from bytes
	Decode(payload []byte) error
}

// Message type constants (Client → Server)
const (
	TypeSetUsername = 0x01
	TypeChat        = 0x02
	TypeBan         = 0x03
	TypeUnban       = 0x04
	TypePing        = 0x05
	TypeLogout      = 0x06
)

// Message type constants (Server → Client)
const (
	TypeServerConfig = 0x81
	TypeRegisterAck  = 0x82
	TypeRelayed      = 0x83
	TypeBanAck       = 0x84
	TypeUserJoined   = 0x85
	TypeUserLeft     = 0x86
	TypePong         = 0x87
	TypeError        = 0x88
	TypeDisconnect   = 0x89
)

// Error codes
const (
	// Protocol errors (1xxx)
	ErrCodeInvalidFormat     = 1000
	ErrCodeUnsupportedType   = 1001
	ErrCodeNotRegistered     = 1002
	ErrCodeAlreadyRegistered = 1003

	// Validation errors (6xxx)
	ErrCodeInvalidUsername = 6000
	ErrCodeMessageTooLong  = 6001

	// Server errors (9xxx)
	ErrCodeInternalError = 9000
)

// Directive prefixes accepted in plain chat bodies for compatibility with
// clients that predate the dedicated BAN/UNBAN message types.
const (
	BanPrefix   = "BAN:"
	UnbanPrefix = "UNBAN:"
)

var (
	ErrUsernameEmpty   = errors.New("username cannot be empty")
	ErrUsernameTooLong = errors.New("username must be at most 20 characters")
	ErrEmptyContent    = errors.New("message content cannot be empty")
)

// MaxUsernameLength is the maximum accepted display name length in bytes
const MaxUsernameLength = 20

// ParseDirective splits a legacy prefix-encoded directive body.
// Returns the bare target name and true when body is a well-formed
// BAN:<name> or UNBAN:<name> directive; ban reports which of the two.
// Malformed directives (missing or blank target) are not directives at all
// and relay as ordinary chat text.
func ParseDirective(body string) (target string, ban bool, ok bool) {
	switch {
	case strings.HasPrefix(body, BanPrefix):
		target = strings.TrimSpace(strings.TrimPrefix(body, BanPrefix))
		return target, true, target != ""
	case strings.HasPrefix(body, UnbanPrefix):
		target = strings.TrimSpace(strings.TrimPrefix(body, UnbanPrefix))
		return target, false, target != ""
	}
	return "", false, false
}

// SetUsernameMessage (0x01) - Identity frame, sent exactly once after connect
type SetUsernameMessage struct {
	Username string
}

func (m *SetUsernameMessage) EncodeTo(w io.Writer) error {
	if m.Username == "" {
		return ErrUsernameEmpty
	}
	if len(m.Username) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	return WriteString(w, m.Username)
}

func (m *SetUsernameMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *SetUsernameMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	username, err := ReadString(buf)
	if err != nil {
		return err
	}
	if username == "" {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLength {
		return ErrUsernameTooLong
	}

	m.Username = username
	return nil
}

// ChatMessage (0x02) - Ordinary chat text from a client
type ChatMessage struct {
	Content string
}

func (m *ChatMessage) EncodeTo(w io.Writer) error {
	if m.Content == "" {
		return ErrEmptyContent
	}
	return WriteString(w, m.Content)
}

func (m *ChatMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ChatMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	content, err := ReadString(buf)
	if err != nil {
		return err
	}
	if content == "" {
		return ErrEmptyContent
	}

	m.Content = content
	return nil
}

// BanMessage (0x03) - Mute a sender from the requesting client's view
type BanMessage struct {
	Username string
}

func (m *BanMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Username)
}

func (m *BanMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *BanMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	username, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Username = username
	return nil
}

// UnbanMessage (0x04) - Remove a sender from the requesting client's mute set
type UnbanMessage struct {
	Username string
}

func (m *UnbanMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Username)
}

func (m *UnbanMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *UnbanMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	username, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Username = username
	return nil
}

// PingMessage (0x05) - Keepalive probe
type PingMessage struct {
	Timestamp int64
}

func (m *PingMessage) EncodeTo(w io.Writer) error {
	return WriteTimestamp(w, m.Timestamp)
}

func (m *PingMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *PingMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	ts, err := ReadTimestamp(buf)
	if err != nil {
		return err
	}

	m.Timestamp = ts
	return nil
}

// LogoutMessage (0x06) - Graceful end of session; payload is empty and ignored
type LogoutMessage struct{}

func (m *LogoutMessage) EncodeTo(w io.Writer) error {
	return nil
}

func (m *LogoutMessage) Encode() ([]byte, error) {
	return []byte{}, nil
}

func (m *LogoutMessage) Decode(payload []byte) error {
	return nil
}

// ServerConfigMessage (0x81) - Sent immediately after connection
type ServerConfigMessage struct {
	ProtocolVersion   uint8
	MaxMessageLength  uint32
	MaxUsernameLength uint16
}

func (m *ServerConfigMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint8(w, m.ProtocolVersion); err != nil {
		return err
	}
	if err := WriteUint32(w, m.MaxMessageLength); err != nil {
		return err
	}
	return WriteUint16(w, m.MaxUsernameLength)
}

func (m *ServerConfigMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ServerConfigMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	version, err := ReadUint8(buf)
	if err != nil {
		return err
	}
	maxMsg, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	maxName, err := ReadUint16(buf)
	if err != nil {
		return err
	}

	m.ProtocolVersion = version
	m.MaxMessageLength = maxMsg
	m.MaxUsernameLength = maxName
	return nil
}

// RegisterAckMessage (0x82) - Registration confirmation with the assigned id
type RegisterAckMessage struct {
	SessionID uint64
	Message   string
}

func (m *RegisterAckMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint64(w, m.SessionID); err != nil {
		return err
	}
	return WriteString(w, m.Message)
}

func (m *RegisterAckMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *RegisterAckMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	id, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	message, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.SessionID = id
	m.Message = message
	return nil
}

// RelayedMessage (0x83) - The rendered chat envelope delivered to recipients.
// Built once per inbound message, not once per recipient.
type RelayedMessage struct {
	SenderID       uint64
	SenderUsername string
	Timestamp      int64
	Content        string
}

func (m *RelayedMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint64(w, m.SenderID); err != nil {
		return err
	}
	if err := WriteString(w, m.SenderUsername); err != nil {
		return err
	}
	if err := WriteTimestamp(w, m.Timestamp); err != nil {
		return err
	}
	return WriteString(w, m.Content)
}

func (m *RelayedMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *RelayedMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	senderID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	sender, err := ReadString(buf)
	if err != nil {
		return err
	}
	ts, err := ReadTimestamp(buf)
	if err != nil {
		return err
	}
	content, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.SenderID = senderID
	m.SenderUsername = sender
	m.Timestamp = ts
	m.Content = content
	return nil
}

// BanAckMessage (0x84) - Directive confirmation, echoed to the sender only
type BanAckMessage struct {
	Success bool
	Message string
}

func (m *BanAckMessage) EncodeTo(w io.Writer) error {
	if err := WriteBool(w, m.Success); err != nil {
		return err
	}
	return WriteString(w, m.Message)
}

func (m *BanAckMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *BanAckMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	success, err := ReadBool(buf)
	if err != nil {
		return err
	}
	message, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Success = success
	m.Message = message
	return nil
}

// UserJoinedMessage (0x85) - A participant completed registration
type UserJoinedMessage struct {
	SessionID uint64
	Username  string
	Timestamp int64
}

func (m *UserJoinedMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint64(w, m.SessionID); err != nil {
		return err
	}
	if err := WriteString(w, m.Username); err != nil {
		return err
	}
	return WriteTimestamp(w, m.Timestamp)
}

func (m *UserJoinedMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *UserJoinedMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	id, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	username, err := ReadString(buf)
	if err != nil {
		return err
	}
	ts, err := ReadTimestamp(buf)
	if err != nil {
		return err
	}

	m.SessionID = id
	m.Username = username
	m.Timestamp = ts
	return nil
}

// UserLeftMessage (0x86) - Departure announcement, sent exactly once per session
type UserLeftMessage struct {
	SessionID uint64
	Username  string
	Timestamp int64
}

func (m *UserLeftMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint64(w, m.SessionID); err != nil {
		return err
	}
	if err := WriteString(w, m.Username); err != nil {
		return err
	}
	return WriteTimestamp(w, m.Timestamp)
}

func (m *UserLeftMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *UserLeftMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	id, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	username, err := ReadString(buf)
	if err != nil {
		return err
	}
	ts, err := ReadTimestamp(buf)
	if err != nil {
		return err
	}

	m.SessionID = id
	m.Username = username
	m.Timestamp = ts
	return nil
}

// PongMessage (0x87) - Keepalive reply echoing the probe timestamp
type PongMessage struct {
	Timestamp int64
}

func (m *PongMessage) EncodeTo(w io.Writer) error {
	return WriteTimestamp(w, m.Timestamp)
}

func (m *PongMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *PongMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	ts, err := ReadTimestamp(buf)
	if err != nil {
		return err
	}

	m.Timestamp = ts
	return nil
}

// ErrorMessage (0x88) - Error response
type ErrorMessage struct {
	ErrorCode uint16
	Message   string
}

func (m *ErrorMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint16(w, m.ErrorCode); err != nil {
		return err
	}
	return WriteString(w, m.Message)
}

func (m *ErrorMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ErrorMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	code, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	message, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.ErrorCode = code
	m.Message = message
	return nil
}

// DisconnectMessage (0x89) - Server-initiated shutdown notice
type DisconnectMessage struct {
	Reason *string
}

func (m *DisconnectMessage) EncodeTo(w io.Writer) error {
	return WriteOptionalString(w, m.Reason)
}

func (m *DisconnectMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *DisconnectMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	reason, err := ReadOptionalString(buf)
	if err != nil {
		return err
	}

	m.Reason = reason
	return nil
}
