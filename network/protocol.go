package network

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"msgsync/crypto"
	"msgsync/syncmsg"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (1 MB).
	MaxFrameSize = 1024 * 1024
	// DefaultConnectionTimeout bounds TCP dial and one frame exchange.
	DefaultConnectionTimeout = 15 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 10 * time.Second
)

const (
	TypeSync    = "sync"
	TypeSyncAck = "sync_ack"
	TypeError   = "error"
)

const (
	AckStatusAccepted  = "accepted"
	AckStatusDuplicate = "duplicate"
)

const (
	ErrorCodeUnknownType      = "unknown_type"
	ErrorCodeVersionMismatch  = "version_mismatch"
	ErrorCodeUnknownDevice    = "unknown_device"
	ErrorCodeWrongRecipient   = "wrong_recipient"
	ErrorCodeInvalidSignature = "invalid_signature"
	ErrorCodeInvalidPayload   = "invalid_payload"
	ErrorCodeHandlerFailed    = "handler_failed"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("network: invalid signature")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrUnknownDevice indicates a device that is not linked to the local account.
	ErrUnknownDevice = errors.New("network: unknown device")
)

// LocalIdentity contains the local device values required to sign frames.
type LocalIdentity struct {
	DeviceID string
	Keys     *crypto.Identity
}

func (i LocalIdentity) validate() error {
	if i.DeviceID == "" {
		return errors.New("local device id is required")
	}
	if i.Keys == nil || len(i.Keys.PrivateKey) != ed25519.PrivateKeySize {
		return errors.New("invalid local Ed25519 private key")
	}
	return nil
}

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// SyncFrame carries one sync payload from one device to another device of
// the same account.
type SyncFrame struct {
	Type            string          `json:"type"`
	FromDeviceID    string          `json:"from_device_id"`
	ToDeviceID      string          `json:"to_device_id"`
	ProtocolVersion int             `json:"protocol_version"`
	DedupeKey       string          `json:"dedupe_key"`
	Payload         json.RawMessage `json:"payload"`
	Timestamp       int64           `json:"timestamp"`
	Signature       string          `json:"signature"`
}

// SyncAck confirms a sync frame was handled by the receiving device.
type SyncAck struct {
	Type         string `json:"type"`
	FromDeviceID string `json:"from_device_id"`
	DedupeKey    string `json:"dedupe_key"`
	Status       string `json:"status"`
	Timestamp    int64  `json:"timestamp"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	DedupeKey         string `json:"dedupe_key,omitempty"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// RemoteError is returned by the client when the receiving device answers
// with an ErrorMessage.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

// BuildSyncFrame encodes and signs payload for toDeviceID.
func BuildSyncFrame(identity LocalIdentity, toDeviceID string, payload *syncmsg.Payload) (SyncFrame, error) {
	if err := identity.validate(); err != nil {
		return SyncFrame{}, err
	}
	if toDeviceID == "" {
		return SyncFrame{}, errors.New("target device id is required")
	}
	if payload == nil {
		return SyncFrame{}, errors.New("sync payload is required")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return SyncFrame{}, fmt.Errorf("marshal sync payload: %w", err)
	}

	frame := SyncFrame{
		Type:            TypeSync,
		FromDeviceID:    identity.DeviceID,
		ToDeviceID:      toDeviceID,
		ProtocolVersion: ProtocolVersion,
		DedupeKey:       payload.DedupeKey,
		Payload:         raw,
		Timestamp:       time.Now().UnixMilli(),
	}
	signable, err := frameSignable(frame)
	if err != nil {
		return SyncFrame{}, err
	}
	frame.Signature, err = identity.Keys.Sign(signable)
	if err != nil {
		return SyncFrame{}, fmt.Errorf("sign sync frame: %w", err)
	}
	return frame, nil
}

// VerifySyncFrame checks the protocol version and signature of frame and
// decodes its payload.
func VerifySyncFrame(frame SyncFrame, publicKey ed25519.PublicKey) (*syncmsg.Payload, error) {
	if frame.ProtocolVersion != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}

	signable, err := frameSignable(frame)
	if err != nil {
		return nil, err
	}
	if err := crypto.Verify(publicKey, signable, frame.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var payload syncmsg.Payload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode sync payload: %w", err)
	}
	if !payload.Kind.Valid() {
		return nil, fmt.Errorf("decode sync payload: unknown kind %q", payload.Kind)
	}
	return &payload, nil
}

func frameSignable(frame SyncFrame) ([]byte, error) {
	frame.Signature = ""
	signable, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal sync frame signable payload: %w", err)
	}
	return signable, nil
}

func makeVersionMismatchError(got int) ErrorMessage {
	return ErrorMessage{
		Type:              TypeError,
		Code:              ErrorCodeVersionMismatch,
		Message:           fmt.Sprintf("Unsupported protocol version. Expected %d, got %d.", ProtocolVersion, got),
		SupportedVersions: []int{ProtocolVersion},
		Timestamp:         time.Now().UnixMilli(),
	}
}
