package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"msgsync/syncmsg"
)

// AddressResolver maps a linked device ID to a dialable host:port.
type AddressResolver interface {
	ResolveDevice(ctx context.Context, deviceID string) (string, error)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithConnectionTimeout bounds dialing plus one frame exchange.
func WithConnectionTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client sends sync frames to linked devices, one connection per frame.
// It implements syncmsg.Transport.
type Client struct {
	identity LocalIdentity
	resolver AddressResolver
	timeout  time.Duration
	logger   *slog.Logger
	dialer   net.Dialer
}

// NewClient returns a Client signing frames with identity.
func NewClient(identity LocalIdentity, resolver AddressResolver, opts ...ClientOption) (*Client, error) {
	if err := identity.validate(); err != nil {
		return nil, err
	}
	if resolver == nil {
		return nil, errors.New("address resolver is required")
	}

	c := &Client{
		identity: identity,
		resolver: resolver,
		timeout:  DefaultConnectionTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Send delivers payload to deviceID and waits for its acknowledgment.
func (c *Client) Send(ctx context.Context, deviceID string, payload *syncmsg.Payload) error {
	address, err := c.resolver.ResolveDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("resolve device %q: %w", deviceID, err)
	}

	frame, err := BuildSyncFrame(c.identity, deviceID, payload)
	if err != nil {
		return err
	}
	encoded, err := EncodeJSON(frame)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("dial %q: %w", address, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set frame deadline: %w", err)
	}

	if err := WriteFrame(conn, encoded); err != nil {
		return fmt.Errorf("send sync frame: %w", err)
	}

	responsePayload, err := ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("read sync ack: %w", err)
	}
	msgType, err := DecodeMessageType(responsePayload)
	if err != nil {
		return err
	}

	switch msgType {
	case TypeSyncAck:
		var ack SyncAck
		if err := json.Unmarshal(responsePayload, &ack); err != nil {
			return fmt.Errorf("decode sync ack: %w", err)
		}
		if ack.DedupeKey != payload.DedupeKey {
			return fmt.Errorf("sync ack for %q, expected %q", ack.DedupeKey, payload.DedupeKey)
		}
		c.logger.Debug("sync frame acknowledged",
			"device_id", deviceID,
			"dedupe_key", ack.DedupeKey,
			"status", ack.Status)
		return nil
	case TypeError:
		var remoteErr ErrorMessage
		if err := json.Unmarshal(responsePayload, &remoteErr); err != nil {
			return fmt.Errorf("decode remote error response: %w", err)
		}
		return &RemoteError{Code: remoteErr.Code, Message: remoteErr.Message}
	default:
		return fmt.Errorf("expected %q, got %q", TypeSyncAck, msgType)
	}
}
