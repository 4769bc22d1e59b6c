package network

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"msgsync/syncmsg"
)

// KeyResolver returns the public key of a device linked to the local account.
type KeyResolver interface {
	DevicePublicKey(ctx context.Context, deviceID string) (ed25519.PublicKey, error)
}

// Handler applies a verified sync payload received from fromDeviceID.
// duplicate reports a payload that matched nothing new on this device; the
// frame is still acknowledged.
type Handler func(ctx context.Context, fromDeviceID string, payload *syncmsg.Payload) (duplicate bool, err error)

// ListenerOptions configures a Listener.
type ListenerOptions struct {
	LocalDeviceID    string
	Keys             KeyResolver
	Handler          Handler
	FrameReadTimeout time.Duration
	Logger           *slog.Logger
}

func (o ListenerOptions) withDefaults() ListenerOptions {
	if o.FrameReadTimeout <= 0 {
		o.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Listener accepts sync frames from linked devices.
type Listener struct {
	listener net.Listener
	options  ListenerOptions

	errs chan error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and frame accept loop.
func Listen(address string, options ListenerOptions) (*Listener, error) {
	opts := options.withDefaults()
	if opts.LocalDeviceID == "" {
		return nil, errors.New("local device id is required")
	}
	if opts.Keys == nil || opts.Handler == nil {
		return nil, errors.New("key resolver and handler are required")
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		listener: listener,
		options:  opts,
		errs:     make(chan error, 16),
		ctx:      ctx,
		cancel:   cancel,
	}

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Port returns the bound TCP port.
func (l *Listener) Port() int {
	if tcpAddr, ok := l.listener.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// Errors returns asynchronous listener errors.
func (l *Listener) Errors() <-chan error {
	return l.errs
}

// Close stops accepting and waits for in-flight frames.
func (l *Listener) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		l.cancel()
		closeErr = l.listener.Close()
		l.wg.Wait()
		close(l.errs)
	})
	return closeErr
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return
			default:
			}

			l.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		l.wg.Add(1)
		go l.handleInboundConn(conn)
	}
}

func (l *Listener) handleInboundConn(conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		_ = conn.Close()
	}()

	payload, err := ReadFrameWithTimeout(conn, l.options.FrameReadTimeout)
	if err != nil {
		l.reportError(fmt.Errorf("read sync frame: %w", err))
		return
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		l.reportError(err)
		return
	}
	if msgType != TypeSync {
		l.sendError(conn, ErrorMessage{
			Type:    TypeError,
			Code:    ErrorCodeUnknownType,
			Message: fmt.Sprintf("Expected %q, got %q", TypeSync, msgType),
		})
		return
	}

	var frame SyncFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		l.reportError(fmt.Errorf("decode sync frame: %w", err))
		return
	}

	if frame.ProtocolVersion != ProtocolVersion {
		l.sendError(conn, makeVersionMismatchError(frame.ProtocolVersion))
		return
	}
	if frame.ToDeviceID != l.options.LocalDeviceID {
		l.sendError(conn, ErrorMessage{
			Type:      TypeError,
			Code:      ErrorCodeWrongRecipient,
			Message:   fmt.Sprintf("Frame addressed to %q.", frame.ToDeviceID),
			DedupeKey: frame.DedupeKey,
		})
		return
	}

	publicKey, err := l.options.Keys.DevicePublicKey(l.ctx, frame.FromDeviceID)
	if err != nil {
		l.options.Logger.Warn("sync frame from unknown device", "device_id", frame.FromDeviceID, "error", err)
		l.sendError(conn, ErrorMessage{
			Type:      TypeError,
			Code:      ErrorCodeUnknownDevice,
			Message:   "Device is not linked to this account.",
			DedupeKey: frame.DedupeKey,
		})
		return
	}

	syncPayload, err := VerifySyncFrame(frame, publicKey)
	if err != nil {
		code := ErrorCodeInvalidPayload
		if errors.Is(err, ErrInvalidSignature) {
			code = ErrorCodeInvalidSignature
		}
		l.options.Logger.Warn("sync frame rejected", "device_id", frame.FromDeviceID, "code", code, "error", err)
		l.sendError(conn, ErrorMessage{
			Type:      TypeError,
			Code:      code,
			Message:   err.Error(),
			DedupeKey: frame.DedupeKey,
		})
		return
	}

	duplicate, err := l.options.Handler(l.ctx, frame.FromDeviceID, syncPayload)
	if err != nil {
		l.options.Logger.Warn("sync frame handler failed", "device_id", frame.FromDeviceID, "dedupe_key", frame.DedupeKey, "error", err)
		l.sendError(conn, ErrorMessage{
			Type:      TypeError,
			Code:      ErrorCodeHandlerFailed,
			Message:   "Sync payload could not be applied.",
			DedupeKey: frame.DedupeKey,
		})
		return
	}

	status := AckStatusAccepted
	if duplicate {
		status = AckStatusDuplicate
	}
	ack, err := EncodeJSON(SyncAck{
		Type:         TypeSyncAck,
		FromDeviceID: l.options.LocalDeviceID,
		DedupeKey:    frame.DedupeKey,
		Status:       status,
		Timestamp:    time.Now().UnixMilli(),
	})
	if err != nil {
		l.reportError(err)
		return
	}
	if err := WriteFrame(conn, ack); err != nil {
		l.reportError(fmt.Errorf("write sync ack: %w", err))
	}
}

func (l *Listener) sendError(conn net.Conn, message ErrorMessage) {
	if message.Timestamp == 0 {
		message.Timestamp = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(message)
	if err != nil {
		l.reportError(err)
		return
	}
	if err := WriteFrame(conn, payload); err != nil {
		l.reportError(fmt.Errorf("write error response: %w", err))
	}
}

func (l *Listener) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case l.errs <- err:
	default:
	}
}
