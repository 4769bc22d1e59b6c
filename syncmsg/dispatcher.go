package syncmsg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"msgsync/storage"
)

const (
	defaultWorkers     = 4
	defaultSendTimeout = 10 * time.Second
)

// DeviceDirectory lists the local account's linked devices.
type DeviceDirectory interface {
	LinkedDeviceIDs(ctx context.Context) ([]string, error)
}

// Transport sends one payload to one linked device. Retries are the
// transport's concern.
type Transport interface {
	Send(ctx context.Context, deviceID string, payload *Payload) error
}

// RecallChecker reports whether a message was recalled after its payload
// was built.
type RecallChecker interface {
	IsRecalled(ctx context.Context, messageID string) (bool, error)
}

// Recorder persists per-device dispatch outcomes.
type Recorder interface {
	RecordDispatch(ctx context.Context, result Result) error
}

// Result is the outcome of one payload for one device.
type Result struct {
	DeviceID string
	Kind     Kind
	Digest   string
	Dedupe   string
	Status   string
	Err      error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// LocalDeviceID is excluded from fan-out.
	LocalDeviceID string
	// Workers bounds concurrent sends per payload.
	Workers     int
	SendTimeout time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	return c
}

// DispatcherOption configures optional Dispatcher collaborators.
type DispatcherOption func(*Dispatcher)

// WithRecallChecker enables the dispatch-time recall check.
func WithRecallChecker(checker RecallChecker) DispatcherOption {
	return func(d *Dispatcher) {
		d.recall = checker
	}
}

// WithRecorder records every per-device outcome.
func WithRecorder(recorder Recorder) DispatcherOption {
	return func(d *Dispatcher) {
		d.recorder = recorder
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Dispatcher fans committed payloads out to every linked device.
//
// Enqueue never blocks and never fails the caller. A background loop started
// with Start drains the queue; each payload gets exactly one attempt per
// device.
type Dispatcher struct {
	cfg       DispatcherConfig
	directory DeviceDirectory
	transport Transport
	recall    RecallChecker
	recorder  Recorder
	logger    *slog.Logger

	mu    sync.Mutex
	queue []*Payload
	wake  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher with config defaults applied.
func NewDispatcher(config DispatcherConfig, directory DeviceDirectory, transport Transport, opts ...DispatcherOption) (*Dispatcher, error) {
	if directory == nil {
		return nil, errors.New("device directory is required")
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}

	d := &Dispatcher{
		cfg:       config.withDefaults(),
		directory: directory,
		transport: transport,
		logger:    slog.Default(),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Enqueue schedules payload for dispatch. Callers invoke it only after the
// transaction that built payload has committed.
func (d *Dispatcher) Enqueue(payload *Payload) {
	if payload == nil {
		return
	}

	d.mu.Lock()
	d.queue = append(d.queue, payload)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued payloads.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Start begins the background dispatch loop.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.ctx, d.cancel = context.WithCancel(context.Background())
		d.wg.Add(1)
		go d.loop()
	})
}

// Stop stops the loop. Queued payloads that were not yet taken are dropped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
	})
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	for {
		for {
			payload := d.next()
			if payload == nil {
				break
			}
			d.Dispatch(d.ctx, payload)
			if d.ctx.Err() != nil {
				return
			}
		}

		select {
		case <-d.wake:
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) next() *Payload {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.queue) == 0 {
		return nil
	}
	payload := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return payload
}

// Dispatch sends payload to every linked device except the local one and
// returns one Result per device. Failures are recorded, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, payload *Payload) []Result {
	digest, err := payload.Digest()
	if err != nil {
		d.logger.Warn("sync payload digest failed", "kind", string(payload.Kind), "error", err)
		return nil
	}

	devices, err := d.directory.LinkedDeviceIDs(ctx)
	if err != nil {
		d.logger.Warn("list linked devices failed", "dedupe_key", payload.DedupeKey, "error", err)
		return nil
	}
	devices = d.targets(devices)
	if len(devices) == 0 {
		d.logger.Debug("no linked devices for sync payload", "dedupe_key", payload.DedupeKey)
		return nil
	}

	base := Result{Kind: payload.Kind, Digest: digest, Dedupe: payload.DedupeKey}

	if d.recalled(ctx, payload) {
		results := make([]Result, 0, len(devices))
		for _, deviceID := range devices {
			result := base
			result.DeviceID = deviceID
			result.Status = storage.DispatchStatusCancelled
			d.record(ctx, result)
			results = append(results, result)
		}
		d.logger.Debug("sync payload dropped for recalled message",
			"dedupe_key", payload.DedupeKey,
			"message_id", payload.MessageID)
		return results
	}

	results := make([]Result, len(devices))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.cfg.Workers)
	for i, deviceID := range devices {
		i, deviceID := i, deviceID
		group.Go(func() error {
			sendCtx, cancel := context.WithTimeout(groupCtx, d.cfg.SendTimeout)
			defer cancel()

			result := base
			result.DeviceID = deviceID
			result.Status = storage.DispatchStatusSent
			if err := d.transport.Send(sendCtx, deviceID, payload); err != nil {
				result.Status = storage.DispatchStatusFailed
				result.Err = err
				d.logger.Warn("sync dispatch failed",
					"device_id", deviceID,
					"kind", string(payload.Kind),
					"dedupe_key", payload.DedupeKey,
					"error", err)
			}
			d.record(ctx, result)
			results[i] = result
			// A failed device never cancels its siblings.
			return nil
		})
	}
	_ = group.Wait()
	return results
}

func (d *Dispatcher) targets(devices []string) []string {
	seen := make(map[string]struct{}, len(devices))
	out := make([]string, 0, len(devices))
	for _, deviceID := range devices {
		if deviceID == "" || deviceID == d.cfg.LocalDeviceID {
			continue
		}
		if _, ok := seen[deviceID]; ok {
			continue
		}
		seen[deviceID] = struct{}{}
		out = append(out, deviceID)
	}
	return out
}

func (d *Dispatcher) recalled(ctx context.Context, payload *Payload) bool {
	if d.recall == nil || payload.MessageID == "" {
		return false
	}
	recalled, err := d.recall.IsRecalled(ctx, payload.MessageID)
	if err != nil {
		d.logger.Warn("recall check failed", "message_id", payload.MessageID, "error", err)
		return false
	}
	return recalled
}

func (d *Dispatcher) record(ctx context.Context, result Result) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.RecordDispatch(ctx, result); err != nil {
		d.logger.Warn("record dispatch outcome failed", "device_id", result.DeviceID, "error", err)
	}
}

// DispatchLog records dispatch outcomes in the storage dispatch log.
type DispatchLog struct {
	store *storage.Store
}

// NewDispatchLog returns a Recorder backed by store.
func NewDispatchLog(store *storage.Store) *DispatchLog {
	return &DispatchLog{store: store}
}

// RecordDispatch implements Recorder.
func (l *DispatchLog) RecordDispatch(_ context.Context, result Result) error {
	entry := storage.DispatchLogEntry{
		PayloadDigest: result.Digest,
		DedupeKey:     result.Dedupe,
		PayloadKind:   string(result.Kind),
		DeviceID:      result.DeviceID,
		Status:        result.Status,
	}
	if result.Err != nil {
		entry.Error = result.Err.Error()
	}
	if err := l.store.LogDispatch(entry); err != nil {
		return fmt.Errorf("log dispatch: %w", err)
	}
	return nil
}
