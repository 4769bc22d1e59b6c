package syncmsg

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgsync/storage"
)

type staticDirectory []string

func (d staticDirectory) LinkedDeviceIDs(context.Context) ([]string, error) {
	return d, nil
}

type recordingTransport struct {
	mu    sync.Mutex
	sent  map[string][]*Payload
	fail  map[string]error
	calls chan string
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{
		sent:  make(map[string][]*Payload),
		fail:  make(map[string]error),
		calls: make(chan string, 64),
	}
}

func (t *recordingTransport) Send(_ context.Context, deviceID string, payload *Payload) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls <- deviceID
	if err := t.fail[deviceID]; err != nil {
		return err
	}
	t.sent[deviceID] = append(t.sent[deviceID], payload)
	return nil
}

type recallSet map[string]bool

func (r recallSet) IsRecalled(_ context.Context, messageID string) (bool, error) {
	return r[messageID], nil
}

type memoryRecorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *memoryRecorder) RecordDispatch(_ context.Context, result Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	return nil
}

func testPayload() *Payload {
	return &Payload{
		Kind:      KindSentTranscript,
		Timestamp: 1700,
		MessageID: "msg-1",
		DedupeKey: DedupeKey(1700, KindSentTranscript),
	}
}

func TestDispatchFansOutOncePerDeviceExceptLocal(t *testing.T) {
	transport := newRecordingTransport()
	transport.fail["tablet"] = errors.New("unreachable")
	recorder := &memoryRecorder{}

	d, err := NewDispatcher(
		DispatcherConfig{LocalDeviceID: "phone", Workers: 2},
		staticDirectory{"phone", "laptop", "tablet", "laptop"},
		transport,
		WithRecorder(recorder),
	)
	require.NoError(t, err)

	results := d.Dispatch(context.Background(), testPayload())
	require.Len(t, results, 2)

	statuses := map[string]string{}
	for _, r := range results {
		statuses[r.DeviceID] = r.Status
	}
	assert.Equal(t, map[string]string{
		"laptop": storage.DispatchStatusSent,
		"tablet": storage.DispatchStatusFailed,
	}, statuses)

	assert.Len(t, transport.sent["laptop"], 1)
	assert.Empty(t, transport.sent["phone"])
	assert.Len(t, recorder.results, 2)
}

func TestDispatchSkipsRecalledMessages(t *testing.T) {
	transport := newRecordingTransport()
	recorder := &memoryRecorder{}

	d, err := NewDispatcher(
		DispatcherConfig{LocalDeviceID: "phone"},
		staticDirectory{"laptop"},
		transport,
		WithRecallChecker(recallSet{"msg-1": true}),
		WithRecorder(recorder),
	)
	require.NoError(t, err)

	results := d.Dispatch(context.Background(), testPayload())
	require.Len(t, results, 1)
	assert.Equal(t, storage.DispatchStatusCancelled, results[0].Status)
	assert.Empty(t, transport.sent)
	require.Len(t, recorder.results, 1)
}

func TestDispatcherLoopDrainsQueue(t *testing.T) {
	transport := newRecordingTransport()
	d, err := NewDispatcher(DispatcherConfig{}, staticDirectory{"laptop", "tablet"}, transport)
	require.NoError(t, err)

	d.Enqueue(nil)
	d.Enqueue(testPayload())
	d.Start()
	t.Cleanup(d.Stop)

	var devices []string
	deadline := time.After(5 * time.Second)
	for len(devices) < 2 {
		select {
		case id := <-transport.calls:
			devices = append(devices, id)
		case <-deadline:
			t.Fatalf("timed out waiting for dispatch, got %v", devices)
		}
	}
	sort.Strings(devices)
	assert.Equal(t, []string{"laptop", "tablet"}, devices)
	assert.Equal(t, 0, d.Pending())
}

func TestNewDispatcherRequiresCollaborators(t *testing.T) {
	_, err := NewDispatcher(DispatcherConfig{}, nil, newRecordingTransport())
	assert.Error(t, err)
	_, err = NewDispatcher(DispatcherConfig{}, staticDirectory{}, nil)
	assert.Error(t, err)
}

func TestClaimAndDispatchLog(t *testing.T) {
	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	payload := testPayload()
	err = store.Update(context.Background(), func(tx *storage.Tx) error {
		first, err := Claim(tx, payload, 1)
		require.NoError(t, err)
		assert.True(t, first)

		again, err := Claim(tx, testPayload(), 2)
		require.NoError(t, err)
		assert.False(t, again, "one logical payload per timestamp and kind")

		none, err := Claim(tx, nil, 3)
		require.NoError(t, err)
		assert.False(t, none)
		return nil
	})
	require.NoError(t, err)

	digest, err := payload.Digest()
	require.NoError(t, err)
	recorder := NewDispatchLog(store)
	require.NoError(t, recorder.RecordDispatch(context.Background(), Result{
		DeviceID: "laptop",
		Kind:     payload.Kind,
		Digest:   digest,
		Dedupe:   payload.DedupeKey,
		Status:   storage.DispatchStatusFailed,
		Err:      errors.New("timeout"),
	}))

	entries, err := store.GetDispatchLog(storage.DispatchLogFilter{DedupeKey: payload.DedupeKey})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "timeout", entries[0].Error)
	assert.Equal(t, digest, entries[0].PayloadDigest)
}
