package sysevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"msgsync/storage"
)

const (
	entryKeyPrefix = "event/"
	indexKeyPrefix = "eventid/"
)

// EventID identifies one system event entry.
type EventID string

// Entry is one immutable system event of a thread. Read state is the only
// field that changes after creation.
type Entry struct {
	ID                 EventID
	ThreadID           string
	Timestamp          uint64
	Type               MessageType
	Payload            Payload
	CustomMessage      string
	IsFromLinkedDevice bool
	Read               bool
	ReadAt             uint64
}

type storedEntry struct {
	ID                 EventID         `json:"uniqueId"`
	ThreadID           string          `json:"uniqueThreadId"`
	Timestamp          uint64          `json:"timestamp"`
	MessageType        MessageType     `json:"messageType"`
	UserInfo           json.RawMessage `json:"infoMessageUserInfo,omitempty"`
	CustomMessage      string          `json:"customMessage,omitempty"`
	IsFromLinkedDevice bool            `json:"isFromLinkedDevice,omitempty"`
	Read               bool            `json:"read"`
	ReadAt             uint64          `json:"readAt,omitempty"`
}

// RecordOptions holds the optional attributes of a new entry.
type RecordOptions struct {
	// Timestamp defaults to the current time in milliseconds.
	Timestamp          uint64
	CustomMessage      string
	IsFromLinkedDevice bool
	// Read marks entries that never count as unread, such as locally
	// initiated changes.
	Read bool
}

// Log is the append-only system event log stored in the key-value space of
// the transaction it is handed.
type Log struct {
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger used for decode diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the clock used for default timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLog returns a Log.
func NewLog(opts ...Option) *Log {
	l := &Log{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends an entry of messageType to threadID. A nil payload records
// the type with every optional field absent.
func (l *Log) Record(tx storage.Writer, threadID string, messageType MessageType, payload Payload, opts RecordOptions) (EventID, error) {
	if strings.TrimSpace(threadID) == "" {
		return "", errors.New("thread id is required")
	}
	if !messageType.Valid() {
		return "", fmt.Errorf("record event: %w: %d", ErrUnknownType, int(messageType))
	}
	if messageType.Obsolete() {
		return "", fmt.Errorf("record %s: %w", messageType, ErrObsoleteType)
	}
	if payload == nil {
		empty, err := emptyPayload(messageType)
		if err != nil {
			return "", err
		}
		payload = empty
	}
	if payload.MessageType() != messageType {
		return "", fmt.Errorf("record %s with %s payload: %w", messageType, payload.MessageType(), ErrPayloadMismatch)
	}

	userInfo, err := EncodePayload(payload)
	if err != nil {
		return "", err
	}

	timestamp := opts.Timestamp
	if timestamp == 0 {
		timestamp = uint64(l.now().UnixMilli())
	}
	stored := storedEntry{
		ID:                 EventID(uuid.NewString()),
		ThreadID:           threadID,
		Timestamp:          timestamp,
		MessageType:        messageType,
		UserInfo:           userInfo,
		CustomMessage:      opts.CustomMessage,
		IsFromLinkedDevice: opts.IsFromLinkedDevice,
		Read:               opts.Read,
	}
	if opts.Read {
		stored.ReadAt = timestamp
	}

	if err := l.put(tx, stored); err != nil {
		return "", err
	}
	key := entryKey(stored.ThreadID, stored.Timestamp, stored.ID)
	if err := tx.Write(indexKeyPrefix+string(stored.ID), []byte(key)); err != nil {
		return "", fmt.Errorf("index event %s: %w", stored.ID, err)
	}
	return stored.ID, nil
}

// Get returns the entry with id or storage.ErrNotFound.
func (l *Log) Get(tx storage.Reader, id EventID) (Entry, error) {
	stored, err := l.load(tx, id)
	if err != nil {
		return Entry{}, err
	}
	return l.decode(stored)
}

// List returns the entries of threadID in timestamp order.
func (l *Log) List(tx storage.Reader, threadID string) ([]Entry, error) {
	entries := make([]Entry, 0)
	err := tx.Scan(threadPrefix(threadID), func(key string, value []byte) error {
		var stored storedEntry
		if err := json.Unmarshal(value, &stored); err != nil {
			return fmt.Errorf("decode event %s: %w", key, err)
		}
		entry, err := l.decode(stored)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list events for thread %q: %w", threadID, err)
	}
	return entries, nil
}

// MarkRead marks the entry read. It reports whether the entry changed;
// marking an already read entry is a no-op and never un-reads it.
func (l *Log) MarkRead(tx storage.Writer, id EventID, at uint64) (bool, error) {
	stored, err := l.load(tx, id)
	if err != nil {
		return false, err
	}
	if stored.Read {
		return false, nil
	}
	if at == 0 {
		at = uint64(l.now().UnixMilli())
	}
	stored.Read = true
	stored.ReadAt = at
	if err := l.put(tx, stored); err != nil {
		return false, err
	}
	return true, nil
}

// MarkThreadRead marks every entry of threadID read and returns how many changed.
func (l *Log) MarkThreadRead(tx storage.Writer, threadID string, at uint64) (int, error) {
	unread := make([]storedEntry, 0)
	err := tx.Scan(threadPrefix(threadID), func(key string, value []byte) error {
		var stored storedEntry
		if err := json.Unmarshal(value, &stored); err != nil {
			return fmt.Errorf("decode event %s: %w", key, err)
		}
		if !stored.Read {
			unread = append(unread, stored)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mark thread %q read: %w", threadID, err)
	}

	if at == 0 {
		at = uint64(l.now().UnixMilli())
	}
	for _, stored := range unread {
		stored.Read = true
		stored.ReadAt = at
		if err := l.put(tx, stored); err != nil {
			return 0, err
		}
	}
	return len(unread), nil
}

// UnreadCount returns the number of unread entries of threadID.
func (l *Log) UnreadCount(tx storage.Reader, threadID string) (int, error) {
	count := 0
	err := tx.Scan(threadPrefix(threadID), func(key string, value []byte) error {
		var stored struct {
			Read bool `json:"read"`
		}
		if err := json.Unmarshal(value, &stored); err != nil {
			return fmt.Errorf("decode event %s: %w", key, err)
		}
		if !stored.Read {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count unread events for thread %q: %w", threadID, err)
	}
	return count, nil
}

func (l *Log) load(tx storage.Reader, id EventID) (storedEntry, error) {
	keyBytes, err := tx.Read(indexKeyPrefix + string(id))
	if err != nil {
		return storedEntry{}, fmt.Errorf("get event %s: %w", id, err)
	}
	value, err := tx.Read(string(keyBytes))
	if err != nil {
		return storedEntry{}, fmt.Errorf("get event %s: %w", id, err)
	}

	var stored storedEntry
	if err := json.Unmarshal(value, &stored); err != nil {
		return storedEntry{}, fmt.Errorf("decode event %s: %w", id, err)
	}
	return stored, nil
}

func (l *Log) put(tx storage.Writer, stored storedEntry) error {
	value, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", stored.ID, err)
	}
	if err := tx.Write(entryKey(stored.ThreadID, stored.Timestamp, stored.ID), value); err != nil {
		return fmt.Errorf("write event %s: %w", stored.ID, err)
	}
	return nil
}

// decode returns entries of types this build does not know with a nil
// Payload so that they render generically instead of hiding the thread.
func (l *Log) decode(stored storedEntry) (Entry, error) {
	var payload Payload
	if stored.MessageType.Valid() {
		decoded, err := DecodePayload(stored.MessageType, stored.UserInfo, l.logger)
		if err != nil {
			return Entry{}, fmt.Errorf("decode event %s: %w", stored.ID, err)
		}
		payload = decoded
	} else {
		l.logger.Debug("system event of unknown type",
			"event_id", string(stored.ID),
			"message_type", stored.MessageType.String())
	}
	return Entry{
		ID:                 stored.ID,
		ThreadID:           stored.ThreadID,
		Timestamp:          stored.Timestamp,
		Type:               stored.MessageType,
		Payload:            payload,
		CustomMessage:      stored.CustomMessage,
		IsFromLinkedDevice: stored.IsFromLinkedDevice,
		Read:               stored.Read,
		ReadAt:             stored.ReadAt,
	}, nil
}

// threadPrefix escapes threadID into a single key segment so that thread
// "a" never matches the entries of thread "a/b".
func threadPrefix(threadID string) string {
	return entryKeyPrefix + url.PathEscape(threadID) + "/"
}

func entryKey(threadID string, timestamp uint64, id EventID) string {
	return fmt.Sprintf("%s%020d/%s", threadPrefix(threadID), timestamp, url.PathEscape(string(id)))
}
