package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"msgsync/delivery"
	"msgsync/models"
	"msgsync/storage"
)

const (
	messageKeyPrefix   = "message/"
	recipientKeyPrefix = "rcpt/"
	timestampKeyPrefix = "msgts/"
	expiryKeyPrefix    = "expiry/"
)

var errStopScan = errors.New("stop scan")

// storedMessage is the persisted message record. The embedded delivery
// fields are read for records written before per-recipient keys existed and
// are cleared on the next write.
type storedMessage struct {
	models.Message
	delivery.Persisted
	Recipients []models.Address `json:"recipientAddresses,omitempty"`
}

type timestampRef struct {
	Direction models.Direction `json:"direction"`
	Author    models.Address   `json:"author,omitempty"`
}

// escapeID keeps a unique ID to one key segment so that a prefix scan for
// one message never reaches the keys of another.
func escapeID(uniqueID string) string {
	return url.PathEscape(uniqueID)
}

func messageKey(uniqueID string) string {
	return messageKeyPrefix + escapeID(uniqueID)
}

func recipientPrefix(uniqueID string) string {
	return recipientKeyPrefix + escapeID(uniqueID) + "/"
}

func recipientKey(uniqueID string, index int) string {
	return fmt.Sprintf("%s%06d", recipientPrefix(uniqueID), index)
}

func timestampPrefix(timestamp uint64) string {
	return fmt.Sprintf("%s%020d/", timestampKeyPrefix, timestamp)
}

func timestampKey(timestamp uint64, uniqueID string) string {
	return timestampPrefix(timestamp) + escapeID(uniqueID)
}

func expiryKey(expiresAt uint64, uniqueID string) string {
	return fmt.Sprintf("%s%020d/%s", expiryKeyPrefix, expiresAt, escapeID(uniqueID))
}

func parseExpiryKey(key string) (uint64, string, error) {
	rest := strings.TrimPrefix(key, expiryKeyPrefix)
	at, escaped, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, "", fmt.Errorf("malformed expiry key %q", key)
	}
	expiresAt, err := strconv.ParseUint(at, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed expiry key %q: %w", key, err)
	}
	uniqueID, err := url.PathUnescape(escaped)
	if err != nil {
		return 0, "", fmt.Errorf("malformed expiry key %q: %w", key, err)
	}
	return expiresAt, uniqueID, nil
}

func readMessage(tx storage.Reader, uniqueID string) (*storedMessage, error) {
	raw, err := tx.Read(messageKey(uniqueID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("message %s: %w", uniqueID, ErrMessageNotFound)
		}
		return nil, fmt.Errorf("read message %s: %w", uniqueID, err)
	}
	var stored storedMessage
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", uniqueID, err)
	}
	return &stored, nil
}

func writeMessage(tx storage.Writer, stored *storedMessage) error {
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", stored.UniqueID, err)
	}
	if err := tx.Write(messageKey(stored.UniqueID), raw); err != nil {
		return fmt.Errorf("write message %s: %w", stored.UniqueID, err)
	}
	return nil
}

func writeRecord(tx storage.Writer, uniqueID string, index int, rec delivery.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s/%s: %w", uniqueID, rec.Recipient, err)
	}
	if err := tx.Write(recipientKey(uniqueID, index), raw); err != nil {
		return fmt.Errorf("write record %s/%s: %w", uniqueID, rec.Recipient, err)
	}
	return nil
}

func readRecords(tx storage.Reader, uniqueID string) ([]delivery.Record, error) {
	records := make([]delivery.Record, 0)
	err := tx.Scan(recipientPrefix(uniqueID), func(key string, value []byte) error {
		var rec delivery.Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode record %s: %w", key, err)
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// findByTimestamp returns the unique ID of the message sent at timestamp
// that matches direction and, for incoming messages, author.
func findByTimestamp(tx storage.Reader, timestamp uint64, direction models.Direction, author models.Address) (string, error) {
	prefix := timestampPrefix(timestamp)
	var found string
	err := tx.Scan(prefix, func(key string, value []byte) error {
		var ref timestampRef
		if err := json.Unmarshal(value, &ref); err != nil {
			return fmt.Errorf("decode timestamp index %s: %w", key, err)
		}
		if ref.Direction != direction {
			return nil
		}
		if direction == models.DirectionIncoming && !author.IsZero() && ref.Author != author {
			return nil
		}
		uniqueID, err := url.PathUnescape(strings.TrimPrefix(key, prefix))
		if err != nil {
			return fmt.Errorf("decode timestamp index %s: %w", key, err)
		}
		found = uniqueID
		return errStopScan
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return "", fmt.Errorf("find message at %d: %w", timestamp, err)
	}
	if found == "" {
		return "", fmt.Errorf("%s message at %d: %w", direction, timestamp, ErrMessageNotFound)
	}
	return found, nil
}
