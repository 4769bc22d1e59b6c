package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrReadOnly indicates a write attempted inside a read-only transaction.
	ErrReadOnly = errors.New("storage: transaction is read-only")
)

// Reader is the read side of a storage transaction handed to the core.
// The core never opens transactions; it only participates in them.
type Reader interface {
	// Read returns the value stored at key or ErrNotFound.
	Read(key string) ([]byte, error)
	// Scan calls fn for each key with the given prefix in ascending key order.
	Scan(prefix string, fn func(key string, value []byte) error) error
}

// Writer is the read-write side of a storage transaction.
type Writer interface {
	Reader
	Write(key string, value []byte) error
	Delete(key string) error
	// AfterCommit registers fn to run after the enclosing transaction commits.
	// It never runs for a rolled back transaction.
	AfterCommit(fn func())
}

const (
	// DispatchStatusSent records a payload handed to the transport for one device.
	DispatchStatusSent = "sent"
	// DispatchStatusFailed records a per-device send failure left for transport retry.
	DispatchStatusFailed = "failed"
	// DispatchStatusCancelled records a payload dropped because its message was recalled.
	DispatchStatusCancelled = "cancelled"
)

// DispatchLogEntry stores one per-device sync delivery attempt outcome.
type DispatchLogEntry struct {
	ID            int64  `db:"id"`
	PayloadDigest string `db:"payload_digest"`
	DedupeKey     string `db:"dedupe_key"`
	PayloadKind   string `db:"payload_kind"`
	DeviceID      string `db:"device_id"`
	Status        string `db:"status"`
	Error         string `db:"error"`
	Timestamp     int64  `db:"timestamp"`
}

// DispatchLogFilter narrows GetDispatchLog query results.
type DispatchLogFilter struct {
	DeviceID      string
	Status        string
	DedupeKey     string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

// LinkedDevice is the SQLite representation of another device on the local account.
type LinkedDevice struct {
	DeviceID          string `db:"device_id"`
	DeviceName        string `db:"device_name"`
	AccountAddress    string `db:"account_address"`
	Addresses         string `db:"addresses"`
	Port              int    `db:"port"`
	PublicKey         string `db:"public_key"`
	AddedTimestamp    int64  `db:"added_timestamp"`
	LastSeenTimestamp int64  `db:"last_seen_timestamp"`
}

func validateDispatchStatus(status string) error {
	switch status {
	case DispatchStatusSent, DispatchStatusFailed, DispatchStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid dispatch status %q", status)
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
