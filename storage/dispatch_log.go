package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetDispatchLogRetention configures the automatic dispatch-log pruning horizon.
func (s *Store) SetDispatchLogRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultDispatchLogRetention
	}
	s.dispatchLogRetention = retention
}

// LogDispatch inserts one per-device dispatch outcome and applies retention pruning.
func (s *Store) LogDispatch(entry DispatchLogEntry) error {
	if strings.TrimSpace(entry.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if entry.PayloadDigest == "" {
		return errors.New("payload_digest is required")
	}
	if entry.DedupeKey == "" {
		return errors.New("dedupe_key is required")
	}
	if entry.PayloadKind == "" {
		return errors.New("payload_kind is required")
	}
	if err := validateDispatchStatus(entry.Status); err != nil {
		return err
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = nowUnixMilli()
	}

	_, err := s.db.NamedExec(
		`INSERT INTO dispatch_log (
			payload_digest,
			dedupe_key,
			payload_kind,
			device_id,
			status,
			error,
			timestamp
		) VALUES (:payload_digest, :dedupe_key, :payload_kind, :device_id, :status, :error, :timestamp)`,
		entry,
	)
	if err != nil {
		return fmt.Errorf("insert dispatch log entry for device %q: %w", entry.DeviceID, err)
	}

	if s.dispatchLogRetention > 0 {
		cutoff := time.Now().Add(-s.dispatchLogRetention).UnixMilli()
		if _, err := s.PruneDispatchLog(cutoff); err != nil {
			return fmt.Errorf("prune dispatch log: %w", err)
		}
	}

	return nil
}

// GetDispatchLog returns recent dispatch outcomes with optional filtering.
func (s *Store) GetDispatchLog(filter DispatchLogFilter) ([]DispatchLogEntry, error) {
	if filter.Status != "" {
		if err := validateDispatchStatus(filter.Status); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		payload_digest,
		dedupe_key,
		payload_kind,
		device_id,
		status,
		error,
		timestamp
	FROM dispatch_log`)

	where := make([]string, 0, 5)
	args := make([]any, 0, 7)

	if filter.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.DedupeKey != "" {
		where = append(where, "dedupe_key = ?")
		args = append(args, filter.DedupeKey)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	entries := make([]DispatchLogEntry, 0)
	if err := s.db.Select(&entries, query.String(), args...); err != nil {
		return nil, fmt.Errorf("get dispatch log: %w", err)
	}

	return entries, nil
}

// PruneDispatchLog removes dispatch log rows older than cutoffTimestamp.
func (s *Store) PruneDispatchLog(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM dispatch_log WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune dispatch log: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for dispatch log prune: %w", err)
	}

	return rowsAffected, nil
}
