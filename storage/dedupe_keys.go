package storage

import (
	"errors"
	"fmt"
)

// ClaimSyncKey records a sync deduplication key inside the transaction.
// It returns false when the key was already claimed.
func (t *Tx) ClaimSyncKey(dedupeKey string, claimedAt int64) (bool, error) {
	if !t.writable {
		return false, ErrReadOnly
	}
	if dedupeKey == "" {
		return false, errors.New("dedupe_key is required")
	}
	if claimedAt == 0 {
		claimedAt = nowUnixMilli()
	}

	res, err := t.tx.Exec(
		`INSERT INTO sync_dedupe_keys (dedupe_key, claimed_at)
		VALUES (?, ?)
		ON CONFLICT(dedupe_key) DO NOTHING`,
		dedupeKey,
		claimedAt,
	)
	if err != nil {
		return false, fmt.Errorf("claim sync key %q: %w", dedupeKey, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for sync key claim %q: %w", dedupeKey, err)
	}

	return rowsAffected == 1, nil
}

// HasSyncKey returns true if a sync deduplication key has already been claimed.
func (s *Store) HasSyncKey(dedupeKey string) (bool, error) {
	if dedupeKey == "" {
		return false, errors.New("dedupe_key is required")
	}

	var exists int
	if err := s.db.Get(
		&exists,
		`SELECT EXISTS(SELECT 1 FROM sync_dedupe_keys WHERE dedupe_key = ?)`,
		dedupeKey,
	); err != nil {
		return false, fmt.Errorf("check sync key %q: %w", dedupeKey, err)
	}

	return exists == 1, nil
}

// PruneSyncKeys removes sync_dedupe_keys rows claimed before cutoffTimestamp.
func (s *Store) PruneSyncKeys(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM sync_dedupe_keys WHERE claimed_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune sync keys: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for sync key prune: %w", err)
	}

	return rowsAffected, nil
}
