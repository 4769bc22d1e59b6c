package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Tx is a SQLite-backed transaction implementing Reader and Writer.
type Tx struct {
	tx          *sqlx.Tx
	writable    bool
	afterCommit []func()
}

var (
	_ Reader = (*Tx)(nil)
	_ Writer = (*Tx)(nil)
)

type kvRow struct {
	Key   string `db:"key"`
	Value []byte `db:"value"`
}

// Read returns the value stored at key or ErrNotFound.
func (t *Tx) Read(key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("key is required")
	}

	var value []byte
	if err := t.tx.Get(&value, `SELECT value FROM kv WHERE key = ?`, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read key %q: %w", key, err)
	}
	return value, nil
}

// Scan calls fn for each key with the given prefix in ascending key order.
// Rows are fully read before fn runs, so fn may issue further reads or writes.
func (t *Tx) Scan(prefix string, fn func(key string, value []byte) error) error {
	var (
		rows []kvRow
		err  error
	)
	upper, bounded := prefixUpperBound(prefix)
	if bounded {
		err = t.tx.Select(&rows,
			`SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key ASC`,
			prefix, upper,
		)
	} else {
		err = t.tx.Select(&rows, `SELECT key, value FROM kv WHERE key >= ? ORDER BY key ASC`, prefix)
	}
	if err != nil {
		return fmt.Errorf("scan prefix %q: %w", prefix, err)
	}

	for _, row := range rows {
		if err := fn(row.Key, row.Value); err != nil {
			return err
		}
	}
	return nil
}

// Write stores value at key, replacing any previous value.
func (t *Tx) Write(key string, value []byte) error {
	if !t.writable {
		return ErrReadOnly
	}
	if key == "" {
		return errors.New("key is required")
	}

	_, err := t.tx.Exec(
		`INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key,
		value,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("write key %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (t *Tx) Delete(key string) error {
	if !t.writable {
		return ErrReadOnly
	}
	if _, err := t.tx.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete key %q: %w", key, err)
	}
	return nil
}

// AfterCommit registers fn to run after a successful commit.
func (t *Tx) AfterCommit(fn func()) {
	if fn == nil {
		return
	}
	t.afterCommit = append(t.afterCommit, fn)
}

// prefixUpperBound returns the smallest string greater than every string
// with the given prefix. Keys are compared with SQLite's BINARY collation.
func prefixUpperBound(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}
