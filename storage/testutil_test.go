package storage

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustWrite(t *testing.T, store *Store, key, value string) {
	t.Helper()

	err := store.Update(context.Background(), func(tx *Tx) error {
		return tx.Write(key, []byte(value))
	})
	if err != nil {
		t.Fatalf("write %q: %v", key, err)
	}
}
