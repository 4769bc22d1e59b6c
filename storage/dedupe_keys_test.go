package storage

import (
	"context"
	"testing"
)

func TestSyncDedupeKeyOperations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	oldTimestamp := nowUnixMilli() - 10_000
	newTimestamp := nowUnixMilli()

	claim := func(key string, at int64) bool {
		t.Helper()
		var claimed bool
		if err := store.Update(ctx, func(tx *Tx) error {
			var err error
			claimed, err = tx.ClaimSyncKey(key, at)
			return err
		}); err != nil {
			t.Fatalf("ClaimSyncKey %q failed: %v", key, err)
		}
		return claimed
	}

	if !claim("1000/sent", oldTimestamp) {
		t.Fatalf("expected first claim to succeed")
	}
	if claim("1000/sent", newTimestamp) {
		t.Fatalf("expected duplicate claim to be refused")
	}
	if !claim("2000/read", newTimestamp) {
		t.Fatalf("expected distinct key claim to succeed")
	}

	seen, err := store.HasSyncKey("1000/sent")
	if err != nil {
		t.Fatalf("HasSyncKey failed: %v", err)
	}
	if !seen {
		t.Fatalf("expected 1000/sent to be claimed")
	}

	pruned, err := store.PruneSyncKeys(nowUnixMilli() - 5_000)
	if err != nil {
		t.Fatalf("PruneSyncKeys failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned sync key, got %d", pruned)
	}

	seenOld, err := store.HasSyncKey("1000/sent")
	if err != nil {
		t.Fatalf("HasSyncKey after prune failed: %v", err)
	}
	if seenOld {
		t.Fatalf("expected 1000/sent to be pruned")
	}
}

func TestClaimSyncKeyRolledBackWithTransaction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_ = store.Update(ctx, func(tx *Tx) error {
		if _, err := tx.ClaimSyncKey("3000/sent", 0); err != nil {
			t.Fatalf("ClaimSyncKey failed: %v", err)
		}
		return context.Canceled
	})

	seen, err := store.HasSyncKey("3000/sent")
	if err != nil {
		t.Fatalf("HasSyncKey failed: %v", err)
	}
	if seen {
		t.Fatalf("expected claim to roll back with its transaction")
	}
}
