package syncmsg

import (
	"fmt"
)

// DedupeLedger claims dedupe keys inside the caller's write transaction.
// A claim rolled back with its transaction is released.
type DedupeLedger interface {
	ClaimSyncKey(dedupeKey string, claimedAt int64) (bool, error)
}

// Claim reports whether payload is the first of its dedupe key. A nil
// payload is never claimed.
func Claim(ledger DedupeLedger, payload *Payload, claimedAt int64) (bool, error) {
	if payload == nil {
		return false, nil
	}
	if payload.DedupeKey == "" {
		payload.DedupeKey = DedupeKey(payload.Timestamp, payload.Kind)
	}
	claimed, err := ledger.ClaimSyncKey(payload.DedupeKey, claimedAt)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", payload.DedupeKey, err)
	}
	return claimed, nil
}
