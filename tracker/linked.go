package tracker

import (
	"errors"
	"fmt"

	"msgsync/delivery"
	"msgsync/storage"
	"msgsync/syncmsg"
)

// ApplyLinkedSync applies a receipt batch received from another device of
// the local account and returns the number of receipts matched to a stored
// message.
//
// The batch's dedupe key is claimed before anything is applied, so this
// device never rebroadcasts the same logical payload. Other kinds are
// accepted and ignored.
func (t *Tracker) ApplyLinkedSync(tx storage.Writer, payload *syncmsg.Payload) (int, error) {
	if payload == nil {
		return 0, nil
	}
	var milestone delivery.State
	switch payload.Kind {
	case syncmsg.KindReadReceipts:
		milestone = delivery.StateRead
	case syncmsg.KindViewedReceipts:
		milestone = delivery.StateViewed
	default:
		t.logger.Debug("linked sync kind not applied", "kind", payload.Kind, "dedupe_key", payload.DedupeKey)
		return 0, nil
	}

	ledger, ok := tx.(syncmsg.DedupeLedger)
	if !ok {
		return 0, errors.New("apply linked sync: transaction cannot claim dedupe keys")
	}
	if _, err := syncmsg.Claim(ledger, payload, t.now().UnixMilli()); err != nil {
		return 0, err
	}

	// Outgoing batches carry the recipient snapshot; incoming ones never do.
	outgoing := len(payload.RecipientStates) > 0
	applied := 0
	for _, receipt := range payload.Receipts {
		if outgoing {
			outcome, err := t.ApplyReceipt(tx, receipt.MessageTimestamp, receipt.Address, milestone, receipt.At)
			if errors.Is(err, ErrMessageNotFound) || errors.Is(err, delivery.ErrUnknownRecipient) {
				t.logger.Debug("linked receipt for unknown message", "timestamp", receipt.MessageTimestamp, "recipient", receipt.Address)
				continue
			}
			if err != nil {
				return applied, fmt.Errorf("apply linked receipt: %w", err)
			}
			t.logger.Debug("linked receipt applied", "timestamp", receipt.MessageTimestamp, "outcome", outcome)
			applied++
			continue
		}

		decision, err := t.markLocally(tx, receipt.MessageTimestamp, receipt.Address, receipt.At, payload.Kind)
		if errors.Is(err, ErrMessageNotFound) {
			t.logger.Debug("linked receipt for unknown message", "timestamp", receipt.MessageTimestamp, "author", receipt.Address)
			continue
		}
		if err != nil {
			return applied, fmt.Errorf("apply linked receipt: %w", err)
		}
		t.logger.Debug("linked local read applied", "timestamp", receipt.MessageTimestamp, "expiry", decision)
		applied++
	}
	return applied, nil
}
