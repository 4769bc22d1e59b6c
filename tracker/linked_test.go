package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgsync/delivery"
	"msgsync/expiry"
	"msgsync/models"
	"msgsync/storage"
	"msgsync/syncmsg"
)

func TestApplyLinkedSyncIncomingReadDoesNotRebroadcast(t *testing.T) {
	h := newHarness(t)
	msg, err := models.NewMessage(models.MessageParams{
		ThreadID:  "thread-3",
		Timestamp: 77,
		Direction: models.DirectionIncoming,
		Author:    bob,
	})
	require.NoError(t, err)
	h.update(t, func(tx *storage.Tx) error {
		return h.tracker.RecordIncoming(tx, msg, expiry.NewToken(5))
	})

	batch := &syncmsg.Payload{
		Kind:      syncmsg.KindReadReceipts,
		Timestamp: 77,
		Receipts:  []syncmsg.Receipt{{Address: bob, MessageTimestamp: 77, At: 500}},
		DedupeKey: syncmsg.DedupeKey(77, syncmsg.KindReadReceipts),
	}
	h.update(t, func(tx *storage.Tx) error {
		n, err := h.tracker.ApplyLinkedSync(tx, batch)
		assert.Equal(t, 1, n)
		return err
	})
	assert.Empty(t, h.sink.payloads)

	h.update(t, func(tx *storage.Tx) error {
		uniqueID, err := findByTimestamp(tx, 77, models.DirectionIncoming, bob)
		require.NoError(t, err)
		loaded, _, err := h.tracker.Load(tx, uniqueID)
		require.NoError(t, err)
		assert.Equal(t, uint64(500), loaded.ExpireStartedAt)
		assert.Equal(t, uint64(5500), loaded.ExpiresAt)
		return nil
	})
}

func TestApplyLinkedSyncOutgoingReceipts(t *testing.T) {
	h := newHarness(t)
	h.update(t, func(tx *storage.Tx) error {
		return h.tracker.CreateOutgoing(tx, Outgoing{Message: outgoing(t, 55), Recipients: []models.Address{alice, bob}})
	})
	h.update(t, func(tx *storage.Tx) error {
		_, err := h.tracker.ApplyReceipt(tx, 55, alice, delivery.StateSent, 10)
		return err
	})
	require.Equal(t, []syncmsg.Kind{syncmsg.KindSentTranscript}, h.sink.kinds())

	batch := &syncmsg.Payload{
		Kind:            syncmsg.KindReadReceipts,
		Timestamp:       55,
		RecipientStates: []delivery.Record{{Recipient: alice, State: delivery.StateRead}},
		Receipts: []syncmsg.Receipt{
			{Address: alice, MessageTimestamp: 55, At: 90},
			{Address: carol, MessageTimestamp: 55, At: 91},
			{Address: alice, MessageTimestamp: 999, At: 92},
		},
	}
	h.update(t, func(tx *storage.Tx) error {
		n, err := h.tracker.ApplyLinkedSync(tx, batch)
		assert.Equal(t, 1, n)
		return err
	})

	assert.Equal(t, []syncmsg.Kind{syncmsg.KindSentTranscript}, h.sink.kinds())
	h.update(t, func(tx *storage.Tx) error {
		uniqueID, err := findByTimestamp(tx, 55, models.DirectionOutgoing, "")
		require.NoError(t, err)
		_, records, err := h.tracker.Load(tx, uniqueID)
		require.NoError(t, err)
		rec, ok := records.Record(alice)
		require.True(t, ok)
		assert.Equal(t, delivery.StateRead, rec.State)
		return nil
	})
}

func TestApplyLinkedSyncIgnoresOtherKinds(t *testing.T) {
	h := newHarness(t)
	h.update(t, func(tx *storage.Tx) error {
		n, err := h.tracker.ApplyLinkedSync(tx, &syncmsg.Payload{Kind: syncmsg.KindSentTranscript, Timestamp: 1})
		assert.Zero(t, n)
		return err
	})
	assert.Empty(t, h.sink.payloads)
}
