package render

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgsync/delivery"
	"msgsync/expiry"
	"msgsync/models"
	"msgsync/storage"
	"msgsync/sysevent"
)

var (
	local = models.MustParseAddress("+15550100")
	ada   = models.MustParseAddress("+15550111")
	grace = models.MustParseAddress("+15550112")
)

func withTx(t *testing.T, fn func(tx *storage.Tx)) {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	err = store.Update(context.Background(), func(tx *storage.Tx) error {
		require.NoError(t, PutContact(tx, Contact{Address: ada, DisplayName: "Ada"}))
		fn(tx)
		return nil
	})
	require.NoError(t, err)
}

func TestGroupCreatedWithOnlyNewModel(t *testing.T) {
	withTx(t, func(tx *storage.Tx) {
		r := New(local)
		entry := sysevent.Entry{
			Type:    sysevent.TypeGroupUpdate,
			Payload: sysevent.GroupUpdate{New: &models.GroupModel{GroupID: "g", Title: "Crag"}},
		}
		assert.Equal(t, `Group "Crag" created.`, r.EventText(tx, entry))

		entry.Payload = sysevent.GroupUpdate{New: &models.GroupModel{GroupID: "g"}, Source: ada}
		assert.Equal(t, "Ada created the group.", r.EventText(tx, entry))
	})
}

func TestGroupUpdateDiff(t *testing.T) {
	withTx(t, func(tx *storage.Tx) {
		r := New(local)
		entry := sysevent.Entry{
			Type: sysevent.TypeGroupUpdate,
			Payload: sysevent.GroupUpdate{
				Old:    &models.GroupModel{GroupID: "g", Title: "Old", Members: []models.Address{local, grace}},
				New:    &models.GroupModel{GroupID: "g", Title: "New", Members: []models.Address{local, ada}},
				Source: local,
			},
		}
		assert.Equal(t,
			`You updated the group. Title is now "New". Ada joined the group. +15550112 left the group.`,
			r.EventText(tx, entry))

		entry.Payload = sysevent.GroupUpdate{}
		assert.Equal(t, "Group updated.", r.EventText(tx, entry))
	})
}

func TestEventTextFallbacks(t *testing.T) {
	withTx(t, func(tx *storage.Tx) {
		r := New(local)
		verified := sysevent.VerificationVerified
		disabled := expiry.DisabledToken()
		fiveMinutes := expiry.NewToken(300)

		cases := []struct {
			payload sysevent.Payload
			want    string
		}{
			{sysevent.SessionEnded{}, "Secure session was reset."},
			{sysevent.UserUnregistered{}, "A contact is no longer registered."},
			{sysevent.UserUnregistered{Address: ada}, "Ada is no longer registered."},
			{sysevent.GroupQuit{Source: grace}, "+15550112 left the group."},
			{sysevent.DisappearingMessagesUpdate{}, "Disappearing message settings changed."},
			{sysevent.DisappearingMessagesUpdate{New: &fiveMinutes, Source: ada}, "Ada set disappearing message time to 5 minutes."},
			{sysevent.DisappearingMessagesUpdate{New: &disabled}, "A member disabled disappearing messages."},
			{sysevent.VerificationStateChange{Address: ada}, "Verification state changed."},
			{sysevent.VerificationStateChange{Address: ada, State: &verified, IsLocalChange: true}, "You marked Ada as verified."},
			{sysevent.VerificationStateChange{Address: ada, State: &verified}, "You marked Ada as verified from another device."},
			{sysevent.UnknownProtocolVersion{}, "Received a message from a newer version."},
			{sysevent.UnsupportedMessage{}, "Received a message that this version cannot display."},
		}
		for _, tc := range cases {
			entry := sysevent.Entry{Type: tc.payload.MessageType(), Payload: tc.payload}
			assert.Equal(t, tc.want, r.EventText(tx, entry))
		}

		assert.Equal(t, "custom", r.EventText(tx, sysevent.Entry{CustomMessage: "custom", Payload: sysevent.SessionEnded{}}))
		assert.Equal(t, "Group updated.", r.EventText(tx, sysevent.Entry{Type: sysevent.TypeGroupUpdate}))
		assert.Equal(t, "Conversation updated.", r.EventText(tx, sysevent.Entry{Type: sysevent.MessageType(13)}))
	})
}

func TestDisplayNameReadThroughTransaction(t *testing.T) {
	withTx(t, func(tx *storage.Tx) {
		r := New(local)
		rec := delivery.Record{Recipient: grace, State: delivery.StateRead}
		assert.Equal(t, "Read by +15550112", r.RecordText(tx, rec))

		require.NoError(t, PutContact(tx, Contact{Address: grace, DisplayName: "Grace"}))
		assert.Equal(t, "Read by Grace", r.RecordText(tx, rec), "renamed contacts are never cached")

		code := 404
		assert.Equal(t, "Failed to send to Ada (error 404)",
			r.RecordText(tx, delivery.Record{Recipient: ada, State: delivery.StateFailed, ErrorCode: &code}))
	})
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "Partially failed", StatusText(delivery.StatusPartiallyFailed))
	assert.Equal(t, "Sending", StatusText(delivery.StatusPending))
	assert.Equal(t, "Viewed", StatusText(delivery.StatusViewed))
}
