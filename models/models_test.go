package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddressNormalizes(t *testing.T) {
	addr, err := ParseAddress("  6BA7B810-9DAD-11D1-80B4-00C04FD430C8 ")
	require.NoError(t, err)
	assert.Equal(t, Address("6ba7b810-9dad-11d1-80b4-00c04fd430c8"), addr)

	phone, err := ParseAddress("+15550100")
	require.NoError(t, err)
	assert.Equal(t, Address("+15550100"), phone)

	for _, raw := range []string{"", "alice", "+12", "+1555abc0100"} {
		_, err := ParseAddress(raw)
		assert.True(t, errors.Is(err, ErrInvalidAddress), "expected ErrInvalidAddress for %q", raw)
	}
}

func TestAddressDecodingNormalizes(t *testing.T) {
	var decoded struct {
		Recipient Address   `json:"recipient"`
		Members   []Address `json:"members"`
		Author    Address   `json:"author"`
	}
	raw := `{"recipient":"6BA7B810-9DAD-11D1-80B4-00C04FD430C8","members":[" +15550100"],"author":""}`
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	assert.Equal(t, Address("6ba7b810-9dad-11d1-80b4-00c04fd430c8"), decoded.Recipient)
	assert.Equal(t, []Address{"+15550100"}, decoded.Members)
	assert.True(t, decoded.Author.IsZero())

	err := json.Unmarshal([]byte(`{"recipient":"alice"}`), &decoded)
	assert.True(t, errors.Is(err, ErrInvalidAddress))
}

func TestNewMessageValidates(t *testing.T) {
	_, err := NewMessage(MessageParams{Timestamp: 1, Direction: DirectionOutgoing})
	require.Error(t, err, "thread ID is required")

	_, err = NewMessage(MessageParams{ThreadID: "t", Timestamp: 1, Direction: DirectionIncoming})
	require.Error(t, err, "incoming messages need an author")

	_, err = NewMessage(MessageParams{ThreadID: "t", Timestamp: 1, Direction: DirectionOutgoing, IsViewOnce: true})
	require.Error(t, err, "view-once requires an attachment")

	msg, err := NewMessage(MessageParams{
		ThreadID:         "thread-1",
		Timestamp:        1_700_000_000_000,
		Direction:        DirectionOutgoing,
		Body:             "hello",
		ExpiresInSeconds: 30,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.UniqueID)
	assert.NotZero(t, msg.ReceivedAtTimestamp)
	assert.True(t, msg.IsOutgoing())
	assert.True(t, msg.HasExpiration())
	assert.False(t, msg.IsExpirationArmed())
}
