package expiry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgsync/delivery"
	"msgsync/models"
)

var recipient = models.MustParseAddress("+15550199")

func fixedClock(ms int64) Option {
	return WithClock(func() time.Time { return time.UnixMilli(ms) })
}

func disappearing(direction models.Direction, seconds uint32, eligible bool) *models.Message {
	return &models.Message{
		UniqueID:                     "m1",
		ThreadID:                     "t1",
		Timestamp:                    1000,
		Direction:                    direction,
		ExpiresInSeconds:             seconds,
		StoredShouldStartExpireTimer: eligible,
	}
}

func TestTokenBasics(t *testing.T) {
	assert.Equal(t, DisabledToken(), NewToken(0))
	assert.True(t, NewToken(30).IsEnabled)
	assert.True(t, DisabledToken().Equal(Token{IsEnabled: false, DurationSeconds: 60}))
	assert.False(t, NewToken(30).Equal(NewToken(60)))
	assert.True(t, NewToken(30).Equal(Token{IsEnabled: true, DurationSeconds: 30}))

	cases := map[uint32]string{
		1:      "1 second",
		30:     "30 seconds",
		300:    "5 minutes",
		5400:   "1 hour 30 minutes",
		86400:  "1 day",
		604800: "1 week",
	}
	for secs, want := range cases {
		assert.Equal(t, want, NewToken(secs).DurationText(), "duration %d", secs)
	}
	assert.Equal(t, "off", DisabledToken().DurationText())
}

func TestShouldStartExpireTimer(t *testing.T) {
	p := NewPolicy()
	assert.True(t, p.ShouldStartExpireTimer(NewToken(60)))
	assert.False(t, p.ShouldStartExpireTimer(DisabledToken()))
	assert.False(t, p.ShouldStartExpireTimer(Token{IsEnabled: true}))
}

func TestEvaluateArmsOnFirstSent(t *testing.T) {
	p := NewPolicy(fixedClock(9999))
	msg := disappearing(models.DirectionOutgoing, 60, true)

	d := p.Evaluate(msg, delivery.Transition{Recipient: recipient, From: delivery.StateSending, To: delivery.StateFailed})
	assert.Equal(t, DecisionNotTriggered, d)
	assert.False(t, msg.IsExpirationArmed())

	d = p.Evaluate(msg, delivery.Transition{Recipient: recipient, From: delivery.StateSending, To: delivery.StateSent, At: 5000})
	require.Equal(t, DecisionArmed, d)
	assert.Equal(t, uint64(5000), msg.ExpireStartedAt)
	assert.Equal(t, uint64(65000), msg.ExpiresAt)
}

func TestArmingIsImmutable(t *testing.T) {
	p := NewPolicy(fixedClock(9999))
	msg := disappearing(models.DirectionOutgoing, 10, true)

	require.Equal(t, DecisionArmed, p.Evaluate(msg, delivery.Transition{From: delivery.StateSending, To: delivery.StateDelivered, At: 100}))
	startedAt, expiresAt := msg.ExpireStartedAt, msg.ExpiresAt

	for _, to := range []delivery.State{delivery.StateSent, delivery.StateRead, delivery.StateViewed} {
		assert.Equal(t, DecisionAlreadyArmed, p.Evaluate(msg, delivery.Transition{From: delivery.StateSending, To: to, At: 500}))
	}
	assert.Equal(t, DecisionAlreadyArmed, p.Reconcile(msg, []delivery.Record{{Recipient: recipient, State: delivery.StateRead}}, 700))

	assert.Equal(t, startedAt, msg.ExpireStartedAt)
	assert.Equal(t, expiresAt, msg.ExpiresAt)
}

func TestNotEligibleWhenDisabledAtCreation(t *testing.T) {
	p := NewPolicy()

	msg := disappearing(models.DirectionOutgoing, 60, false)
	assert.Equal(t, DecisionNotEligible, p.Evaluate(msg, delivery.Transition{From: delivery.StateSending, To: delivery.StateSent, At: 1}))
	assert.False(t, msg.IsExpirationArmed())

	msg = disappearing(models.DirectionOutgoing, 0, true)
	assert.Equal(t, DecisionNotEligible, p.Evaluate(msg, delivery.Transition{From: delivery.StateSending, To: delivery.StateSent, At: 1}))
}

func TestEvaluateLocalRead(t *testing.T) {
	p := NewPolicy(fixedClock(42000))

	outgoing := disappearing(models.DirectionOutgoing, 5, true)
	assert.Equal(t, DecisionNotTriggered, p.EvaluateLocalRead(outgoing, 10))

	incoming := disappearing(models.DirectionIncoming, 5, true)
	require.Equal(t, DecisionArmed, p.EvaluateLocalRead(incoming, 0))
	assert.Equal(t, uint64(42000), incoming.ExpireStartedAt, "missing timestamp falls back to the clock")
	assert.Equal(t, uint64(47000), incoming.ExpiresAt)
	assert.Equal(t, DecisionAlreadyArmed, p.EvaluateLocalRead(incoming, 50000))
}

func TestReconcileRetroactiveArming(t *testing.T) {
	p := NewPolicy()
	msg := disappearing(models.DirectionOutgoing, 60, true)

	records := []delivery.Record{
		{Recipient: recipient, State: delivery.StateSkipped, IsSkipped: true},
	}
	assert.Equal(t, DecisionNotTriggered, p.Reconcile(msg, records, 100))

	records = append(records, delivery.Record{Recipient: models.MustParseAddress("+15550198"), State: delivery.StateDelivered})
	assert.Equal(t, DecisionArmed, p.Reconcile(msg, records, 100))
	assert.Equal(t, uint64(100), msg.ExpireStartedAt)
}

func TestExpired(t *testing.T) {
	p := NewPolicy()
	msg := disappearing(models.DirectionIncoming, 1, true)
	assert.False(t, p.Expired(msg, 1<<40))

	p.EvaluateLocalRead(msg, 1000)
	assert.False(t, p.Expired(msg, 1999))
	assert.True(t, p.Expired(msg, 2000))
}
