package expiry

import (
	"time"

	"msgsync/delivery"
	"msgsync/models"
)

// Decision is the result of one policy evaluation.
type Decision uint8

const (
	// DecisionNotEligible means the message never disappears or was created
	// while disappearing messages were off.
	DecisionNotEligible Decision = iota
	// DecisionNotTriggered means the message is eligible but its trigger
	// milestone has not happened.
	DecisionNotTriggered
	// DecisionArmed means the timer was started by this evaluation.
	DecisionArmed
	// DecisionAlreadyArmed means the timer was started earlier and is left untouched.
	DecisionAlreadyArmed
)

func (d Decision) String() string {
	switch d {
	case DecisionNotEligible:
		return "not-eligible"
	case DecisionNotTriggered:
		return "not-triggered"
	case DecisionArmed:
		return "armed"
	case DecisionAlreadyArmed:
		return "already-armed"
	default:
		return "unknown"
	}
}

// Policy decides when a disappearing message's expiration timer starts.
//
// Outgoing messages arm once any non-skipped recipient reaches Sent.
// Incoming messages arm when read or viewed locally. Once expireStartedAt is
// set it never changes.
type Policy struct {
	now func() time.Time
}

// Option configures a Policy.
type Option func(*Policy)

// WithClock overrides the clock used when an arming timestamp is missing.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPolicy returns a Policy using the wall clock.
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ShouldStartExpireTimer is the value persisted as storedShouldStartExpireTimer
// when a message is created under token.
func (p *Policy) ShouldStartExpireTimer(token Token) bool {
	return token.active()
}

// Evaluate applies one delivery transition of an outgoing message.
func (p *Policy) Evaluate(msg *models.Message, t delivery.Transition) Decision {
	if d, done := p.precheck(msg, models.DirectionOutgoing); done {
		return d
	}
	if !t.Crossed(delivery.StateSent) {
		return DecisionNotTriggered
	}
	p.arm(msg, t.At)
	return DecisionArmed
}

// EvaluateLocalRead applies a local read or view of an incoming message.
func (p *Policy) EvaluateLocalRead(msg *models.Message, at uint64) Decision {
	if d, done := p.precheck(msg, models.DirectionIncoming); done {
		return d
	}
	p.arm(msg, at)
	return DecisionArmed
}

// Reconcile arms an outgoing message whose trigger already holds in records,
// for messages loaded after the triggering transition was missed.
func (p *Policy) Reconcile(msg *models.Message, records []delivery.Record, at uint64) Decision {
	if d, done := p.precheck(msg, models.DirectionOutgoing); done {
		return d
	}
	for _, rec := range records {
		if rec.Reached(delivery.StateSent) {
			p.arm(msg, at)
			return DecisionArmed
		}
	}
	return DecisionNotTriggered
}

// Expired reports whether an armed message has passed its expiration at nowMillis.
func (p *Policy) Expired(msg *models.Message, nowMillis uint64) bool {
	return msg.IsExpirationArmed() && msg.ExpiresAt > 0 && msg.ExpiresAt <= nowMillis
}

func (p *Policy) precheck(msg *models.Message, direction models.Direction) (Decision, bool) {
	if msg == nil || !msg.HasExpiration() || !msg.StoredShouldStartExpireTimer {
		return DecisionNotEligible, true
	}
	if msg.IsExpirationArmed() {
		return DecisionAlreadyArmed, true
	}
	if msg.Direction != direction {
		return DecisionNotTriggered, true
	}
	return 0, false
}

func (p *Policy) arm(msg *models.Message, at uint64) {
	if at == 0 {
		at = uint64(p.now().UnixMilli())
	}
	msg.ExpireStartedAt = at
	msg.ExpiresAt = at + uint64(msg.ExpiresInSeconds)*1000
}
