package delivery

import "fmt"

// LegacyState is the single message-wide state persisted before
// per-recipient tracking existed. It is decoded but never written.
type LegacyState int

const (
	LegacySending LegacyState = iota
	LegacyFailed
	LegacySentObsolete
	LegacyDeliveredObsolete
	LegacySent
	LegacyPending
)

func (l LegacyState) String() string {
	switch l {
	case LegacySending:
		return "sending"
	case LegacyFailed:
		return "failed"
	case LegacySentObsolete:
		return "sent_obsolete"
	case LegacyDeliveredObsolete:
		return "delivered_obsolete"
	case LegacySent:
		return "sent"
	case LegacyPending:
		return "pending"
	default:
		return fmt.Sprintf("legacy(%d)", int(l))
	}
}

// State maps the legacy value onto the per-recipient state machine.
// wasDelivered upgrades a sent legacy state to Delivered.
func (l LegacyState) State(wasDelivered bool) (State, error) {
	switch l {
	case LegacySending, LegacyPending:
		return StateSending, nil
	case LegacyFailed:
		return StateFailed, nil
	case LegacySentObsolete, LegacySent:
		if wasDelivered {
			return StateDelivered, nil
		}
		return StateSent, nil
	case LegacyDeliveredObsolete:
		return StateDelivered, nil
	default:
		return 0, fmt.Errorf("delivery: unknown legacy state %d", int(l))
	}
}
