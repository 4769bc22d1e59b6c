package delivery

import (
	"fmt"
)

// State is the delivery state of one recipient of one message.
//
// Sending through Viewed form the ordered milestone chain. Failed and
// Skipped sit outside the chain.
type State uint8

const (
	StateSending State = iota
	StateSent
	StateDelivered
	StateRead
	StateViewed
	StateFailed
	StateSkipped
)

var stateNames = [...]string{
	StateSending:   "sending",
	StateSent:      "sent",
	StateDelivered: "delivered",
	StateRead:      "read",
	StateViewed:    "viewed",
	StateFailed:    "failed",
	StateSkipped:   "skipped",
}

// ParseState parses the text form produced by State.String.
func ParseState(s string) (State, error) {
	for i, name := range stateNames {
		if name == s {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("delivery: unknown state %q", s)
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// IsMilestone reports whether s is an acknowledgment checkpoint
// (Sent, Delivered, Read or Viewed).
func (s State) IsMilestone() bool {
	return s >= StateSent && s <= StateViewed
}

// onChain reports whether s is part of the ordered Sending..Viewed chain.
func (s State) onChain() bool {
	return s <= StateViewed
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if int(s) >= len(stateNames) {
		return nil, fmt.Errorf("delivery: cannot marshal state %d", uint8(s))
	}
	return []byte(stateNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Outcome describes what a state-machine operation did.
type Outcome uint8

const (
	// OutcomeNoop means the operation was absorbed without changing the milestone.
	OutcomeNoop Outcome = iota
	// OutcomeApplied means the record changed and a Transition was emitted.
	OutcomeApplied
	// OutcomeRejected means the operation violated the state machine and was ignored.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoop:
		return "noop"
	case OutcomeApplied:
		return "applied"
	case OutcomeRejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// MessageStatus is the whole-message aggregate of all recipient records.
type MessageStatus uint8

const (
	StatusPending MessageStatus = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusViewed
	StatusPartiallyFailed
	StatusFailed
)

func (s MessageStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusViewed:
		return "viewed"
	case StatusPartiallyFailed:
		return "partially_failed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}
