package delivery

import (
	"msgsync/models"
)

// Record is the delivery state of one recipient of one message.
// Milestone timestamps are set at most once and never change afterwards.
type Record struct {
	Recipient   models.Address `json:"recipient"`
	State       State          `json:"state"`
	DeliveredAt *uint64        `json:"deliveredAtTimestamp,omitempty"`
	ReadAt      *uint64        `json:"readAtTimestamp,omitempty"`
	ViewedAt    *uint64        `json:"viewedAtTimestamp,omitempty"`
	ErrorCode   *int           `json:"errorCode,omitempty"`
	IsSkipped   bool           `json:"isSkipped"`
}

// Reached reports whether the record is at or above milestone m.
func (r Record) Reached(m State) bool {
	return r.State.onChain() && m.onChain() && r.State >= m
}

// IsPending reports whether the recipient has not yet acknowledged anything.
func (r Record) IsPending() bool {
	return r.State == StateSending
}

// MilestoneAt returns the recorded timestamp for milestone m, if any.
func (r Record) MilestoneAt(m State) (uint64, bool) {
	var ts *uint64
	switch m {
	case StateDelivered:
		ts = r.DeliveredAt
	case StateRead:
		ts = r.ReadAt
	case StateViewed:
		ts = r.ViewedAt
	}
	if ts == nil {
		return 0, false
	}
	return *ts, true
}

// setMilestoneAt records at for m unless a timestamp is already present.
func (r *Record) setMilestoneAt(m State, at uint64) bool {
	if at == 0 {
		return false
	}
	var slot **uint64
	switch m {
	case StateDelivered:
		slot = &r.DeliveredAt
	case StateRead:
		slot = &r.ReadAt
	case StateViewed:
		slot = &r.ViewedAt
	default:
		return false
	}
	if *slot != nil {
		return false
	}
	v := at
	*slot = &v
	return true
}

func (r Record) clone() Record {
	out := r
	out.DeliveredAt = cloneUint64(r.DeliveredAt)
	out.ReadAt = cloneUint64(r.ReadAt)
	out.ViewedAt = cloneUint64(r.ViewedAt)
	if r.ErrorCode != nil {
		code := *r.ErrorCode
		out.ErrorCode = &code
	}
	return out
}

func cloneUint64(p *uint64) *uint64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Transition is emitted for every change applied to a record.
type Transition struct {
	Recipient models.Address
	From      State
	To        State
	At        uint64
	ErrorCode *int
}

// Crossed reports whether the transition moved the record from below
// milestone m to at or above it.
func (t Transition) Crossed(m State) bool {
	if !m.onChain() || !t.To.onChain() || t.To < m {
		return false
	}
	return !t.From.onChain() || t.From < m
}
