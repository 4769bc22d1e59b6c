package delivery

import (
	"errors"
	"fmt"
	"log/slog"

	"msgsync/models"
)

var (
	// ErrDuplicateRecipient indicates a record already exists for the recipient.
	ErrDuplicateRecipient = errors.New("delivery: duplicate recipient")
	// ErrUnknownRecipient indicates no record exists for the recipient.
	ErrUnknownRecipient = errors.New("delivery: unknown recipient")
	// ErrInvalidMilestone indicates a state that is not Sent, Delivered, Read or Viewed.
	ErrInvalidMilestone = errors.New("delivery: invalid milestone")
)

// Store holds the per-recipient delivery records of one message.
//
// A Store is not safe for concurrent use. Callers mutate it only while
// holding the write transaction that persists it.
type Store struct {
	order     []models.Address
	records   map[models.Address]*Record
	observers []func(Transition)
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for absorbed anomalies.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver registers fn to receive every emitted Transition.
func WithObserver(fn func(Transition)) Option {
	return func(s *Store) {
		s.Observe(fn)
	}
}

// NewStore returns an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		records: make(map[models.Address]*Record),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe registers fn to receive every emitted Transition.
func (s *Store) Observe(fn func(Transition)) {
	if fn != nil {
		s.observers = append(s.observers, fn)
	}
}

// CreateRecord adds a Sending record for recipient.
func (s *Store) CreateRecord(recipient models.Address) (Record, error) {
	if recipient.IsZero() {
		return Record{}, fmt.Errorf("create record: %w", models.ErrInvalidAddress)
	}
	if _, exists := s.records[recipient]; exists {
		return Record{}, fmt.Errorf("create record for %s: %w", recipient, ErrDuplicateRecipient)
	}

	rec := &Record{Recipient: recipient, State: StateSending}
	s.insert(rec)
	return rec.clone(), nil
}

func (s *Store) insert(rec *Record) {
	s.order = append(s.order, rec.Recipient)
	s.records[rec.Recipient] = rec
}

// Skip excludes a recipient that was never attempted from delivery tracking.
func (s *Store) Skip(recipient models.Address) (Outcome, error) {
	rec, ok := s.records[recipient]
	if !ok {
		return OutcomeRejected, fmt.Errorf("skip %s: %w", recipient, ErrUnknownRecipient)
	}

	switch rec.State {
	case StateSkipped:
		return OutcomeNoop, nil
	case StateSending:
		from := rec.State
		rec.State = StateSkipped
		rec.IsSkipped = true
		s.emit(Transition{Recipient: recipient, From: from, To: StateSkipped})
		return OutcomeApplied, nil
	default:
		s.logger.Warn("skip rejected for attempted recipient",
			"recipient", recipient.String(),
			"state", rec.State.String())
		return OutcomeRejected, nil
	}
}

// ApplyMilestone advances recipient to at least milestone m.
//
// Duplicate and out-of-order acknowledgments are absorbed: a milestone at or
// below the current one is a no-op except that a missing timestamp for m is
// filled in. Skipping intermediate milestones leaves their timestamps unset.
func (s *Store) ApplyMilestone(recipient models.Address, m State, at uint64) (Outcome, error) {
	if !m.IsMilestone() {
		return OutcomeRejected, fmt.Errorf("apply %s: %w", m, ErrInvalidMilestone)
	}
	rec, ok := s.records[recipient]
	if !ok {
		return OutcomeRejected, fmt.Errorf("apply %s for %s: %w", m, recipient, ErrUnknownRecipient)
	}

	if rec.State == StateSkipped {
		s.logger.Debug("milestone for skipped recipient ignored",
			"recipient", recipient.String(),
			"milestone", m.String())
		return OutcomeNoop, nil
	}

	if rec.Reached(m) {
		rec.setMilestoneAt(m, at)
		return OutcomeNoop, nil
	}

	from := rec.State
	rec.State = m
	rec.ErrorCode = nil
	rec.setMilestoneAt(m, at)
	s.emit(Transition{Recipient: recipient, From: from, To: m, At: at})
	return OutcomeApplied, nil
}

// MarkFailed records a terminal failure for recipient.
//
// A failure reported after Delivered is an ordering violation upstream: it is
// logged and rejected, leaving the record unchanged. It is not an error.
func (s *Store) MarkFailed(recipient models.Address, errorCode int) (Outcome, error) {
	rec, ok := s.records[recipient]
	if !ok {
		return OutcomeRejected, fmt.Errorf("mark failed for %s: %w", recipient, ErrUnknownRecipient)
	}

	switch rec.State {
	case StateSending, StateSent:
		from := rec.State
		code := errorCode
		rec.State = StateFailed
		rec.ErrorCode = &code
		s.emit(Transition{Recipient: recipient, From: from, To: StateFailed, ErrorCode: &code})
		return OutcomeApplied, nil
	case StateFailed:
		if rec.ErrorCode != nil && *rec.ErrorCode == errorCode {
			return OutcomeNoop, nil
		}
		code := errorCode
		rec.ErrorCode = &code
		s.emit(Transition{Recipient: recipient, From: StateFailed, To: StateFailed, ErrorCode: &code})
		return OutcomeApplied, nil
	case StateSkipped:
		s.logger.Warn("failure reported for skipped recipient",
			"recipient", recipient.String(),
			"error_code", errorCode)
		return OutcomeRejected, nil
	default:
		s.logger.Warn("ordering violation: failure reported after successful delivery",
			"recipient", recipient.String(),
			"state", rec.State.String(),
			"error_code", errorCode)
		return OutcomeRejected, nil
	}
}

// Record returns a copy of the record for recipient.
func (s *Store) Record(recipient models.Address) (Record, bool) {
	rec, ok := s.records[recipient]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Snapshot returns copies of all records in insertion order.
func (s *Store) Snapshot() []Record {
	out := make([]Record, 0, len(s.order))
	for _, recipient := range s.order {
		out = append(out, s.records[recipient].clone())
	}
	return out
}

// Recipients returns the recipient addresses in insertion order.
func (s *Store) Recipients() []models.Address {
	return append([]models.Address(nil), s.order...)
}

// Len returns the number of records.
func (s *Store) Len() int {
	return len(s.order)
}

// Pending returns the number of non-skipped recipients still Sending.
func (s *Store) Pending() int {
	count := 0
	for _, rec := range s.records {
		if rec.IsPending() {
			count++
		}
	}
	return count
}

// FailedRecipients returns the recipients whose record is Failed, in insertion order.
func (s *Store) FailedRecipients() []models.Address {
	out := make([]models.Address, 0)
	for _, recipient := range s.order {
		if s.records[recipient].State == StateFailed {
			out = append(out, recipient)
		}
	}
	return out
}

// IsFullyDelivered reports whether every non-skipped recipient reached Delivered.
func (s *Store) IsFullyDelivered() bool {
	return s.allReached(StateDelivered)
}

// IsFullyRead reports whether every non-skipped recipient reached Read.
func (s *Store) IsFullyRead() bool {
	return s.allReached(StateRead)
}

// IsFullyViewed reports whether every non-skipped recipient reached Viewed.
func (s *Store) IsFullyViewed() bool {
	return s.allReached(StateViewed)
}

// allReached is false when no recipient is tracked.
func (s *Store) allReached(m State) bool {
	tracked := 0
	for _, rec := range s.records {
		if rec.State == StateSkipped {
			continue
		}
		tracked++
		if !rec.Reached(m) {
			return false
		}
	}
	return tracked > 0
}

// Status aggregates all non-skipped records into a whole-message status.
//
// A message is partially failed when some record failed and none is pending,
// and failed when every record failed. Otherwise the status is the lowest
// milestone reached across recipients. A message with no tracked recipient
// counts as sent.
func (s *Store) Status() MessageStatus {
	var (
		tracked int
		failed  int
		pending int
		lowest  = StateViewed
	)
	for _, rec := range s.records {
		switch rec.State {
		case StateSkipped:
			continue
		case StateFailed:
			failed++
		case StateSending:
			pending++
		default:
			if rec.State < lowest {
				lowest = rec.State
			}
		}
		tracked++
	}

	switch {
	case tracked == 0:
		return StatusSent
	case pending > 0:
		return StatusPending
	case failed == tracked:
		return StatusFailed
	case failed > 0:
		return StatusPartiallyFailed
	}

	switch lowest {
	case StateSent:
		return StatusSent
	case StateDelivered:
		return StatusDelivered
	case StateRead:
		return StatusRead
	default:
		return StatusViewed
	}
}

func (s *Store) emit(t Transition) {
	for _, fn := range s.observers {
		fn(t)
	}
}
