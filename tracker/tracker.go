package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"msgsync/delivery"
	"msgsync/expiry"
	"msgsync/models"
	"msgsync/storage"
	"msgsync/syncmsg"
	"msgsync/sysevent"
)

var (
	// ErrMessageNotFound indicates no stored message matches the lookup.
	ErrMessageNotFound = errors.New("tracker: message not found")
	// ErrMessageExists indicates a message with the same unique ID is stored.
	ErrMessageExists = errors.New("tracker: message already exists")
	// ErrWrongDirection indicates an operation applied to a message of the other direction.
	ErrWrongDirection = errors.New("tracker: wrong message direction")
)

// Enqueuer accepts committed sync payloads.
type Enqueuer interface {
	Enqueue(payload *syncmsg.Payload)
}

// Tracker applies delivery events to stored messages inside transactions
// handed to it. It never opens transactions itself.
//
// Payloads built during an operation are claimed in the same transaction
// and handed to the dispatcher only after that transaction commits.
type Tracker struct {
	dispatcher Enqueuer
	policy     *expiry.Policy
	events     *sysevent.Log
	builders   syncmsg.Builders
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger passed to delivery stores and the event log.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithBuilders overrides the payload builders.
func WithBuilders(builders syncmsg.Builders) Option {
	return func(t *Tracker) {
		if builders != nil {
			t.builders = builders
		}
	}
}

// New returns a Tracker that hands payloads to dispatcher. A nil dispatcher
// builds and claims payloads without sending them.
func New(dispatcher Enqueuer, opts ...Option) *Tracker {
	t := &Tracker{
		dispatcher: dispatcher,
		builders:   syncmsg.DefaultBuilders(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.policy = expiry.NewPolicy(expiry.WithClock(t.now))
	t.events = sysevent.NewLog(sysevent.WithLogger(t.logger), sysevent.WithClock(t.now))
	return t
}

// Policy returns the timer policy used by the tracker.
func (t *Tracker) Policy() *expiry.Policy {
	return t.policy
}

// Events returns the system event log used by the tracker.
func (t *Tracker) Events() *sysevent.Log {
	return t.events
}

func (t *Tracker) nowMillis() uint64 {
	return uint64(t.now().UnixMilli())
}

// Outgoing describes a new locally authored message.
type Outgoing struct {
	Message    *models.Message
	Recipients []models.Address
	// Skipped recipients are recorded but excluded from delivery tracking.
	Skipped []models.Address
	// Token is the thread's disappearing-message configuration at send time.
	Token expiry.Token
}

// CreateOutgoing stores a new outgoing message with one Sending record per
// recipient.
func (t *Tracker) CreateOutgoing(tx storage.Writer, out Outgoing) error {
	msg := out.Message
	if msg == nil {
		return errors.New("message is required")
	}
	if !msg.IsOutgoing() {
		return fmt.Errorf("create outgoing %s: %w", msg.UniqueID, ErrWrongDirection)
	}
	if err := t.ensureAbsent(tx, msg.UniqueID); err != nil {
		return err
	}

	t.applyToken(msg, out.Token)

	records := delivery.NewStore(delivery.WithLogger(t.logger))
	for _, recipient := range out.Recipients {
		if _, err := records.CreateRecord(recipient); err != nil {
			return fmt.Errorf("create outgoing %s: %w", msg.UniqueID, err)
		}
	}
	for _, recipient := range out.Skipped {
		if _, exists := records.Record(recipient); !exists {
			if _, err := records.CreateRecord(recipient); err != nil {
				return fmt.Errorf("create outgoing %s: %w", msg.UniqueID, err)
			}
		}
		if _, err := records.Skip(recipient); err != nil {
			return fmt.Errorf("create outgoing %s: %w", msg.UniqueID, err)
		}
	}

	stored := &storedMessage{Message: *msg, Recipients: records.Recipients()}
	if err := t.insert(tx, stored); err != nil {
		return err
	}
	for i, rec := range records.Snapshot() {
		if err := writeRecord(tx, msg.UniqueID, i, rec); err != nil {
			return err
		}
	}
	return nil
}

// RecordIncoming stores a received message so that local reads can arm its
// timer and sync a read receipt.
func (t *Tracker) RecordIncoming(tx storage.Writer, msg *models.Message, token expiry.Token) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if msg.IsOutgoing() {
		return fmt.Errorf("record incoming %s: %w", msg.UniqueID, ErrWrongDirection)
	}
	if err := t.ensureAbsent(tx, msg.UniqueID); err != nil {
		return err
	}
	t.applyToken(msg, token)
	return t.insert(tx, &storedMessage{Message: *msg})
}

func (t *Tracker) applyToken(msg *models.Message, token expiry.Token) {
	if token.IsEnabled && token.DurationSeconds > 0 {
		msg.ExpiresInSeconds = token.DurationSeconds
	}
	msg.StoredShouldStartExpireTimer = t.policy.ShouldStartExpireTimer(token)
}

func (t *Tracker) ensureAbsent(tx storage.Reader, uniqueID string) error {
	if uniqueID == "" {
		return errors.New("message unique id is required")
	}
	_, err := readMessage(tx, uniqueID)
	switch {
	case err == nil:
		return fmt.Errorf("message %s: %w", uniqueID, ErrMessageExists)
	case errors.Is(err, ErrMessageNotFound):
		return nil
	default:
		return err
	}
}

func (t *Tracker) insert(tx storage.Writer, stored *storedMessage) error {
	if err := writeMessage(tx, stored); err != nil {
		return err
	}
	ref, err := json.Marshal(timestampRef{Direction: stored.Direction, Author: stored.Author})
	if err != nil {
		return fmt.Errorf("encode timestamp index: %w", err)
	}
	if err := tx.Write(timestampKey(stored.Timestamp, stored.UniqueID), ref); err != nil {
		return fmt.Errorf("index message %s: %w", stored.UniqueID, err)
	}
	return nil
}

// loaded is a message and its delivery records read inside one transaction.
type loaded struct {
	stored      *storedMessage
	records     *delivery.Store
	transitions []delivery.Transition
	// legacy is set when records were synthesized from legacy fields and
	// must be written out in full.
	legacy bool
}

func (t *Tracker) load(tx storage.Reader, uniqueID string) (*loaded, error) {
	stored, err := readMessage(tx, uniqueID)
	if err != nil {
		return nil, err
	}

	l := &loaded{stored: stored}
	observer := delivery.WithObserver(func(tr delivery.Transition) {
		l.transitions = append(l.transitions, tr)
	})

	records, err := readRecords(tx, uniqueID)
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", uniqueID, err)
	}

	persisted := delivery.Persisted{RecipientStates: records}
	if len(records) == 0 {
		persisted = stored.Persisted
		l.legacy = len(persisted.RecipientStates) > 0 || persisted.HasLegacy()
	}
	l.records, err = delivery.Decode(persisted, stored.Recipients, delivery.WithLogger(t.logger), observer)
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", uniqueID, err)
	}
	return l, nil
}

// Load returns the message with uniqueID and its delivery records.
func (t *Tracker) Load(tx storage.Reader, uniqueID string) (*models.Message, *delivery.Store, error) {
	l, err := t.load(tx, uniqueID)
	if err != nil {
		return nil, nil, err
	}
	msg := l.stored.Message
	return &msg, l.records, nil
}

// Status returns the whole-message delivery status of the outgoing message
// sent at timestamp.
func (t *Tracker) Status(tx storage.Reader, timestamp uint64) (delivery.MessageStatus, error) {
	uniqueID, err := findByTimestamp(tx, timestamp, models.DirectionOutgoing, "")
	if err != nil {
		return delivery.StatusPending, err
	}
	l, err := t.load(tx, uniqueID)
	if err != nil {
		return delivery.StatusPending, err
	}
	return l.records.Status(), nil
}

// save writes the message and the records touched by the operation.
func (t *Tracker) save(tx storage.Writer, l *loaded, touched ...models.Address) error {
	previousExpiresAt := uint64(0)
	if prev, err := readMessage(tx, l.stored.UniqueID); err == nil {
		previousExpiresAt = prev.ExpiresAt
	}

	if l.legacy {
		l.stored.Persisted = delivery.Persisted{}
		l.stored.Recipients = l.records.Recipients()
		touched = l.records.Recipients()
		l.legacy = false
	}
	if err := writeMessage(tx, l.stored); err != nil {
		return err
	}

	if l.stored.ExpiresAt != previousExpiresAt {
		if previousExpiresAt > 0 {
			if err := tx.Delete(expiryKey(previousExpiresAt, l.stored.UniqueID)); err != nil {
				return fmt.Errorf("unindex expiry of %s: %w", l.stored.UniqueID, err)
			}
		}
		if l.stored.ExpiresAt > 0 {
			if err := tx.Write(expiryKey(l.stored.ExpiresAt, l.stored.UniqueID), []byte(l.stored.UniqueID)); err != nil {
				return fmt.Errorf("index expiry of %s: %w", l.stored.UniqueID, err)
			}
		}
	}

	if len(touched) == 0 {
		return nil
	}
	order := l.records.Recipients()
	for i, recipient := range order {
		for _, want := range touched {
			if recipient != want {
				continue
			}
			rec, _ := l.records.Record(recipient)
			if err := writeRecord(tx, l.stored.UniqueID, i, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyReceipt advances recipient of the outgoing message sent at timestamp
// to at least milestone. Transitions arm the expiration timer and build the
// sync payloads they trigger.
func (t *Tracker) ApplyReceipt(tx storage.Writer, timestamp uint64, recipient models.Address, milestone delivery.State, at uint64) (delivery.Outcome, error) {
	uniqueID, err := findByTimestamp(tx, timestamp, models.DirectionOutgoing, "")
	if err != nil {
		return delivery.OutcomeRejected, err
	}
	l, err := t.load(tx, uniqueID)
	if err != nil {
		return delivery.OutcomeRejected, err
	}

	outcome, err := l.records.ApplyMilestone(recipient, milestone, at)
	if err != nil {
		return outcome, fmt.Errorf("apply receipt to %s: %w", uniqueID, err)
	}

	msg := &l.stored.Message
	payloads := make([]*syncmsg.Payload, 0, 2)
	for _, tr := range l.transitions {
		t.policy.Evaluate(msg, tr)
		for _, kind := range syncmsg.KindsCrossed(msg, tr) {
			payload, err := t.claim(tx, kind, syncmsg.Source{Message: msg, Records: l.records.Snapshot()})
			if err != nil {
				return outcome, err
			}
			if payload == nil {
				continue
			}
			payloads = append(payloads, payload)
			if kind == syncmsg.KindSentTranscript || kind == syncmsg.KindContactShare {
				msg.HasSyncedTranscript = true
			}
		}
	}

	// A no-op may still have backfilled a missing milestone timestamp.
	if err := t.save(tx, l, recipient); err != nil {
		return outcome, err
	}
	t.enqueueAfterCommit(tx, payloads)
	return outcome, nil
}

// MarkFailed records a terminal failure for recipient of the outgoing
// message sent at timestamp. failureText is kept as the message's most
// recent failure description.
func (t *Tracker) MarkFailed(tx storage.Writer, timestamp uint64, recipient models.Address, errorCode int, failureText string) (delivery.Outcome, error) {
	uniqueID, err := findByTimestamp(tx, timestamp, models.DirectionOutgoing, "")
	if err != nil {
		return delivery.OutcomeRejected, err
	}
	l, err := t.load(tx, uniqueID)
	if err != nil {
		return delivery.OutcomeRejected, err
	}

	outcome, err := l.records.MarkFailed(recipient, errorCode)
	if err != nil {
		return outcome, fmt.Errorf("mark failed on %s: %w", uniqueID, err)
	}
	if outcome != delivery.OutcomeApplied {
		return outcome, nil
	}

	if failureText != "" {
		l.stored.MostRecentFailureText = failureText
	}
	if err := t.save(tx, l, recipient); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// MarkLocallyRead records that the incoming message sent at timestamp by
// author was read on this device.
func (t *Tracker) MarkLocallyRead(tx storage.Writer, timestamp uint64, author models.Address, at uint64) (expiry.Decision, error) {
	return t.markLocally(tx, timestamp, author, at, syncmsg.KindReadReceipts)
}

// MarkLocallyViewed records that the incoming message was viewed on this
// device. View-once messages are marked complete.
func (t *Tracker) MarkLocallyViewed(tx storage.Writer, timestamp uint64, author models.Address, at uint64) (expiry.Decision, error) {
	return t.markLocally(tx, timestamp, author, at, syncmsg.KindViewedReceipts)
}

func (t *Tracker) markLocally(tx storage.Writer, timestamp uint64, author models.Address, at uint64, kind syncmsg.Kind) (expiry.Decision, error) {
	uniqueID, err := findByTimestamp(tx, timestamp, models.DirectionIncoming, author)
	if err != nil {
		return expiry.DecisionNotTriggered, err
	}
	l, err := t.load(tx, uniqueID)
	if err != nil {
		return expiry.DecisionNotTriggered, err
	}
	if at == 0 {
		at = t.nowMillis()
	}

	msg := &l.stored.Message
	decision := t.policy.EvaluateLocalRead(msg, at)
	if kind == syncmsg.KindViewedReceipts && msg.IsViewOnce {
		msg.IsViewOnceComplete = true
	}
	if err := t.save(tx, l); err != nil {
		return decision, err
	}

	payload, err := t.claim(tx, kind, syncmsg.Source{Message: msg, At: at})
	if err != nil {
		return decision, err
	}
	if payload != nil {
		t.enqueueAfterCommit(tx, []*syncmsg.Payload{payload})
	}
	return decision, nil
}

// Reconcile arms the timer of a stored outgoing message whose trigger
// condition already holds.
func (t *Tracker) Reconcile(tx storage.Writer, uniqueID string, at uint64) (expiry.Decision, error) {
	l, err := t.load(tx, uniqueID)
	if err != nil {
		return expiry.DecisionNotEligible, err
	}
	if at == 0 {
		at = t.nowMillis()
	}
	decision := t.policy.Reconcile(&l.stored.Message, l.records.Snapshot(), at)
	if decision != expiry.DecisionArmed {
		return decision, nil
	}
	return decision, t.save(tx, l)
}

// Recall marks the outgoing message sent at timestamp recalled. Payloads
// already queued for it are dropped at dispatch time; payloads already sent
// stay sent.
func (t *Tracker) Recall(tx storage.Writer, timestamp uint64) error {
	uniqueID, err := findByTimestamp(tx, timestamp, models.DirectionOutgoing, "")
	if err != nil {
		return err
	}
	l, err := t.load(tx, uniqueID)
	if err != nil {
		return err
	}
	if l.stored.Recalled {
		return nil
	}
	l.stored.Recalled = true
	return t.save(tx, l)
}

// Delete removes the message stored under uniqueID with its recipient
// records and index entries. Queued payloads for it are dropped at dispatch
// time. Deleting a missing message is not an error.
func (t *Tracker) Delete(tx storage.Writer, uniqueID string) error {
	stored, err := readMessage(tx, uniqueID)
	if errors.Is(err, ErrMessageNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	keys := []string{messageKey(uniqueID), timestampKey(stored.Timestamp, uniqueID)}
	if stored.ExpiresAt > 0 {
		keys = append(keys, expiryKey(stored.ExpiresAt, uniqueID))
	}
	err = tx.Scan(recipientPrefix(uniqueID), func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete message %s: %w", uniqueID, err)
	}
	for _, key := range keys {
		if err := tx.Delete(key); err != nil {
			return fmt.Errorf("delete message %s: %w", uniqueID, err)
		}
	}
	return nil
}

// RecordSystemEvent appends an event to threadID. Group updates and local
// verification changes also sync to linked devices.
func (t *Tracker) RecordSystemEvent(tx storage.Writer, threadID string, messageType sysevent.MessageType, payload sysevent.Payload, opts sysevent.RecordOptions) (sysevent.EventID, error) {
	id, err := t.events.Record(tx, threadID, messageType, payload, opts)
	if err != nil {
		return "", err
	}

	var kind syncmsg.Kind
	switch messageType {
	case sysevent.TypeGroupUpdate:
		kind = syncmsg.KindGroupUpdate
	case sysevent.TypeVerificationStateChange:
		kind = syncmsg.KindKeyChange
	default:
		return id, nil
	}

	entry, err := t.events.Get(tx, id)
	if err != nil {
		return "", err
	}
	built, err := t.claim(tx, kind, syncmsg.Source{Event: &entry})
	if err != nil {
		return "", err
	}
	if built != nil {
		t.enqueueAfterCommit(tx, []*syncmsg.Payload{built})
	}
	return id, nil
}

// SweepExpired calls fn for every message whose expiration passed at
// nowMillis, in expiration order, and removes it from the expiry index.
// Deleting the message is fn's concern.
func (t *Tracker) SweepExpired(tx storage.Writer, nowMillis uint64, fn func(msg *models.Message) error) (int, error) {
	due := make([]string, 0)
	err := tx.Scan(expiryKeyPrefix, func(key string, _ []byte) error {
		expiresAt, _, err := parseExpiryKey(key)
		if err != nil {
			t.logger.Warn("dropping malformed expiry index entry", "key", key, "error", err)
			due = append(due, key)
			return nil
		}
		if expiresAt > nowMillis {
			return errStopScan
		}
		due = append(due, key)
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return 0, fmt.Errorf("sweep expired messages: %w", err)
	}

	swept := 0
	for _, key := range due {
		_, uniqueID, parseErr := parseExpiryKey(key)
		if parseErr == nil {
			stored, err := readMessage(tx, uniqueID)
			switch {
			case errors.Is(err, ErrMessageNotFound):
			case err != nil:
				return swept, err
			case t.policy.Expired(&stored.Message, nowMillis):
				msg := stored.Message
				if fn != nil {
					if err := fn(&msg); err != nil {
						return swept, fmt.Errorf("expire message %s: %w", uniqueID, err)
					}
				}
				swept++
			}
		}
		if err := tx.Delete(key); err != nil {
			return swept, fmt.Errorf("unindex expiry %s: %w", key, err)
		}
	}
	return swept, nil
}

func (t *Tracker) claim(tx storage.Writer, kind syncmsg.Kind, src syncmsg.Source) (*syncmsg.Payload, error) {
	payload, err := t.builders.Build(kind, src)
	if err != nil {
		return nil, fmt.Errorf("build %s payload: %w", kind, err)
	}
	if payload == nil {
		return nil, nil
	}

	ledger, ok := tx.(syncmsg.DedupeLedger)
	if !ok {
		return nil, fmt.Errorf("build %s payload: transaction cannot claim dedupe keys", kind)
	}
	claimed, err := syncmsg.Claim(ledger, payload, t.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	if !claimed {
		t.logger.Debug("sync payload already built", "dedupe_key", payload.DedupeKey)
		return nil, nil
	}
	return payload, nil
}

func (t *Tracker) enqueueAfterCommit(tx storage.Writer, payloads []*syncmsg.Payload) {
	if t.dispatcher == nil || len(payloads) == 0 {
		return
	}
	tx.AfterCommit(func() {
		for _, payload := range payloads {
			t.dispatcher.Enqueue(payload)
		}
	})
}

// RecallChecker answers dispatch-time recall checks from committed state.
type RecallChecker struct {
	store *storage.Store
}

// NewRecallChecker returns a RecallChecker reading from store.
func NewRecallChecker(store *storage.Store) *RecallChecker {
	return &RecallChecker{store: store}
}

// IsRecalled implements syncmsg.RecallChecker.
func (c *RecallChecker) IsRecalled(ctx context.Context, messageID string) (bool, error) {
	recalled := false
	err := c.store.View(ctx, func(tx *storage.Tx) error {
		stored, err := readMessage(tx, messageID)
		if err != nil {
			if errors.Is(err, ErrMessageNotFound) {
				// A deleted message never syncs.
				recalled = true
				return nil
			}
			return err
		}
		recalled = stored.Recalled
		return nil
	})
	return recalled, err
}
