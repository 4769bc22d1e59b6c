package syncmsg

import (
	"errors"
	"fmt"

	"msgsync/delivery"
	"msgsync/models"
	"msgsync/sysevent"
)

// ErrNoBuilder indicates a payload kind without a registered builder.
var ErrNoBuilder = errors.New("syncmsg: no builder for kind")

// Source is the committed state a payload is built from. Message-driven
// kinds read Message and Records; event-driven kinds read Event.
type Source struct {
	Message *models.Message
	Records []delivery.Record
	Event   *sysevent.Entry
	// At is the time of a local read or view of an incoming message.
	At uint64
}

// Builder constructs one payload kind. A nil payload with a nil error means
// the source does not sync.
type Builder interface {
	Kind() Kind
	Build(src Source) (*Payload, error)
}

// Builders indexes builders by kind.
type Builders map[Kind]Builder

// DefaultBuilders returns one builder per payload kind.
func DefaultBuilders() Builders {
	builders := Builders{}
	for _, b := range []Builder{
		TranscriptBuilder{},
		ContactShareBuilder{},
		ReceiptBuilder{Milestone: delivery.StateRead},
		ReceiptBuilder{Milestone: delivery.StateViewed},
		GroupUpdateBuilder{},
		KeyChangeBuilder{},
	} {
		builders[b.Kind()] = b
	}
	return builders
}

// Build builds kind from src and stamps its dedupe key unless the builder
// chose one.
func (b Builders) Build(kind Kind, src Source) (*Payload, error) {
	builder, ok := b[kind]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoBuilder, kind)
	}
	payload, err := builder.Build(src)
	if err != nil || payload == nil {
		return nil, err
	}
	payload.Kind = kind
	if payload.DedupeKey == "" {
		payload.DedupeKey = DedupeKey(payload.Timestamp, kind)
	}
	return payload, nil
}

// KindsCrossed returns the payload kinds triggered by t for msg.
//
// Reaching Sent produces the transcript (or the contact-share variant for
// shared contacts), reaching Read a read-receipt batch, and reaching Viewed
// a viewed-receipt batch. Delivered, Failed and Skipped trigger nothing.
func KindsCrossed(msg *models.Message, t delivery.Transition) []Kind {
	kinds := make([]Kind, 0, 3)
	if t.Crossed(delivery.StateSent) {
		if msg != nil && msg.ContactShare != nil {
			kinds = append(kinds, KindContactShare)
		} else {
			kinds = append(kinds, KindSentTranscript)
		}
	}
	if t.Crossed(delivery.StateRead) {
		kinds = append(kinds, KindReadReceipts)
	}
	if t.Crossed(delivery.StateViewed) {
		kinds = append(kinds, KindViewedReceipts)
	}
	return kinds
}

// syncable rejects sync messages, messages that arrived from a linked
// device and recalled messages, which would otherwise echo between devices.
func syncable(msg *models.Message) bool {
	return msg != nil && !msg.IsSyncMessage && !msg.IsFromLinkedDevice && !msg.Recalled
}

func messageEnvelope(msg *models.Message, records []delivery.Record) *Payload {
	states := make([]delivery.Record, len(records))
	copy(states, records)
	return &Payload{
		Timestamp: msg.Timestamp,
		ThreadID:  msg.ThreadID,
		MessageID: msg.UniqueID,
		Expiration: Expiration{
			ExpiresInSeconds: msg.ExpiresInSeconds,
			ExpireStartedAt:  msg.ExpireStartedAt,
		},
		RecipientStates: states,
	}
}

// TranscriptBuilder describes an outgoing message sent from this device.
type TranscriptBuilder struct{}

func (TranscriptBuilder) Kind() Kind { return KindSentTranscript }

func (TranscriptBuilder) Build(src Source) (*Payload, error) {
	msg := src.Message
	if !syncable(msg) || !msg.IsOutgoing() {
		return nil, nil
	}
	payload := messageEnvelope(msg, src.Records)
	payload.Body = msg.Body
	payload.AttachmentIDs = append([]string(nil), msg.AttachmentIDs...)
	return payload, nil
}

// ContactShareBuilder is the transcript variant for shared contact cards.
type ContactShareBuilder struct{}

func (ContactShareBuilder) Kind() Kind { return KindContactShare }

func (ContactShareBuilder) Build(src Source) (*Payload, error) {
	msg := src.Message
	if !syncable(msg) || !msg.IsOutgoing() || msg.ContactShare == nil {
		return nil, nil
	}
	payload := messageEnvelope(msg, src.Records)
	contact := *msg.ContactShare
	payload.Contact = &contact
	return payload, nil
}

// ReceiptBuilder batches read or viewed receipts.
//
// For outgoing messages the batch lists every recipient at or above the
// milestone. For incoming messages it is this device's own local receipt of
// the author's message.
type ReceiptBuilder struct {
	Milestone delivery.State
}

func (b ReceiptBuilder) Kind() Kind {
	if b.Milestone == delivery.StateViewed {
		return KindViewedReceipts
	}
	return KindReadReceipts
}

func (b ReceiptBuilder) Build(src Source) (*Payload, error) {
	if b.Milestone != delivery.StateRead && b.Milestone != delivery.StateViewed {
		return nil, fmt.Errorf("receipt builder: %w", delivery.ErrInvalidMilestone)
	}
	msg := src.Message
	if !syncable(msg) {
		return nil, nil
	}

	payload := messageEnvelope(msg, src.Records)
	if !msg.IsOutgoing() {
		payload.RecipientStates = nil
		payload.Receipts = []Receipt{{Address: msg.Author, MessageTimestamp: msg.Timestamp, At: src.At}}
		return payload, nil
	}

	for _, rec := range src.Records {
		if !rec.Reached(b.Milestone) {
			continue
		}
		at, _ := rec.MilestoneAt(b.Milestone)
		payload.Receipts = append(payload.Receipts, Receipt{
			Address:          rec.Recipient,
			MessageTimestamp: msg.Timestamp,
			At:               at,
		})
	}
	if len(payload.Receipts) == 0 {
		return nil, nil
	}
	return payload, nil
}

// GroupUpdateBuilder forwards locally produced group-update events.
type GroupUpdateBuilder struct{}

func (GroupUpdateBuilder) Kind() Kind { return KindGroupUpdate }

func (GroupUpdateBuilder) Build(src Source) (*Payload, error) {
	entry := src.Event
	if entry == nil || entry.IsFromLinkedDevice {
		return nil, nil
	}
	update, ok := entry.Payload.(sysevent.GroupUpdate)
	if !ok {
		return nil, fmt.Errorf("group update builder: %w", sysevent.ErrPayloadMismatch)
	}
	return &Payload{
		Timestamp: entry.Timestamp,
		ThreadID:  entry.ThreadID,
		DedupeKey: EventDedupeKey(entry.Timestamp, KindGroupUpdate, string(entry.ID)),
		Group: &GroupChange{
			ThreadID: entry.ThreadID,
			Old:      update.Old,
			New:      update.New,
			Source:   update.Source,
		},
	}, nil
}

// KeyChangeBuilder forwards locally made verification-state changes.
type KeyChangeBuilder struct{}

func (KeyChangeBuilder) Kind() Kind { return KindKeyChange }

func (KeyChangeBuilder) Build(src Source) (*Payload, error) {
	entry := src.Event
	if entry == nil || entry.IsFromLinkedDevice {
		return nil, nil
	}
	change, ok := entry.Payload.(sysevent.VerificationStateChange)
	if !ok {
		return nil, fmt.Errorf("key change builder: %w", sysevent.ErrPayloadMismatch)
	}
	if !change.IsLocalChange || change.Address.IsZero() || change.State == nil {
		return nil, nil
	}
	return &Payload{
		Timestamp: entry.Timestamp,
		ThreadID:  entry.ThreadID,
		DedupeKey: EventDedupeKey(entry.Timestamp, KindKeyChange, string(entry.ID)),
		KeyChange: &KeyChange{Address: change.Address, VerificationState: *change.State},
	}, nil
}
