package syncmsg

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"msgsync/delivery"
	"msgsync/models"
	"msgsync/sysevent"
)

// Kind identifies a sync payload variant.
type Kind string

const (
	KindSentTranscript Kind = "sent-transcript"
	KindReadReceipts   Kind = "read-receipt-batch"
	KindViewedReceipts Kind = "viewed-receipt-batch"
	KindContactShare   Kind = "contact-share"
	KindGroupUpdate    Kind = "group-update"
	KindKeyChange      Kind = "key-change"
)

// Valid reports whether k is a known payload kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSentTranscript, KindReadReceipts, KindViewedReceipts, KindContactShare, KindGroupUpdate, KindKeyChange:
		return true
	default:
		return false
	}
}

// Expiration is the disappearing-message configuration carried by a payload.
type Expiration struct {
	ExpiresInSeconds uint32 `json:"expiresInSeconds"`
	ExpireStartedAt  uint64 `json:"expireStartedAt,omitempty"`
}

// Receipt acknowledges one message by one address.
type Receipt struct {
	Address          models.Address `json:"address"`
	MessageTimestamp uint64         `json:"messageTimestamp"`
	At               uint64         `json:"at,omitempty"`
}

// GroupChange carries a group-update event to linked devices.
type GroupChange struct {
	ThreadID string             `json:"threadId"`
	Old      *models.GroupModel `json:"oldGroupModel,omitempty"`
	New      *models.GroupModel `json:"newGroupModel,omitempty"`
	Source   models.Address     `json:"sourceAddress,omitempty"`
}

// KeyChange carries a verification-state change to linked devices.
type KeyChange struct {
	Address           models.Address             `json:"address"`
	VerificationState sysevent.VerificationState `json:"verificationState"`
}

// Payload is the envelope shared by every sync payload kind.
//
// Body and AttachmentIDs are set for transcripts only. RecipientStates
// mirrors the delivery snapshot order.
type Payload struct {
	Kind            Kind                 `json:"kind"`
	Timestamp       uint64               `json:"timestamp"`
	ThreadID        string               `json:"threadId,omitempty"`
	MessageID       string               `json:"messageId,omitempty"`
	Expiration      Expiration           `json:"expiration"`
	Body            string               `json:"body,omitempty"`
	AttachmentIDs   []string             `json:"attachmentIds,omitempty"`
	RecipientStates []delivery.Record    `json:"recipientStates,omitempty"`
	Receipts        []Receipt            `json:"receipts,omitempty"`
	Contact         *models.ContactShare `json:"contact,omitempty"`
	Group           *GroupChange         `json:"group,omitempty"`
	KeyChange       *KeyChange           `json:"keyChange,omitempty"`
	DedupeKey       string               `json:"dedupeKey"`
}

// DedupeKey returns the key under which at most one payload of kind is
// built for the message sent at timestamp.
func DedupeKey(timestamp uint64, kind Kind) string {
	return fmt.Sprintf("%d/%s", timestamp, kind)
}

// EventDedupeKey returns the dedupe key of a payload built from the system
// event eventID. Events of one kind share timestamps across threads, so the
// event ID is part of the key.
func EventDedupeKey(timestamp uint64, kind Kind, eventID string) string {
	if eventID == "" {
		return DedupeKey(timestamp, kind)
	}
	return fmt.Sprintf("%d/%s/%s", timestamp, kind, eventID)
}

// Digest returns a hex BLAKE2b-256 digest of the encoded payload.
func (p *Payload) Digest() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
