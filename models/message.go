package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Direction distinguishes locally authored messages from received ones.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// GroupMetaMessage marks messages that carry group membership changes.
type GroupMetaMessage int

const (
	GroupMetaUnspecified GroupMetaMessage = iota
	GroupMetaNew
	GroupMetaUpdate
	GroupMetaDeliver
	GroupMetaQuit
	GroupMetaRequestInfo
)

// Message is a conversation message whose delivery lifecycle is tracked.
//
// Timestamp is the client-assigned send time and the cross-device
// correlation key; UniqueID is the local storage key. Content fields are
// immutable once sent. Only expiration timestamps and flags change later.
type Message struct {
	UniqueID            string    `json:"uniqueId"`
	ThreadID            string    `json:"threadId"`
	Timestamp           uint64    `json:"timestamp"`
	ReceivedAtTimestamp uint64    `json:"receivedAtTimestamp"`
	Direction           Direction `json:"direction"`
	Author              Address   `json:"author,omitempty"`

	Body          string        `json:"body,omitempty"`
	AttachmentIDs []string      `json:"attachmentIds,omitempty"`
	ContactShare  *ContactShare `json:"contactShare,omitempty"`
	LinkPreview   *LinkPreview  `json:"linkPreview,omitempty"`
	Sticker       *Sticker      `json:"messageSticker,omitempty"`
	Quote         *Quote        `json:"quotedMessage,omitempty"`
	CustomMessage string        `json:"customMessage,omitempty"`

	ExpiresInSeconds             uint32 `json:"expiresInSeconds"`
	ExpireStartedAt              uint64 `json:"expireStartedAt"`
	ExpiresAt                    uint64 `json:"expiresAt"`
	StoredShouldStartExpireTimer bool   `json:"storedShouldStartExpireTimer"`

	IsViewOnce         bool `json:"isViewOnceMessage"`
	IsViewOnceComplete bool `json:"isViewOnceComplete"`
	IsVoiceMessage     bool `json:"isVoiceMessage"`

	GroupMetaMessage      GroupMetaMessage `json:"groupMetaMessage"`
	IsFromLinkedDevice    bool             `json:"isFromLinkedDevice"`
	IsSyncMessage         bool             `json:"isSyncMessage"`
	HasSyncedTranscript   bool             `json:"hasSyncedTranscript"`
	MostRecentFailureText string           `json:"mostRecentFailureText,omitempty"`
	Recalled              bool             `json:"recalled"`
}

// MessageParams holds the named inputs accepted by NewMessage.
type MessageParams struct {
	UniqueID            string
	ThreadID            string    `validate:"required"`
	Timestamp           uint64    `validate:"required"`
	ReceivedAtTimestamp uint64
	Direction           Direction `validate:"required,oneof=outgoing incoming"`
	Author              Address   `validate:"required_if=Direction incoming"`

	Body          string
	AttachmentIDs []string `validate:"dive,required"`
	ContactShare  *ContactShare
	LinkPreview   *LinkPreview
	Sticker       *Sticker
	Quote         *Quote
	CustomMessage string

	ExpiresInSeconds             uint32
	StoredShouldStartExpireTimer bool

	IsViewOnce         bool
	IsVoiceMessage     bool
	GroupMetaMessage   GroupMetaMessage `validate:"gte=0,lte=5"`
	IsFromLinkedDevice bool
	IsSyncMessage      bool
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewMessage validates p and builds a Message from it.
func NewMessage(p MessageParams) (*Message, error) {
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	if p.IsViewOnce && len(p.AttachmentIDs) == 0 {
		return nil, fmt.Errorf("invalid message: view-once message requires an attachment")
	}

	uniqueID := p.UniqueID
	if uniqueID == "" {
		uniqueID = uuid.NewString()
	}
	receivedAt := p.ReceivedAtTimestamp
	if receivedAt == 0 {
		receivedAt = uint64(time.Now().UnixMilli())
	}

	return &Message{
		UniqueID:                     uniqueID,
		ThreadID:                     p.ThreadID,
		Timestamp:                    p.Timestamp,
		ReceivedAtTimestamp:          receivedAt,
		Direction:                    p.Direction,
		Author:                       p.Author,
		Body:                         p.Body,
		AttachmentIDs:                append([]string(nil), p.AttachmentIDs...),
		ContactShare:                 p.ContactShare,
		LinkPreview:                  p.LinkPreview,
		Sticker:                      p.Sticker,
		Quote:                        p.Quote,
		CustomMessage:                p.CustomMessage,
		ExpiresInSeconds:             p.ExpiresInSeconds,
		StoredShouldStartExpireTimer: p.StoredShouldStartExpireTimer,
		IsViewOnce:                   p.IsViewOnce,
		IsVoiceMessage:               p.IsVoiceMessage,
		GroupMetaMessage:             p.GroupMetaMessage,
		IsFromLinkedDevice:           p.IsFromLinkedDevice,
		IsSyncMessage:                p.IsSyncMessage,
	}, nil
}

// IsOutgoing reports whether the message was authored locally.
func (m *Message) IsOutgoing() bool {
	return m.Direction == DirectionOutgoing
}

// HasExpiration reports whether the message is a disappearing message.
func (m *Message) HasExpiration() bool {
	return m.ExpiresInSeconds > 0
}

// IsExpirationArmed reports whether the expiration timer has started.
func (m *Message) IsExpirationArmed() bool {
	return m.ExpireStartedAt > 0
}
