package sysevent

import (
	"errors"
	"fmt"
)

var (
	// ErrObsoleteType indicates an attempt to record a decode-only message type.
	ErrObsoleteType = errors.New("sysevent: message type is obsolete")
	// ErrPayloadMismatch indicates a payload variant that does not belong to the message type.
	ErrPayloadMismatch = errors.New("sysevent: payload does not match message type")
	// ErrUnknownType indicates a message type outside the enumeration.
	ErrUnknownType = errors.New("sysevent: unknown message type")
)

// MessageType discriminates system events. Values keep their persisted order.
type MessageType int

const (
	TypeSessionEnded MessageType = iota
	TypeUserUnregistered
	// TypeUnsupportedMessage is obsolete. It is decoded but never recorded.
	TypeUnsupportedMessage
	TypeGroupUpdate
	TypeGroupQuit
	TypeDisappearingMessagesUpdate
	TypeAddToContactsOffer
	TypeVerificationStateChange
	TypeAddUserToWhitelistOffer
	TypeAddGroupToWhitelistOffer
	TypeUnknownProtocolVersion
	TypeUserJoined
	TypeThreadSynced
)

var typeNames = [...]string{
	TypeSessionEnded:               "session-ended",
	TypeUserUnregistered:           "user-unregistered",
	TypeUnsupportedMessage:         "unsupported-message",
	TypeGroupUpdate:                "group-update",
	TypeGroupQuit:                  "group-quit",
	TypeDisappearingMessagesUpdate: "disappearing-messages-update",
	TypeAddToContactsOffer:         "add-to-contacts-offer",
	TypeVerificationStateChange:    "verification-state-change",
	TypeAddUserToWhitelistOffer:    "add-user-to-whitelist-offer",
	TypeAddGroupToWhitelistOffer:   "add-group-to-whitelist-offer",
	TypeUnknownProtocolVersion:     "unknown-protocol-version",
	TypeUserJoined:                 "user-joined",
	TypeThreadSynced:               "thread-synced",
}

// Valid reports whether t is part of the enumeration.
func (t MessageType) Valid() bool {
	return t >= 0 && int(t) < len(typeNames)
}

// Obsolete reports whether t may only be decoded.
func (t MessageType) Obsolete() bool {
	return t == TypeUnsupportedMessage
}

func (t MessageType) String() string {
	if t.Valid() {
		return typeNames[t]
	}
	return fmt.Sprintf("message-type(%d)", int(t))
}

// ParseMessageType parses the text form produced by MessageType.String.
func ParseMessageType(s string) (MessageType, error) {
	for i, name := range typeNames {
		if name == s {
			return MessageType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// VerificationState is the safety-number verification state of a contact.
type VerificationState int

const (
	VerificationDefault VerificationState = iota
	VerificationVerified
	VerificationNoLongerVerified
)

func (v VerificationState) String() string {
	switch v {
	case VerificationDefault:
		return "default"
	case VerificationVerified:
		return "verified"
	case VerificationNoLongerVerified:
		return "no-longer-verified"
	default:
		return fmt.Sprintf("verification(%d)", int(v))
	}
}
