package sysevent

import (
	"msgsync/expiry"
	"msgsync/models"
)

// Payload is the closed set of per-type event payloads. Every optional field
// may be absent in entries written by older or newer clients.
type Payload interface {
	MessageType() MessageType
	fill(*userInfo)
}

type SessionEnded struct{}

// UserUnregistered records that a recipient is no longer registered.
type UserUnregistered struct {
	Address models.Address
}

// UnsupportedMessage is obsolete and only produced by decoding.
type UnsupportedMessage struct{}

// GroupUpdate records a group change. A nil Old means the group was created.
type GroupUpdate struct {
	Old    *models.GroupModel
	New    *models.GroupModel
	Source models.Address
}

type GroupQuit struct {
	Source models.Address
}

// DisappearingMessagesUpdate records a change to the thread's timer configuration.
type DisappearingMessagesUpdate struct {
	Old    *expiry.Token
	New    *expiry.Token
	Source models.Address
}

type AddToContactsOffer struct{}

// VerificationStateChange records a change of a contact's verification state.
type VerificationStateChange struct {
	Address       models.Address
	State         *VerificationState
	IsLocalChange bool
}

type AddUserToWhitelistOffer struct{}

type AddGroupToWhitelistOffer struct{}

// UnknownProtocolVersion records a message from a newer protocol version.
type UnknownProtocolVersion struct {
	Sender          models.Address
	ProtocolVersion int
}

type UserJoined struct {
	Address models.Address
}

type ThreadSynced struct{}

func (SessionEnded) MessageType() MessageType               { return TypeSessionEnded }
func (UserUnregistered) MessageType() MessageType           { return TypeUserUnregistered }
func (UnsupportedMessage) MessageType() MessageType         { return TypeUnsupportedMessage }
func (GroupUpdate) MessageType() MessageType                { return TypeGroupUpdate }
func (GroupQuit) MessageType() MessageType                  { return TypeGroupQuit }
func (DisappearingMessagesUpdate) MessageType() MessageType { return TypeDisappearingMessagesUpdate }
func (AddToContactsOffer) MessageType() MessageType         { return TypeAddToContactsOffer }
func (VerificationStateChange) MessageType() MessageType    { return TypeVerificationStateChange }
func (AddUserToWhitelistOffer) MessageType() MessageType    { return TypeAddUserToWhitelistOffer }
func (AddGroupToWhitelistOffer) MessageType() MessageType   { return TypeAddGroupToWhitelistOffer }
func (UnknownProtocolVersion) MessageType() MessageType     { return TypeUnknownProtocolVersion }
func (UserJoined) MessageType() MessageType                 { return TypeUserJoined }
func (ThreadSynced) MessageType() MessageType               { return TypeThreadSynced }

func (SessionEnded) fill(*userInfo)             {}
func (UnsupportedMessage) fill(*userInfo)       {}
func (AddToContactsOffer) fill(*userInfo)       {}
func (AddUserToWhitelistOffer) fill(*userInfo)  {}
func (AddGroupToWhitelistOffer) fill(*userInfo) {}
func (ThreadSynced) fill(*userInfo)             {}

func (p UserUnregistered) fill(u *userInfo) {
	u.UnregisteredAddress = p.Address
}

func (p GroupUpdate) fill(u *userInfo) {
	u.OldGroupModel = p.Old
	u.NewGroupModel = p.New
	u.GroupUpdateSourceAddress = p.Source
}

func (p GroupQuit) fill(u *userInfo) {
	u.GroupUpdateSourceAddress = p.Source
}

func (p DisappearingMessagesUpdate) fill(u *userInfo) {
	u.OldDisappearingMessageToken = p.Old
	u.NewDisappearingMessageToken = p.New
	u.GroupUpdateSourceAddress = p.Source
}

func (p VerificationStateChange) fill(u *userInfo) {
	u.VerifiedAddress = p.Address
	u.VerificationState = p.State
	u.IsLocalChange = p.IsLocalChange
}

func (p UnknownProtocolVersion) fill(u *userInfo) {
	u.SenderAddress = p.Sender
	u.ProtocolVersion = p.ProtocolVersion
}

func (p UserJoined) fill(u *userInfo) {
	u.JoinedAddress = p.Address
}

// emptyPayload returns the payload with every optional field absent.
func emptyPayload(t MessageType) (Payload, error) {
	return payloadFrom(t, userInfo{})
}

func payloadFrom(t MessageType, u userInfo) (Payload, error) {
	switch t {
	case TypeSessionEnded:
		return SessionEnded{}, nil
	case TypeUserUnregistered:
		return UserUnregistered{Address: u.UnregisteredAddress}, nil
	case TypeUnsupportedMessage:
		return UnsupportedMessage{}, nil
	case TypeGroupUpdate:
		return GroupUpdate{Old: u.OldGroupModel, New: u.NewGroupModel, Source: u.GroupUpdateSourceAddress}, nil
	case TypeGroupQuit:
		return GroupQuit{Source: u.GroupUpdateSourceAddress}, nil
	case TypeDisappearingMessagesUpdate:
		return DisappearingMessagesUpdate{
			Old:    u.OldDisappearingMessageToken,
			New:    u.NewDisappearingMessageToken,
			Source: u.GroupUpdateSourceAddress,
		}, nil
	case TypeAddToContactsOffer:
		return AddToContactsOffer{}, nil
	case TypeVerificationStateChange:
		return VerificationStateChange{
			Address:       u.VerifiedAddress,
			State:         u.VerificationState,
			IsLocalChange: u.IsLocalChange,
		}, nil
	case TypeAddUserToWhitelistOffer:
		return AddUserToWhitelistOffer{}, nil
	case TypeAddGroupToWhitelistOffer:
		return AddGroupToWhitelistOffer{}, nil
	case TypeUnknownProtocolVersion:
		return UnknownProtocolVersion{Sender: u.SenderAddress, ProtocolVersion: u.ProtocolVersion}, nil
	case TypeUserJoined:
		return UserJoined{Address: u.JoinedAddress}, nil
	case TypeThreadSynced:
		return ThreadSynced{}, nil
	default:
		return nil, ErrUnknownType
	}
}
