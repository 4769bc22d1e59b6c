package sysevent

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"msgsync/expiry"
	"msgsync/models"
)

// payloadVersion is written under the "v" key of every encoded payload.
const payloadVersion = 1

// Wire keys of the versioned payload mapping.
const (
	KeyVersion                     = "v"
	KeyOldGroupModel               = "oldGroupModel"
	KeyNewGroupModel               = "newGroupModel"
	KeyOldDisappearingMessageToken = "oldDisappearingMessageToken"
	KeyNewDisappearingMessageToken = "newDisappearingMessageToken"
	KeyGroupUpdateSourceAddress    = "groupUpdateSourceAddress"
	KeyUnregisteredAddress         = "unregisteredAddress"
	KeyVerifiedAddress             = "verifiedAddress"
	KeyVerificationState           = "verificationState"
	KeyIsLocalChange               = "isLocalChange"
	KeyProtocolVersion             = "protocolVersion"
	KeySenderAddress               = "senderAddress"
	KeyJoinedAddress               = "joinedAddress"
)

// userInfo is the union of every payload field, keyed by wire name.
type userInfo struct {
	Version                     int                `json:"v"`
	OldGroupModel               *models.GroupModel `json:"oldGroupModel,omitempty"`
	NewGroupModel               *models.GroupModel `json:"newGroupModel,omitempty"`
	OldDisappearingMessageToken *expiry.Token      `json:"oldDisappearingMessageToken,omitempty"`
	NewDisappearingMessageToken *expiry.Token      `json:"newDisappearingMessageToken,omitempty"`
	GroupUpdateSourceAddress    models.Address     `json:"groupUpdateSourceAddress,omitempty"`
	UnregisteredAddress         models.Address     `json:"unregisteredAddress,omitempty"`
	VerifiedAddress             models.Address     `json:"verifiedAddress,omitempty"`
	VerificationState           *VerificationState `json:"verificationState,omitempty"`
	IsLocalChange               bool               `json:"isLocalChange,omitempty"`
	ProtocolVersion             int                `json:"protocolVersion,omitempty"`
	SenderAddress               models.Address     `json:"senderAddress,omitempty"`
	JoinedAddress               models.Address     `json:"joinedAddress,omitempty"`
}

func (u *userInfo) targets() map[string]any {
	return map[string]any{
		KeyVersion:                     &u.Version,
		KeyOldGroupModel:               &u.OldGroupModel,
		KeyNewGroupModel:               &u.NewGroupModel,
		KeyOldDisappearingMessageToken: &u.OldDisappearingMessageToken,
		KeyNewDisappearingMessageToken: &u.NewDisappearingMessageToken,
		KeyGroupUpdateSourceAddress:    &u.GroupUpdateSourceAddress,
		KeyUnregisteredAddress:         &u.UnregisteredAddress,
		KeyVerifiedAddress:             &u.VerifiedAddress,
		KeyVerificationState:           &u.VerificationState,
		KeyIsLocalChange:               &u.IsLocalChange,
		KeyProtocolVersion:             &u.ProtocolVersion,
		KeySenderAddress:               &u.SenderAddress,
		KeyJoinedAddress:               &u.JoinedAddress,
	}
}

// EncodePayload returns the versioned wire mapping for p.
func EncodePayload(p Payload) (json.RawMessage, error) {
	u := userInfo{Version: payloadVersion}
	if p != nil {
		p.fill(&u)
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// DecodePayload rebuilds the payload variant for t from its wire mapping.
//
// Unknown keys and malformed values are logged at debug level and ignored.
// Missing keys leave the corresponding field absent.
func DecodePayload(t MessageType, raw json.RawMessage, logger *slog.Logger) (Payload, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("decode payload: %w: %d", ErrUnknownType, int(t))
	}
	if logger == nil {
		logger = slog.Default()
	}

	var u userInfo
	if len(raw) > 0 && string(raw) != "null" {
		fields := make(map[string]json.RawMessage)
		if err := json.Unmarshal(raw, &fields); err != nil {
			logger.Debug("system event payload is not a mapping", "message_type", t.String(), "error", err)
		}

		targets := u.targets()
		for key, value := range fields {
			target, ok := targets[key]
			if !ok {
				logger.Debug("ignoring unknown system event payload key", "message_type", t.String(), "key", key)
				continue
			}
			if err := json.Unmarshal(value, target); err != nil {
				logger.Debug("ignoring malformed system event payload value",
					"message_type", t.String(),
					"key", key,
					"error", err)
			}
		}
		if u.Version > payloadVersion {
			logger.Debug("system event payload from newer version", "message_type", t.String(), "version", u.Version)
		}
	}

	return payloadFrom(t, u)
}
