package render

import (
	"fmt"
	"strings"

	"msgsync/delivery"
	"msgsync/models"
	"msgsync/storage"
	"msgsync/sysevent"
)

// Renderer produces display text for system events and delivery state.
// Every function tolerates missing payload fields and falls back to a
// generic description of the message type.
type Renderer struct {
	// Local is the account address rendered as "You".
	Local    models.Address
	Contacts Contacts
}

// New returns a Renderer backed by KVContacts.
func New(local models.Address) *Renderer {
	return &Renderer{Local: local, Contacts: KVContacts{}}
}

func (r *Renderer) name(tx storage.Reader, address models.Address) string {
	if address.IsZero() {
		return ""
	}
	if address == r.Local {
		return "You"
	}
	if r.Contacts != nil {
		if name, ok := r.Contacts.DisplayName(tx, address); ok {
			return name
		}
	}
	return address.String()
}

// EventText renders a system event entry.
func (r *Renderer) EventText(tx storage.Reader, entry sysevent.Entry) string {
	if entry.CustomMessage != "" {
		return entry.CustomMessage
	}

	switch p := entry.Payload.(type) {
	case sysevent.SessionEnded:
		return "Secure session was reset."
	case sysevent.UserUnregistered:
		if name := r.name(tx, p.Address); name != "" {
			return fmt.Sprintf("%s is no longer registered.", name)
		}
		return "A contact is no longer registered."
	case sysevent.UnsupportedMessage:
		return "Received a message that this version cannot display."
	case sysevent.GroupUpdate:
		return r.groupUpdateText(tx, p)
	case sysevent.GroupQuit:
		if name := r.name(tx, p.Source); name != "" {
			return fmt.Sprintf("%s left the group.", name)
		}
		return "A member left the group."
	case sysevent.DisappearingMessagesUpdate:
		return r.disappearingText(tx, p)
	case sysevent.AddToContactsOffer:
		return "This sender is not in your contacts."
	case sysevent.VerificationStateChange:
		return r.verificationText(tx, p)
	case sysevent.AddUserToWhitelistOffer:
		return "Share your profile with this contact?"
	case sysevent.AddGroupToWhitelistOffer:
		return "Share your profile with this group?"
	case sysevent.UnknownProtocolVersion:
		name := r.name(tx, p.Sender)
		switch {
		case name != "" && p.ProtocolVersion > 0:
			return fmt.Sprintf("%s sent a message from a newer version (protocol %d).", name, p.ProtocolVersion)
		case name != "":
			return fmt.Sprintf("%s sent a message from a newer version.", name)
		default:
			return "Received a message from a newer version."
		}
	case sysevent.UserJoined:
		if name := r.name(tx, p.Address); name != "" {
			return fmt.Sprintf("%s joined.", name)
		}
		return "A contact joined."
	case sysevent.ThreadSynced:
		return "Conversation synced from a linked device."
	default:
		return genericText(entry.Type)
	}
}

func genericText(t sysevent.MessageType) string {
	switch t {
	case sysevent.TypeGroupUpdate:
		return "Group updated."
	case sysevent.TypeDisappearingMessagesUpdate:
		return "Disappearing message settings changed."
	case sysevent.TypeVerificationStateChange:
		return "Verification state changed."
	default:
		return "Conversation updated."
	}
}

func (r *Renderer) groupUpdateText(tx storage.Reader, p sysevent.GroupUpdate) string {
	actor := r.name(tx, p.Source)

	if p.Old == nil && p.New != nil {
		title := ""
		if p.New.Title != "" {
			title = fmt.Sprintf(" %q", p.New.Title)
		}
		if actor != "" {
			return fmt.Sprintf("%s created the group%s.", actor, title)
		}
		return fmt.Sprintf("Group%s created.", title)
	}
	if p.Old == nil || p.New == nil {
		return genericText(sysevent.TypeGroupUpdate)
	}

	changes := make([]string, 0, 3)
	if p.Old.Title != p.New.Title && p.New.Title != "" {
		changes = append(changes, fmt.Sprintf("Title is now %q.", p.New.Title))
	}
	if joined := r.memberDiff(tx, p.New, p.Old); len(joined) > 0 {
		changes = append(changes, fmt.Sprintf("%s joined the group.", strings.Join(joined, ", ")))
	}
	if left := r.memberDiff(tx, p.Old, p.New); len(left) > 0 {
		changes = append(changes, fmt.Sprintf("%s left the group.", strings.Join(left, ", ")))
	}
	if len(changes) == 0 {
		changes = append(changes, "Group updated.")
	}

	text := strings.Join(changes, " ")
	if actor != "" {
		return fmt.Sprintf("%s updated the group. %s", actor, text)
	}
	return text
}

// memberDiff returns display names of members of a that are not in b.
func (r *Renderer) memberDiff(tx storage.Reader, a, b *models.GroupModel) []string {
	out := make([]string, 0)
	for _, member := range a.Members {
		if !b.HasMember(member) {
			out = append(out, r.name(tx, member))
		}
	}
	return out
}

func (r *Renderer) disappearingText(tx storage.Reader, p sysevent.DisappearingMessagesUpdate) string {
	if p.New == nil {
		return genericText(sysevent.TypeDisappearingMessagesUpdate)
	}
	actor := r.name(tx, p.Source)
	if actor == "" {
		actor = "A member"
	}
	if !p.New.IsEnabled || p.New.DurationSeconds == 0 {
		return fmt.Sprintf("%s disabled disappearing messages.", actor)
	}
	return fmt.Sprintf("%s set disappearing message time to %s.", actor, p.New.DurationText())
}

func (r *Renderer) verificationText(tx storage.Reader, p sysevent.VerificationStateChange) string {
	name := r.name(tx, p.Address)
	if name == "" || p.State == nil {
		return genericText(sysevent.TypeVerificationStateChange)
	}

	var text string
	switch *p.State {
	case sysevent.VerificationVerified:
		text = fmt.Sprintf("You marked %s as verified", name)
	case sysevent.VerificationNoLongerVerified:
		text = fmt.Sprintf("You marked %s as not verified", name)
	default:
		text = fmt.Sprintf("Verification of %s was reset", name)
	}
	if !p.IsLocalChange {
		text += " from another device"
	}
	return text + "."
}

// RecordText renders one recipient's delivery record.
func (r *Renderer) RecordText(tx storage.Reader, rec delivery.Record) string {
	name := r.name(tx, rec.Recipient)
	switch rec.State {
	case delivery.StateSending:
		return fmt.Sprintf("Sending to %s", name)
	case delivery.StateSent:
		return fmt.Sprintf("Sent to %s", name)
	case delivery.StateDelivered:
		return fmt.Sprintf("Delivered to %s", name)
	case delivery.StateRead:
		return fmt.Sprintf("Read by %s", name)
	case delivery.StateViewed:
		return fmt.Sprintf("Viewed by %s", name)
	case delivery.StateFailed:
		if rec.ErrorCode != nil {
			return fmt.Sprintf("Failed to send to %s (error %d)", name, *rec.ErrorCode)
		}
		return fmt.Sprintf("Failed to send to %s", name)
	case delivery.StateSkipped:
		return fmt.Sprintf("Not sent to %s", name)
	default:
		return name
	}
}

// StatusText renders a whole-message status badge.
func StatusText(status delivery.MessageStatus) string {
	switch status {
	case delivery.StatusPending:
		return "Sending"
	case delivery.StatusSent:
		return "Sent"
	case delivery.StatusDelivered:
		return "Delivered"
	case delivery.StatusRead:
		return "Read"
	case delivery.StatusViewed:
		return "Viewed"
	case delivery.StatusPartiallyFailed:
		return "Partially failed"
	case delivery.StatusFailed:
		return "Failed"
	default:
		return status.String()
	}
}
