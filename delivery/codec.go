package delivery

import (
	"fmt"

	"msgsync/models"
)

// Persisted is the stored form of a message's delivery state. Records written
// before per-recipient tracking carry only the legacy fields; current code
// writes only RecipientStates.
type Persisted struct {
	HasLegacyMessageState bool         `json:"hasLegacyMessageState,omitempty"`
	LegacyMessageState    *LegacyState `json:"legacyMessageState,omitempty"`
	LegacyWasDelivered    bool         `json:"legacyWasDelivered,omitempty"`
	RecipientStates       []Record     `json:"recipientAddressStates,omitempty"`
}

// HasLegacy reports whether the legacy single-state field is present.
func (p Persisted) HasLegacy() bool {
	return p.HasLegacyMessageState || p.LegacyMessageState != nil
}

// Decode rebuilds a Store from its persisted form.
//
// When no per-recipient records are present but the legacy field is, one
// synthetic record is created per known recipient at the legacy state.
func Decode(p Persisted, knownRecipients []models.Address, opts ...Option) (*Store, error) {
	store := NewStore(opts...)

	if len(p.RecipientStates) > 0 {
		for _, rec := range p.RecipientStates {
			if rec.Recipient.IsZero() {
				return nil, fmt.Errorf("decode delivery state: %w", models.ErrInvalidAddress)
			}
			if _, exists := store.records[rec.Recipient]; exists {
				return nil, fmt.Errorf("decode delivery state for %s: %w", rec.Recipient, ErrDuplicateRecipient)
			}
			copied := rec.clone()
			if copied.State == StateSkipped {
				copied.IsSkipped = true
			}
			store.insert(&copied)
		}
		return store, nil
	}

	if !p.HasLegacy() {
		return store, nil
	}

	legacy := LegacySending
	if p.LegacyMessageState != nil {
		legacy = *p.LegacyMessageState
	}
	state, err := legacy.State(p.LegacyWasDelivered)
	if err != nil {
		return nil, fmt.Errorf("decode delivery state: %w", err)
	}

	for _, recipient := range knownRecipients {
		if recipient.IsZero() {
			continue
		}
		if _, exists := store.records[recipient]; exists {
			continue
		}
		store.insert(&Record{Recipient: recipient, State: state})
	}
	return store, nil
}

// Encode returns the persisted form of the store. Legacy fields are never written.
func (s *Store) Encode() Persisted {
	return Persisted{RecipientStates: s.Snapshot()}
}
