package render

import (
	"encoding/json"
	"errors"
	"fmt"

	"msgsync/models"
	"msgsync/storage"
)

const contactKeyPrefix = "contact/"

// Contacts resolves display names inside the caller's transaction. Names are
// never cached across transactions.
type Contacts interface {
	DisplayName(tx storage.Reader, address models.Address) (string, bool)
}

// Contact is the stored display information of one address.
type Contact struct {
	Address     models.Address `json:"address"`
	DisplayName string         `json:"displayName"`
}

// KVContacts reads contacts from the transaction's key-value space.
type KVContacts struct{}

// DisplayName implements Contacts.
func (KVContacts) DisplayName(tx storage.Reader, address models.Address) (string, bool) {
	if address.IsZero() {
		return "", false
	}
	raw, err := tx.Read(contactKeyPrefix + string(address))
	if err != nil {
		return "", false
	}
	var contact Contact
	if err := json.Unmarshal(raw, &contact); err != nil || contact.DisplayName == "" {
		return "", false
	}
	return contact.DisplayName, true
}

// PutContact stores contact for later lookups.
func PutContact(tx storage.Writer, contact Contact) error {
	if contact.Address.IsZero() {
		return errors.New("contact address is required")
	}
	raw, err := json.Marshal(contact)
	if err != nil {
		return fmt.Errorf("encode contact %s: %w", contact.Address, err)
	}
	if err := tx.Write(contactKeyPrefix+string(contact.Address), raw); err != nil {
		return fmt.Errorf("write contact %s: %w", contact.Address, err)
	}
	return nil
}
