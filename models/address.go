package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidAddress indicates a recipient identifier that cannot be normalized.
var ErrInvalidAddress = errors.New("models: invalid address")

// Address is a normalized, comparable recipient identifier.
//
// Service identifiers are stored as canonical lowercase UUIDs, phone numbers
// as E.164 ("+" followed by 7-15 digits).
type Address string

// ParseAddress normalizes raw into an Address.
func ParseAddress(raw string) (Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	if id, err := uuid.Parse(trimmed); err == nil {
		return Address(id.String()), nil
	}

	if strings.HasPrefix(trimmed, "+") {
		digits := trimmed[1:]
		if len(digits) < 7 || len(digits) > 15 {
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
		}
		for _, r := range digits {
			if r < '0' || r > '9' {
				return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
			}
		}
		return Address(trimmed), nil
	}

	return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(raw string) Address {
	addr, err := ParseAddress(raw)
	if err != nil {
		panic(err)
	}
	return addr
}

// String returns the normalized form.
func (a Address) String() string {
	return string(a)
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == ""
}

// UnmarshalText normalizes decoded addresses through ParseAddress. An empty
// value decodes to the zero Address.
func (a *Address) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*a = ""
		return nil
	}
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
