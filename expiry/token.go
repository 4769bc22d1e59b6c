package expiry

import (
	"fmt"
	"strings"
)

// Token is a thread's disappearing-message configuration.
type Token struct {
	IsEnabled       bool   `json:"isEnabled"`
	DurationSeconds uint32 `json:"durationSeconds"`
}

// NewToken returns an enabled token for durationSeconds. A zero duration
// yields the disabled token.
func NewToken(durationSeconds uint32) Token {
	if durationSeconds == 0 {
		return DisabledToken()
	}
	return Token{IsEnabled: true, DurationSeconds: durationSeconds}
}

// DisabledToken returns the token for threads without disappearing messages.
func DisabledToken() Token {
	return Token{}
}

// Equal compares tokens by effect. All disabled tokens are equal.
func (t Token) Equal(other Token) bool {
	if !t.active() && !other.active() {
		return true
	}
	return t.active() == other.active() && t.DurationSeconds == other.DurationSeconds
}

func (t Token) active() bool {
	return t.IsEnabled && t.DurationSeconds > 0
}

var durationUnits = []struct {
	seconds uint32
	name    string
}{
	{7 * 24 * 60 * 60, "week"},
	{24 * 60 * 60, "day"},
	{60 * 60, "hour"},
	{60, "minute"},
	{1, "second"},
}

// DurationText renders the token duration in its largest whole unit,
// for example "5 minutes" or "1 week". Durations that do not divide evenly
// are rendered as a compound such as "1 hour 30 minutes".
func (t Token) DurationText() string {
	if !t.active() {
		return "off"
	}

	remaining := t.DurationSeconds
	parts := make([]string, 0, 2)
	for _, unit := range durationUnits {
		if remaining < unit.seconds {
			continue
		}
		count := remaining / unit.seconds
		remaining %= unit.seconds
		name := unit.name
		if count != 1 {
			name += "s"
		}
		parts = append(parts, fmt.Sprintf("%d %s", count, name))
		if len(parts) == 2 {
			break
		}
	}
	return strings.Join(parts, " ")
}
