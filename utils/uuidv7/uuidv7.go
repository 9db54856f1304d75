// Package uuidv7 generates and validates the time-ordered identifiers used for
// every entity: users, guilds, messages.
package uuidv7

import (
	"time"

	"github.com/google/uuid"
)

// canonical 8-4-4-4-12 form
const textLen = 36

// New returns a fresh version-7 UUID in canonical lowercase form.
// IDs produced by one process sort in creation order.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Valid reports whether id is a canonical version-7 UUID: hex groups 8-4-4-4-12,
// version nibble 7, RFC 4122 variant (8, 9, a or b), any letter case.
func Valid(id string) bool {
	if len(id) != textLen {
		return false
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return u.Version() == 7 && u.Variant() == uuid.RFC4122
}

// Time extracts the millisecond timestamp embedded in a valid id.
func Time(id string) (time.Time, bool) {
	if !Valid(id) {
		return time.Time{}, false
	}
	sec, nsec := uuid.MustParse(id).Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), true
}
