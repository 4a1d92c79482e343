// Package ids mints the time-ordered ids the core relies on for events,
// journeys, and anonymous ids.
package ids

import "github.com/google/uuid"

// New mints a new time-ordered (UUIDv7) identifier, falling back to a
// random v4 id if the host clock/entropy source ever makes v7 generation
// fail (it practically never does, but New must not panic).
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
