package domain

import "time"

// EscalatedItem is what lands in the dead-letter store when an event fails
// terminally. The original event is kept verbatim so replay tooling can
// re-submit it unchanged.
type EscalatedItem struct {
	Event        Event
	Kind         string
	Channel      string
	Attempts     int
	FirstFailure time.Time
	LastFailure  time.Time
	Cause        string
}
