package domain

import "github.com/jonboulle/clockwork"

// NewClock returns c, or the real clock when c is nil. Layers take an optional
// clock so tests can freeze time for responded_at, created_at and "today".
func NewClock(c clockwork.Clock) clockwork.Clock {
	if c == nil {
		return clockwork.NewRealClock()
	}
	return c
}
