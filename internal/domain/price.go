package domain

import "time"

// PriceQuote is a single oracle price observation. ObservedAt is the oracle's
// own update time, not the time the quote was fetched; staleness is always
// judged against ObservedAt.
type PriceQuote struct {
	Asset      string
	Price      float64 // quote currency
	ObservedAt time.Time
}

// Age returns how old the quote is relative to now.
func (q PriceQuote) Age(now time.Time) time.Duration {
	return now.Sub(q.ObservedAt)
}

// StaleAt reports whether the quote is older than the given bound at the
// given reference time.
func (q PriceQuote) StaleAt(now time.Time, bound time.Duration) bool {
	return q.Age(now) > bound
}
