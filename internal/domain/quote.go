package domain

import "time"

// Quote is a normalized price/side/size snapshot from one venue adapter.
// AsOf is the venue's own timestamp for the quote, used for freshness
// filtering by the detector.
type Quote struct {
	Venue   string
	EventID string
	Side    Side
	Price   float64
	Size    float64
	AsOf    time.Time
}

// StaleAt reports whether the quote is older than the freshness window at
// the given instant. Stale quotes are discarded rather than used to compute
// a spread.
func (q Quote) StaleAt(now time.Time, window time.Duration) bool {
	return now.Sub(q.AsOf) > window
}
