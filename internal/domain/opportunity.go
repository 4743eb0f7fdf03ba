package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Side is the outcome side of a binary prediction market quote.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Opposite returns the complementary side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Leg is one venue's half of an arbitrage pair: the quoted side, price, and
// size at which the leg would be filled.
type Leg struct {
	Venue string  `json:"venue"`
	Side  Side    `json:"side"`
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Cost is the capital required to fill the leg at its quoted price.
func (l Leg) Cost() float64 {
	return l.Price * l.Size
}

// Opportunity is a priced discrepancy between two venues for the same
// underlying event. The ID is deterministic over the event and both quotes,
// so an unchanged price pair re-detected on a later tick produces the same
// ID and dedupes against the registry. Opportunities are immutable once
// created; a price move yields a new ID.
type Opportunity struct {
	ID              string    `json:"id"`
	EventID         string    `json:"event_id"`
	Title           string    `json:"title,omitempty"`
	VenueA          Leg       `json:"venue_a"`
	VenueB          Leg       `json:"venue_b"`
	Size            float64   `json:"size"`
	TotalCost       float64   `json:"total_cost"`
	EstimatedProfit float64   `json:"estimated_profit"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// OpportunityID derives the deterministic identifier for an event/quote
// pair. Identical inputs always hash to the same ID, which is what makes
// Publish idempotent across detector ticks.
func OpportunityID(eventID string, a, b Leg, size float64) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	key := strings.Join([]string{
		eventID,
		a.Venue, string(a.Side), f(a.Price),
		b.Venue, string(b.Side), f(b.Price),
		f(size),
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

// OpportunityPreview is the redacted view disclosed before unlock: enough
// to judge whether the opportunity is worth paying for, without the venues
// or prices needed to trade it independently.
type OpportunityPreview struct {
	ID              string    `json:"id"`
	Title           string    `json:"title,omitempty"`
	Size            float64   `json:"size"`
	TotalCost       float64   `json:"total_cost"`
	EstimatedProfit float64   `json:"estimated_profit"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Locked          bool      `json:"locked"`
}

// Preview strips the legs from the opportunity.
func (o Opportunity) Preview() OpportunityPreview {
	return OpportunityPreview{
		ID:              o.ID,
		Title:           o.Title,
		Size:            o.Size,
		TotalCost:       o.TotalCost,
		EstimatedProfit: o.EstimatedProfit,
		CreatedAt:       o.CreatedAt,
		ExpiresAt:       o.ExpiresAt,
		Locked:          true,
	}
}

// ActiveAt reports whether the opportunity is within its validity window
// [CreatedAt, ExpiresAt) at the given instant.
func (o Opportunity) ActiveAt(t time.Time) bool {
	return !t.Before(o.CreatedAt) && t.Before(o.ExpiresAt)
}

// Validate checks the structural invariants every published opportunity must
// satisfy: complementary sides across venues, a strictly positive estimated
// profit, and a combined cost below the payout size.
func (o Opportunity) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("opportunity: empty id")
	}
	if o.EventID == "" {
		return fmt.Errorf("opportunity %s: empty event id", o.ID)
	}
	if o.VenueA.Side == o.VenueB.Side {
		return fmt.Errorf("opportunity %s: legs must take complementary sides, both are %q", o.ID, o.VenueA.Side)
	}
	if o.EstimatedProfit <= 0 {
		return fmt.Errorf("opportunity %s: estimated profit %.4f is not positive", o.ID, o.EstimatedProfit)
	}
	if o.TotalCost >= o.Size {
		return fmt.Errorf("opportunity %s: total cost %.4f is not below size %.4f", o.ID, o.TotalCost, o.Size)
	}
	if !o.ExpiresAt.After(o.CreatedAt) {
		return fmt.Errorf("opportunity %s: expires_at must be after created_at", o.ID)
	}
	return nil
}
