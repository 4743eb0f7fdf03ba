package domain

import (
	"encoding/json"
	"time"
)

// Lifecycle event types delivered to subscribers.
const (
	EventOpportunityPublished = "opportunity_published"
	EventOpportunityExpired   = "opportunity_expired"
	EventUnlockConfirmed      = "unlock_confirmed"
	EventExecutionStarted     = "execution_started"
	EventExecutionCompleted   = "execution_completed"
	EventExecutionFailed      = "execution_failed"
	EventProfitDistributed    = "profit_distributed"
)

// Signal bus channels, one per event family. The broadcaster hub subscribes
// to all of them and fans messages out to connected subscribers.
const (
	ChannelOpportunities = "ch:opportunities"
	ChannelUnlocks       = "ch:unlocks"
	ChannelExecutions    = "ch:executions"
	ChannelProfits       = "ch:profits"
)

// StreamEvents is the durable stream holding recent lifecycle events for the
// history endpoint. Pub/sub delivery stays best-effort; the stream is the
// operator-facing record of what was broadcast.
const StreamEvents = "events:history"

// Event is the envelope published on the signal bus and delivered over the
// subscribe surface. UserID, when set, targets the event at a single
// identified subscriber; events with an empty UserID go to everyone.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"user_id,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(eventType string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Encode marshals the event for bus publication.
func (e Event) Encode() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return data
}
