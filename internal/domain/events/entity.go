package events

import "time"

// EventID identifier type for inbound webhook events
type EventID string

// RecordStatus enum
type RecordStatus string

const (
	StatusPending    RecordStatus = "pending"
	StatusProcessing RecordStatus = "processing"
	StatusCompleted  RecordStatus = "completed"
	StatusFailed     RecordStatus = "failed"
)

// Terminal reports whether the status is final. Terminal records never
// re-transition without an explicit force-reanalysis request.
func (s RecordStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IngestEvent is the raw inbound event as received. Immutable after
// creation; retained for audit regardless of outcome.
type IngestEvent struct {
	ID         EventID   `json:"id"`
	Type       string    `json:"type"`
	CallID     string    `json:"call_id"`
	Payload    []byte    `json:"-"`
	Signature  string    `json:"-"`
	ReceivedAt time.Time `json:"received_at"`
}

// ProcessingRecord tracks the pipeline state for one event identifier.
// Exactly one record exists per event id; creation is first-writer-wins.
type ProcessingRecord struct {
	EventID   EventID      `json:"event_id"`
	CallID    string       `json:"call_id"`
	Status    RecordStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}
