package events

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateEvent is returned by CreateRecord when a record for the
// event id already exists in any status.
var ErrDuplicateEvent = errors.New("events: duplicate event id")

// Repository port (interface for persistence)
type Repository interface {
	// SaveEvent stores the raw event for audit, tagged with the gate outcome.
	SaveEvent(ctx context.Context, ev *IngestEvent, outcome string) error

	// CreateRecord atomically inserts a pending record. Returns
	// ErrDuplicateEvent if any record for the event id exists; the insert
	// must be a single conditional write, not a read-then-write pair.
	CreateRecord(ctx context.Context, rec *ProcessingRecord) error

	// UpdateStatus transitions the record, stamping updated_at with the
	// caller's clock.
	UpdateStatus(ctx context.Context, id EventID, status RecordStatus, errMsg string, at time.Time) error
	Get(ctx context.Context, id EventID) (*ProcessingRecord, error)
	LatestByCall(ctx context.Context, callID string) (*ProcessingRecord, error)
}

// AuditArchive port (object storage for raw event payloads)
type AuditArchive interface {
	Archive(ctx context.Context, ev *IngestEvent, outcome string) error
}
