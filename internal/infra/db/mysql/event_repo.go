package mysql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	godrv "github.com/go-sql-driver/mysql"

	domain "github.com/gabcoyne/call-coach/internal/domain/events"
)

const mysqlErrDuplicateEntry = 1062

type EventRepository struct {
	db *sql.DB
}

func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// SaveEvent appends the raw event to the audit table, tagged with the
// gate outcome. Rows are append-only; the event id may be empty when
// the signature never verified.
func (r *EventRepository) SaveEvent(ctx context.Context, ev *domain.IngestEvent, outcome string) error {
	const q = `
INSERT INTO ingest_events (event_id, type, call_id, payload, signature, outcome, received_at)
VALUES (?,?,?,?,?,?,?);
`
	_, err := r.db.ExecContext(ctx, q,
		nullString(string(ev.ID)), ev.Type, nullString(ev.CallID),
		ev.Payload, ev.Signature, outcome, ev.ReceivedAt,
	)
	return err
}

// CreateRecord is the idempotency gate: a single conditional insert
// against the unique event id, so concurrent duplicate deliveries race
// on the constraint instead of a read-then-write pair.
func (r *EventRepository) CreateRecord(ctx context.Context, rec *domain.ProcessingRecord) error {
	const q = `
INSERT INTO processing_records (event_id, call_id, status, error, created_at, updated_at)
VALUES (?,?,?,?,?,?);
`
	_, err := r.db.ExecContext(ctx, q,
		rec.EventID, rec.CallID, rec.Status, rec.Error, rec.CreatedAt, rec.UpdatedAt,
	)
	var me *godrv.MySQLError
	if errors.As(err, &me) && me.Number == mysqlErrDuplicateEntry {
		return domain.ErrDuplicateEvent
	}
	return err
}

func (r *EventRepository) UpdateStatus(ctx context.Context, id domain.EventID, status domain.RecordStatus, errMsg string, at time.Time) error {
	const q = `
UPDATE processing_records SET status=?, error=?, updated_at=? WHERE event_id=?;
`
	_, err := r.db.ExecContext(ctx, q, status, errMsg, at, id)
	return err
}

func (r *EventRepository) Get(ctx context.Context, id domain.EventID) (*domain.ProcessingRecord, error) {
	const q = `
SELECT event_id, call_id, status, error, created_at, updated_at
FROM processing_records WHERE event_id=? LIMIT 1;
`
	return scanRecord(r.db.QueryRowContext(ctx, q, id))
}

// LatestByCall returns the most recent record for a call, or nil when
// the call has never been ingested.
func (r *EventRepository) LatestByCall(ctx context.Context, callID string) (*domain.ProcessingRecord, error) {
	const q = `
SELECT event_id, call_id, status, error, created_at, updated_at
FROM processing_records WHERE call_id=? ORDER BY created_at DESC LIMIT 1;
`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, q, callID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func scanRecord(row *sql.Row) (*domain.ProcessingRecord, error) {
	var rec domain.ProcessingRecord
	if err := row.Scan(
		&rec.EventID, &rec.CallID, &rec.Status, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
