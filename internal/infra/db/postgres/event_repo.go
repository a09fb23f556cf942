package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	domain "github.com/gabcoyne/call-coach/internal/domain/events"
)

const pgErrUniqueViolation = "23505"

type EventRepository struct {
	db *sql.DB
}

func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

func (r *EventRepository) SaveEvent(ctx context.Context, ev *domain.IngestEvent, outcome string) error {
	const q = `
INSERT INTO ingest_events (event_id, type, call_id, payload, signature, outcome, received_at)
VALUES ($1,$2,$3,$4,$5,$6,$7);
`
	_, err := r.db.ExecContext(ctx, q,
		nullString(string(ev.ID)), ev.Type, nullString(ev.CallID),
		ev.Payload, ev.Signature, outcome, ev.ReceivedAt,
	)
	return err
}

// CreateRecord relies on the unique constraint on event_id for
// first-writer-wins semantics under concurrent duplicate deliveries.
func (r *EventRepository) CreateRecord(ctx context.Context, rec *domain.ProcessingRecord) error {
	const q = `
INSERT INTO processing_records (event_id, call_id, status, error, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6);
`
	_, err := r.db.ExecContext(ctx, q,
		rec.EventID, rec.CallID, rec.Status, rec.Error, rec.CreatedAt, rec.UpdatedAt,
	)
	var pe *pq.Error
	if errors.As(err, &pe) && string(pe.Code) == pgErrUniqueViolation {
		return domain.ErrDuplicateEvent
	}
	return err
}

func (r *EventRepository) UpdateStatus(ctx context.Context, id domain.EventID, status domain.RecordStatus, errMsg string, at time.Time) error {
	const q = `
UPDATE processing_records SET status=$1, error=$2, updated_at=$3 WHERE event_id=$4;
`
	_, err := r.db.ExecContext(ctx, q, status, errMsg, at, id)
	return err
}

func (r *EventRepository) Get(ctx context.Context, id domain.EventID) (*domain.ProcessingRecord, error) {
	const q = `
SELECT event_id, call_id, status, error, created_at, updated_at
FROM processing_records WHERE event_id=$1 LIMIT 1;
`
	return scanRecord(r.db.QueryRowContext(ctx, q, id))
}

func (r *EventRepository) LatestByCall(ctx context.Context, callID string) (*domain.ProcessingRecord, error) {
	const q = `
SELECT event_id, call_id, status, error, created_at, updated_at
FROM processing_records WHERE call_id=$1 ORDER BY created_at DESC LIMIT 1;
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
