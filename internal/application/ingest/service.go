package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gabcoyne/call-coach/internal/application"
	"github.com/gabcoyne/call-coach/internal/domain/events"
)

// Outcome of the ingestion gate for one delivery
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// ErrBadSignature indicates the signature header does not match the
// keyed hash of the raw payload.
var ErrBadSignature = errors.New("ingest: signature mismatch")

// ErrMalformedPayload indicates the payload is missing required fields.
var ErrMalformedPayload = errors.New("ingest: malformed payload")

// Starter schedules the detached analysis for an accepted event. The
// gate never waits on it; all fetching, chunking and scoring happens
// after the acknowledgment is sent.
type Starter interface {
	StartDetached(eventID events.EventID, callID string)
}

// payload is the inbound webhook body
type payload struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	CallID  string `json:"call_id"`
}

// Service is the ingestion gate: verify, dedupe, schedule. The
// synchronous path stays under the acknowledgment latency budget.
type Service struct {
	Repo    events.Repository
	Archive events.AuditArchive
	Starter Starter
	Secret  []byte
	Clock   application.Clock
	Log     zerolog.Logger
}

// Accept processes one raw delivery. Signature mismatches are rejected
// with no processing state beyond audit; a second delivery of a known
// event id is an idempotent no-op returning duplicate.
func (s *Service) Accept(ctx context.Context, rawBody []byte, signature string) (Outcome, error) {
	now := s.Clock.Now()

	if !s.verify(rawBody, signature) {
		ev := &events.IngestEvent{
			Type:       "unverified",
			Payload:    rawBody,
			Signature:  signature,
			ReceivedAt: now,
		}
		s.audit(ctx, ev, string(OutcomeRejected))
		return OutcomeRejected, ErrBadSignature
	}

	var p payload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		ev := &events.IngestEvent{
			Type:       "malformed",
			Payload:    rawBody,
			Signature:  signature,
			ReceivedAt: now,
		}
		s.audit(ctx, ev, string(OutcomeRejected))
		return OutcomeRejected, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	ev := &events.IngestEvent{
		ID:         events.EventID(p.EventID),
		Type:       p.Type,
		CallID:     p.CallID,
		Payload:    rawBody,
		Signature:  signature,
		ReceivedAt: now,
	}
	if p.EventID == "" || p.CallID == "" {
		s.audit(ctx, ev, string(OutcomeRejected))
		return OutcomeRejected, fmt.Errorf("%w: event_id and call_id are required", ErrMalformedPayload)
	}

	rec := &events.ProcessingRecord{
		EventID:   ev.ID,
		CallID:    ev.CallID,
		Status:    events.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Repo.CreateRecord(ctx, rec); err != nil {
		if errors.Is(err, events.ErrDuplicateEvent) {
			s.audit(ctx, ev, string(OutcomeDuplicate))
			return OutcomeDuplicate, nil
		}
		return OutcomeRejected, fmt.Errorf("creating processing record: %w", err)
	}

	s.audit(ctx, ev, string(OutcomeAccepted))
	s.Starter.StartDetached(ev.ID, ev.CallID)
	return OutcomeAccepted, nil
}

// verify checks the keyed hash over the raw body in constant time.
// Accepts the bare hex digest or a "sha256=" prefixed form.
func (s *Service) verify(rawBody []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, s.Secret)
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// audit records the raw event durably, tagged with outcome. Audit
// failures are logged, not surfaced: they must not reject a valid
// event or hide a rejection.
func (s *Service) audit(ctx context.Context, ev *events.IngestEvent, outcome string) {
	if err := s.Repo.SaveEvent(ctx, ev, outcome); err != nil {
		s.Log.Warn().Err(err).Str("event_id", string(ev.ID)).Msg("event audit row failed")
	}
	if s.Archive == nil {
		return
	}
	if err := s.Archive.Archive(ctx, ev, outcome); err != nil {
		s.Log.Warn().Err(err).Str("event_id", string(ev.ID)).Msg("event payload archive failed")
	}
}
