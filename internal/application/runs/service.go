package runs

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gabcoyne/call-coach/internal/application"
	"github.com/gabcoyne/call-coach/internal/domain/analysis"
	"github.com/gabcoyne/call-coach/internal/domain/events"
	"github.com/gabcoyne/call-coach/internal/domain/transcript"
)

// persistTimeout bounds the final transactional save, which runs on a
// fresh context because the run context may already be expired.
const persistTimeout = 15 * time.Second

// graceAfterTimeout is how long aggregation waits for canceled
// branches to report token usage they already incurred.
const graceAfterTimeout = 2 * time.Second

// Config holds the pipeline tunables. Timeout and retry counts are
// deliberately configurable, not hard-coded.
type Config struct {
	Dimensions     []string
	RubricCategory string
	RubricVersion  string
	RunTimeout     time.Duration
	CacheTTL       time.Duration
	ChunkWindow    int
	ChunkOverlap   float64
	FetchRetries   uint64
}

// Scorer scores one dimension over the full chunk set, owning its own
// retry policy per chunk.
type Scorer interface {
	Score(ctx context.Context, chunks []transcript.Chunk, rubric *analysis.Rubric, dimension string) (*analysis.ScoreResult, analysis.TokenUsage, error)
}

// Service is the analysis orchestrator: it runs the detached unit of
// work scheduled by the ingestion gate and fans out per-dimension
// branches against the cache and the scoring collaborator.
type Service struct {
	Events      events.Repository
	Runs        analysis.RunRepository
	Cache       analysis.ResultCache
	Transcripts analysis.TranscriptSource
	Rubrics     analysis.RubricSource
	Scorer      Scorer
	Clock       application.Clock
	Log         zerolog.Logger
	Cfg         Config
}

// StartDetached schedules Execute on a background context so the
// caller (the webhook response path) never blocks on downstream work.
func (s *Service) StartDetached(eventID events.EventID, callID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.Cfg.RunTimeout)
		defer cancel()
		if _, err := s.Execute(ctx, eventID, callID, false); err != nil {
			s.Log.Error().Err(err).
				Str("event_id", string(eventID)).
				Str("call_id", callID).
				Msg("analysis run failed")
		}
	}()
}

// Reanalyze resets the latest processing record for a call and starts
// a fresh forced run that bypasses cache reads (it still writes). This
// is the only path that re-transitions a terminal record.
func (s *Service) Reanalyze(ctx context.Context, callID string) (events.EventID, error) {
	rec, err := s.Events.LatestByCall(ctx, callID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", analysis.ErrNotFound
	}
	if err := s.Events.UpdateStatus(ctx, rec.EventID, events.StatusProcessing, "", s.Clock.Now()); err != nil {
		return "", fmt.Errorf("resetting record %s: %w", rec.EventID, err)
	}
	go func() {
		runCtx, cancel := context.WithTimeout(context.Background(), s.Cfg.RunTimeout)
		defer cancel()
		if _, err := s.Execute(runCtx, rec.EventID, callID, true); err != nil {
			s.Log.Error().Err(err).Str("call_id", callID).Msg("forced reanalysis failed")
		}
	}()
	return rec.EventID, nil
}

// Execute runs the full state machine for one analysis:
// pending -> running -> {completed | completed_with_errors | failed}.
// With force set, cache lookups are skipped so every dimension is
// recomputed.
func (s *Service) Execute(ctx context.Context, eventID events.EventID, callID string, force bool) (*analysis.AnalysisRun, error) {
	if eventID != "" {
		if err := s.Events.UpdateStatus(ctx, eventID, events.StatusProcessing, "", s.Clock.Now()); err != nil {
			s.Log.Warn().Err(err).Str("event_id", string(eventID)).Msg("record transition to processing failed")
		}
	}

	dims := analysis.CanonicalDimensions(s.Cfg.Dimensions)
	run := &analysis.AnalysisRun{
		ID:         analysis.RunID(uuid.New().String()),
		CallID:     callID,
		EventID:    string(eventID),
		Dimensions: dims,
		Status:     analysis.RunRunning,
		StartedAt:  s.Clock.Now(),
	}
	if err := s.Runs.Create(ctx, run); err != nil {
		err = fmt.Errorf("creating run: %w", err)
		// the record must not linger in processing with nothing to show
		if eventID != "" {
			if uerr := s.Events.UpdateStatus(ctx, eventID, events.StatusFailed, err.Error(), s.Clock.Now()); uerr != nil {
				s.Log.Warn().Err(uerr).Str("event_id", string(eventID)).Msg("record transition to failed state failed")
			}
		}
		run.Status = analysis.RunFailed
		run.Error = err.Error()
		return run, err
	}

	tr, err := s.fetchTranscript(ctx, callID)
	if err != nil {
		return s.finishFailed(run, fmt.Errorf("transcript fetch: %w", err))
	}

	rubric, err := s.Rubrics.Lookup(ctx, s.Cfg.RubricCategory, s.Cfg.RubricVersion)
	if err != nil {
		// a missing rubric version fails every dimension that needs it
		run.Results = failAll(dims, fmt.Sprintf("rubric lookup: %v", err))
		return s.finish(run)
	}

	chunks, err := transcript.Split(tr.Text, s.Cfg.ChunkWindow, s.Cfg.ChunkOverlap)
	if err != nil {
		return s.finishFailed(run, fmt.Errorf("chunking: %w", err))
	}

	run.Results = s.fanOut(ctx, dims, tr.Hash, rubric, chunks, force)
	return s.finish(run)
}

// fanOut executes every dimension branch concurrently. Each branch
// writes exactly its own slot; aggregation is keyed by the canonical
// dimension order, so completion order never changes the output. A
// run-level timeout forces aggregation with whatever has finished.
func (s *Service) fanOut(ctx context.Context, dims []string, transcriptHash string, rubric *analysis.Rubric, chunks []transcript.Chunk, force bool) []analysis.DimensionResult {
	type slot struct {
		idx int
		res analysis.DimensionResult
	}
	ch := make(chan slot, len(dims))
	for i, dim := range dims {
		go func(i int, dim string) {
			ch <- slot{idx: i, res: s.scoreDimension(ctx, dim, transcriptHash, rubric, chunks, force)}
		}(i, dim)
	}

	results := make([]analysis.DimensionResult, len(dims))
	filled := make([]bool, len(dims))
	remaining := len(dims)
	timedOut := false
	for remaining > 0 && !timedOut {
		select {
		case r := <-ch:
			results[r.idx] = r.res
			filled[r.idx] = true
			remaining--
		case <-ctx.Done():
			timedOut = true
		}
	}

	if timedOut {
		// canceled branches unwind quickly once the context fires; wait
		// briefly so partial token usage still lands in the run
		grace := time.NewTimer(graceAfterTimeout)
		defer grace.Stop()
		for remaining > 0 {
			select {
			case r := <-ch:
				results[r.idx] = r.res
				filled[r.idx] = true
				remaining--
			case <-grace.C:
				remaining = 0
			}
		}
		for i := range results {
			if !filled[i] {
				results[i] = analysis.DimensionResult{
					Dimension: dims[i],
					Status:    analysis.DimensionFailed,
					Error:     "run timed out before dimension finished",
				}
			}
		}
	}
	return results
}

// scoreDimension resolves one dimension: cache consult, then scoring
// collaborator on a miss, then cache write-back. Failures stay inside
// this branch and never abort siblings.
func (s *Service) scoreDimension(ctx context.Context, dim, transcriptHash string, rubric *analysis.Rubric, chunks []transcript.Chunk, force bool) analysis.DimensionResult {
	key := analysis.ComputeKey(transcriptHash, rubric.Category, rubric.Version, dim)

	if !force {
		if entry, ok := s.Cache.Get(ctx, key); ok {
			res := entry.Result
			return analysis.DimensionResult{Dimension: dim, Status: analysis.DimensionCacheHit, Result: &res}
		}
	}

	score, usage, err := s.Scorer.Score(ctx, chunks, rubric, dim)
	if err != nil {
		s.Log.Warn().Err(err).Str("dimension", dim).Msg("dimension scoring failed")
		return analysis.DimensionResult{
			Dimension: dim,
			Status:    analysis.DimensionFailed,
			Error:     err.Error(),
			Usage:     usage,
		}
	}

	now := s.Clock.Now()
	s.Cache.Put(ctx, key, &analysis.CacheEntry{
		Key:       key,
		Result:    *score,
		CreatedAt: now,
		ExpiresAt: now.Add(s.Cfg.CacheTTL),
	}, s.Cfg.CacheTTL)

	return analysis.DimensionResult{
		Dimension: dim,
		Status:    analysis.DimensionComputed,
		Result:    score,
		Usage:     usage,
	}
}

// fetchTranscript retries transient collaborator failures at the run
// level with exponential backoff and a bounded attempt count.
func (s *Service) fetchTranscript(ctx context.Context, callID string) (*transcript.Transcript, error) {
	var tr *transcript.Transcript
	op := func() error {
		t, err := s.Transcripts.Fetch(ctx, callID)
		if err != nil {
			if analysis.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		tr = t
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(newExponential(), s.Cfg.FetchRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return tr, nil
}

// finish aggregates terminal slots, totals usage in canonical order,
// and persists run + processing-record transition in one transaction.
func (s *Service) finish(run *analysis.AnalysisRun) (*analysis.AnalysisRun, error) {
	run.Status = analysis.Aggregate(run.Results)
	run.TotalUsage = analysis.TokenUsage{}
	for _, r := range run.Results {
		run.TotalUsage.Add(r.Usage)
	}
	run.FinishedAt = s.Clock.Now()

	recordStatus := events.StatusCompleted
	recordErr := ""
	if run.Status == analysis.RunFailed {
		recordStatus = events.StatusFailed
		recordErr = run.Error
		if recordErr == "" {
			recordErr = firstDimensionError(run.Results)
		}
	}
	return run, s.persist(run, recordStatus, recordErr)
}

func (s *Service) finishFailed(run *analysis.AnalysisRun, cause error) (*analysis.AnalysisRun, error) {
	run.Status = analysis.RunFailed
	run.Error = cause.Error()
	run.FinishedAt = s.Clock.Now()
	if err := s.persist(run, events.StatusFailed, run.Error); err != nil {
		return run, err
	}
	return run, cause
}

func (s *Service) persist(run *analysis.AnalysisRun, recordStatus events.RecordStatus, recordErr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.Runs.SaveFinished(ctx, run, recordStatus, recordErr); err != nil {
		return fmt.Errorf("persisting run %s: %w", run.ID, err)
	}
	s.Log.Info().
		Str("run_id", string(run.ID)).
		Str("call_id", run.CallID).
		Str("status", string(run.Status)).
		Int("tokens", run.TotalUsage.Total).
		Msg("analysis run finished")
	return nil
}

func failAll(dims []string, msg string) []analysis.DimensionResult {
	out := make([]analysis.DimensionResult, len(dims))
	for i, d := range dims {
		out[i] = analysis.DimensionResult{Dimension: d, Status: analysis.DimensionFailed, Error: msg}
	}
	return out
}

func firstDimensionError(results []analysis.DimensionResult) string {
	for _, r := range results {
		if r.Error != "" {
			return r.Error
		}
	}
	return "all dimensions failed"
}
