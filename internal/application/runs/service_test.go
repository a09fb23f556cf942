package runs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabcoyne/call-coach/internal/domain/analysis"
	"github.com/gabcoyne/call-coach/internal/domain/events"
	"github.com/gabcoyne/call-coach/internal/domain/transcript"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type memEventRepo struct {
	mu      sync.Mutex
	records map[events.EventID]*events.ProcessingRecord
}

func newMemEventRepo() *memEventRepo {
	return &memEventRepo{records: make(map[events.EventID]*events.ProcessingRecord)}
}

func (m *memEventRepo) SaveEvent(context.Context, *events.IngestEvent, string) error { return nil }

func (m *memEventRepo) CreateRecord(_ context.Context, rec *events.ProcessingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.EventID]; ok {
		return events.ErrDuplicateEvent
	}
	cp := *rec
	m.records[rec.EventID] = &cp
	return nil
}

func (m *memEventRepo) UpdateStatus(_ context.Context, id events.EventID, status events.RecordStatus, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		rec = &events.ProcessingRecord{EventID: id}
		m.records[id] = rec
	}
	rec.Status = status
	rec.Error = errMsg
	rec.UpdatedAt = at
	return nil
}

func (m *memEventRepo) Get(_ context.Context, id events.EventID) (*events.ProcessingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, errors.New("no record")
	}
	cp := *rec
	return &cp, nil
}

func (m *memEventRepo) LatestByCall(_ context.Context, callID string) (*events.ProcessingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.CallID == callID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

// memRunRepo records what SaveFinished was asked to commit, standing in
// for the transactional repository.
type memRunRepo struct {
	mu           sync.Mutex
	createErr    error
	created      []*analysis.AnalysisRun
	finished     []*analysis.AnalysisRun
	recordStatus events.RecordStatus
	recordErr    string
}

func (m *memRunRepo) Create(_ context.Context, run *analysis.AnalysisRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *run
	m.created = append(m.created, &cp)
	return nil
}

func (m *memRunRepo) SaveFinished(_ context.Context, run *analysis.AnalysisRun, recordStatus events.RecordStatus, recordErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.finished = append(m.finished, &cp)
	m.recordStatus = recordStatus
	m.recordErr = recordErr
	return nil
}

func (m *memRunRepo) Get(_ context.Context, id analysis.RunID) (*analysis.AnalysisRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.finished {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, analysis.ErrNotFound
}

func (m *memRunRepo) LatestByCall(_ context.Context, callID string) (*analysis.AnalysisRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.finished) - 1; i >= 0; i-- {
		if m.finished[i].CallID == callID {
			return m.finished[i], nil
		}
	}
	return nil, analysis.ErrNotFound
}

func (m *memRunRepo) lastFinished() *analysis.AnalysisRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.finished) == 0 {
		return nil
	}
	return m.finished[len(m.finished)-1]
}

func (m *memRunRepo) finishedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.finished)
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]*analysis.CacheEntry
	puts    int
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]*analysis.CacheEntry)}
}

func (m *memCache) Get(_ context.Context, key string) (*analysis.CacheEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

func (m *memCache) Put(_ context.Context, key string, entry *analysis.CacheEntry, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.entries[key] = &cp
	m.puts++
}

func (m *memCache) Expire(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// blackholeCache simulates a cache whose backend is down: every read
// misses and every write is dropped.
type blackholeCache struct{}

func (blackholeCache) Get(context.Context, string) (*analysis.CacheEntry, bool) { return nil, false }
func (blackholeCache) Put(context.Context, string, *analysis.CacheEntry, time.Duration) {
}
func (blackholeCache) Expire(context.Context, string) {}

type stubTranscripts struct {
	mu      sync.Mutex
	text    string
	err     error
	fetches int
}

func (s *stubTranscripts) Fetch(_ context.Context, callID string) (*transcript.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.err != nil {
		return nil, s.err
	}
	return &transcript.Transcript{CallID: callID, Text: s.text, Hash: transcript.ContentHash(s.text)}, nil
}

type stubRubrics struct {
	rubric *analysis.Rubric
	err    error
}

func (s *stubRubrics) Lookup(context.Context, string, string) (*analysis.Rubric, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.rubric, nil
}

// stubScorer returns a deterministic per-dimension score, with optional
// per-dimension failures and blocking behavior.
type stubScorer struct {
	mu      sync.Mutex
	calls   map[string]int
	failing map[string]error
	block   map[string]bool // wait for ctx cancellation, then fail
}

func newStubScorer() *stubScorer {
	return &stubScorer{calls: make(map[string]int)}
}

func (s *stubScorer) Score(ctx context.Context, _ []transcript.Chunk, _ *analysis.Rubric, dimension string) (*analysis.ScoreResult, analysis.TokenUsage, error) {
	s.mu.Lock()
	s.calls[dimension]++
	blocked := s.block[dimension]
	err := s.failing[dimension]
	s.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return nil, analysis.TokenUsage{Prompt: 5, Total: 5}, analysis.Transient(ctx.Err())
	}
	usage := analysis.TokenUsage{Prompt: 100, Completion: 20, Total: 120}
	if err != nil {
		return nil, usage, err
	}
	return &analysis.ScoreResult{
		Score:   int(dimension[0]) % 100, // deterministic per dimension
		Summary: "assessment of " + dimension,
		Usage:   usage,
	}, usage, nil
}

func (s *stubScorer) count(dimension string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[dimension]
}

func (s *stubScorer) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func testRubric() *analysis.Rubric {
	return &analysis.Rubric{
		Category: "sales",
		Version:  "2024-06-01",
		Criteria: []analysis.Criterion{{Name: "depth", Weight: 1}},
	}
}

func newTestService(runs *memRunRepo, cache analysis.ResultCache, scorer Scorer, dims []string) (*Service, *memEventRepo) {
	eventRepo := newMemEventRepo()
	svc := &Service{
		Events:      eventRepo,
		Runs:        runs,
		Cache:       cache,
		Transcripts: &stubTranscripts{text: "agent: hello. customer: hi, tell me about pricing."},
		Rubrics:     &stubRubrics{rubric: testRubric()},
		Scorer:      scorer,
		Clock:       fixedClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		Log:         zerolog.Nop(),
		Cfg: Config{
			Dimensions:   dims,
			RunTimeout:   5 * time.Second,
			CacheTTL:     time.Hour,
			ChunkWindow:  3000,
			ChunkOverlap: 0.2,
			FetchRetries: 2,
		},
	}
	return svc, eventRepo
}

func TestExecuteAllDimensionsComputed(t *testing.T) {
	runRepo := &memRunRepo{}
	cache := newMemCache()
	scorer := newStubScorer()
	svc, eventRepo := newTestService(runRepo, cache, scorer, []string{"rapport", "discovery_quality"})

	run, err := svc.Execute(context.Background(), "evt-1", "call-1", false)
	require.NoError(t, err)

	assert.Equal(t, analysis.RunCompleted, run.Status)
	require.Len(t, run.Results, 2)
	// results come back in canonical order regardless of config order
	assert.Equal(t, "discovery_quality", run.Results[0].Dimension)
	assert.Equal(t, "rapport", run.Results[1].Dimension)
	for _, r := range run.Results {
		assert.Equal(t, analysis.DimensionComputed, r.Status)
		require.NotNil(t, r.Result)
	}
	assert.Equal(t, 240, run.TotalUsage.Total)

	// each computed dimension was written back to the cache
	assert.Equal(t, 2, cache.puts)

	assert.Equal(t, 1, runRepo.finishedCount())
	assert.Equal(t, events.StatusCompleted, runRepo.recordStatus)

	rec, err := eventRepo.Get(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, events.StatusProcessing, rec.Status)
	// record timestamps come from the injected clock, not the wall clock
	assert.Equal(t, svc.Clock.Now(), rec.UpdatedAt)
}

func TestExecuteRunCreateFailureFailsRecord(t *testing.T) {
	runRepo := &memRunRepo{createErr: errors.New("runs table unavailable")}
	scorer := newStubScorer()
	svc, eventRepo := newTestService(runRepo, newMemCache(), scorer, []string{"rapport"})

	run, err := svc.Execute(context.Background(), "evt-1", "call-1", false)
	require.Error(t, err)
	assert.Equal(t, analysis.RunFailed, run.Status)
	assert.Zero(t, scorer.totalCalls())

	// the record must not be left stuck in processing
	rec, rerr := eventRepo.Get(context.Background(), "evt-1")
	require.NoError(t, rerr)
	assert.Equal(t, events.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "creating run")
}

func TestExecuteSecondRunServedFromCache(t *testing.T) {
	runRepo := &memRunRepo{}
	cache := newMemCache()
	scorer := newStubScorer()
	svc, _ := newTestService(runRepo, cache, scorer, []string{"rapport", "next_steps"})

	_, err := svc.Execute(context.Background(), "evt-1", "call-1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, scorer.totalCalls())

	run, err := svc.Execute(context.Background(), "evt-2", "call-1", false)
	require.NoError(t, err)

	// same transcript, rubric, dimensions: zero new scoring calls
	assert.Equal(t, 2, scorer.totalCalls())
	assert.Equal(t, analysis.RunCompleted, run.Status)
	for _, r := range run.Results {
		assert.Equal(t, analysis.DimensionCacheHit, r.Status)
		require.NotNil(t, r.Result)
	}
	assert.Zero(t, run.TotalUsage.Total)
}

func TestExecuteForceBypassesCacheReads(t *testing.T) {
	runRepo := &memRunRepo{}
	cache := newMemCache()
	scorer := newStubScorer()
	svc, _ := newTestService(runRepo, cache, scorer, []string{"rapport"})

	_, err := svc.Execute(context.Background(), "evt-1", "call-1", false)
	require.NoError(t, err)
	require.Equal(t, 1, scorer.count("rapport"))

	run, err := svc.Execute(context.Background(), "evt-1", "call-1", true)
	require.NoError(t, err)

	// recomputed despite a fresh cache entry, and written back again
	assert.Equal(t, 2, scorer.count("rapport"))
	assert.Equal(t, analysis.DimensionComputed, run.Results[0].Status)
	assert.Equal(t, 2, cache.puts)
}

func TestExecutePartialFailure(t *testing.T) {
	runRepo := &memRunRepo{}
	scorer := newStubScorer()
	scorer.failing = map[string]error{
		"next_steps": analysis.Permanent(errors.New("model rejected request")),
	}
	svc, _ := newTestService(runRepo, newMemCache(), scorer, []string{"rapport", "next_steps", "discovery_quality"})

	run, err := svc.Execute(context.Background(), "evt-1", "call-1", false)
	require.NoError(t, err)

	assert.Equal(t, analysis.RunCompletedWithErrors, run.Status)
	byDim := make(map[string]analysis.DimensionResult)
	for _, r := range run.Results {
		byDim[r.Dimension] = r
	}
	assert.Equal(t, analysis.DimensionComputed, byDim["rapport"].Status)
	assert.Equal(t, analysis.DimensionComputed, byDim["discovery_quality"].Status)

	failed := byDim["next_steps"]
	assert.Equal(t, analysis.DimensionFailed, failed.Status)
	assert.Contains(t, failed.Error, "model rejected request")
	assert.Nil(t, failed.Result)
	// tokens burned by the failed branch still count
	assert.Equal(t, 120, failed.Usage.Total)
	assert.Equal(t, 360, run.TotalUsage.Total)

	// a partially successful run still completes the record
	assert.Equal(t, events.StatusCompleted, runRepo.recordStatus)
}

func TestExecuteAllDimensionsFailed(t *testing.T) {
	runRepo := &memRunRepo{}
	scorer := newStubScorer()
	scorer.failing = map[string]error{
		"rapport":    analysis.Permanent(errors.New("quota exceeded")),
		"next_steps": analysis.Permanent(errors.New("quota exceeded")),
	}
	svc, _ := newTestService(runRepo, newMemCache(), scorer, []string{"rapport", "next_steps"})

	run, err := svc.Execute(context.Background(), "evt-1", "call-1", false)
	require.NoError(t, err)

	assert.Equal(t, analysis.RunFailed, run.Status)
	assert.Equal(t, events.StatusFailed, runRepo.recordStatus)
	assert.Contains(t, runRepo.recordErr, "quota exceeded")
}

func TestExecuteTranscriptFetchPermanentFailure(t *testing.T) {
	runRepo := &memRunRepo{}
	scorer := newStubScorer()
	svc, _ := newTestService(runRepo, newMemCache(), scorer, []string{"rapport"})
	source := &stubTranscripts{err: analysis.Permanent(analysis.ErrTranscriptNotFound)}
	svc.Transcripts = source

	run, err := svc.Execute(context.Background(), "evt-1", "call-404", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, analysis.ErrTranscriptNotFound)

	assert.Equal(t, analysis.RunFailed, run.Status)
	assert.Contains(t, run.Error, "transcript fetch")
	// permanent failures are not retried
	assert.Equal(t, 1, source.fetches)
	assert.Zero(t, scorer.totalCalls())
	assert.Equal(t, events.StatusFailed, runRepo.recordStatus)
}

func TestExecuteTranscriptFetchRetriesTransient(t *testing.T) {
	runRepo := &memRunRepo{}
	svc, _ := newTestService(runRepo, newMemCache(), newStubScorer(), []string{"rapport"})
	source := &stubTranscripts{err: analysis.Transient(errors.New("store unavailable"))}
	svc.Transcripts = source

	run, err := svc.Execute(context.Background(), "evt-1", "call-1", false)
	require.Error(t, err)
	assert.Equal(t, analysis.RunFailed, run.Status)
	// initial attempt plus FetchRetries
	assert.Equal(t, 3, source.fetches)
}

func TestExecuteRubricLookupFailureFailsEveryDimension(t *testing.T) {
	runRepo := &memRunRepo{}
	scorer := newStubScorer()
	svc, _ := newTestService(runRepo, newMemCache(), scorer, []string{"rapport", "next_steps"})
	svc.Rubrics = &stubRubrics{err: analysis.Permanent(errors.New("unknown rubric version"))}

	run, err := svc.Execute(context.Background(), "evt-1", "call-1", false)
	require.NoError(t, err)

	assert.Equal(t, analysis.RunFailed, run.Status)
	for _, r := range run.Results {
		assert.Equal(t, analysis.DimensionFailed, r.Status)
		assert.Contains(t, r.Error, "rubric lookup")
	}
	assert.Zero(t, scorer.totalCalls())
	assert.Equal(t, events.StatusFailed, runRepo.recordStatus)
}

func TestExecuteTimeoutAggregatesPartialResults(t *testing.T) {
	runRepo := &memRunRepo{}
	scorer := newStubScorer()
	scorer.block = map[string]bool{"next_steps": true}
	svc, _ := newTestService(runRepo, newMemCache(), scorer, []string{"rapport", "next_steps"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	run, err := svc.Execute(ctx, "evt-1", "call-1", false)
	require.NoError(t, err)

	assert.Equal(t, analysis.RunCompletedWithErrors, run.Status)
	byDim := make(map[string]analysis.DimensionResult)
	for _, r := range run.Results {
		byDim[r.Dimension] = r
	}
	assert.Equal(t, analysis.DimensionComputed, byDim["rapport"].Status)
	assert.Equal(t, analysis.DimensionFailed, byDim["next_steps"].Status)
	// the canceled branch still reported the tokens it burned
	assert.Equal(t, 5, byDim["next_steps"].Usage.Total)

	// the finished run was persisted despite the expired run context
	assert.Equal(t, 1, runRepo.finishedCount())
}

func TestExecuteResultOrderIndependentOfRequestOrder(t *testing.T) {
	marshal := func(dims []string) []byte {
		runRepo := &memRunRepo{}
		svc, _ := newTestService(runRepo, newMemCache(), newStubScorer(), dims)
		run, err := svc.Execute(context.Background(), "evt-1", "call-1", false)
		require.NoError(t, err)
		b, err := json.Marshal(run.Results)
		require.NoError(t, err)
		return b
	}

	a := marshal([]string{"rapport", "discovery_quality", "next_steps"})
	b := marshal([]string{"next_steps", "rapport", "discovery_quality", "rapport"})
	assert.Equal(t, a, b)
}

func TestExecuteSurvivesCacheOutage(t *testing.T) {
	runRepo := &memRunRepo{}
	scorer := newStubScorer()
	svc, _ := newTestService(runRepo, blackholeCache{}, scorer, []string{"rapport"})

	run, err := svc.Execute(context.Background(), "evt-1", "call-1", false)
	require.NoError(t, err)
	assert.Equal(t, analysis.RunCompleted, run.Status)

	// no cache means every run recomputes, nothing more
	_, err = svc.Execute(context.Background(), "evt-2", "call-1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, scorer.count("rapport"))
}

func TestReanalyzeUnknownCall(t *testing.T) {
	svc, _ := newTestService(&memRunRepo{}, newMemCache(), newStubScorer(), []string{"rapport"})
	_, err := svc.Reanalyze(context.Background(), "call-unknown")
	assert.ErrorIs(t, err, analysis.ErrNotFound)
}

func TestReanalyzeForcesFreshRun(t *testing.T) {
	runRepo := &memRunRepo{}
	cache := newMemCache()
	scorer := newStubScorer()
	svc, eventRepo := newTestService(runRepo, cache, scorer, []string{"rapport"})

	require.NoError(t, eventRepo.CreateRecord(context.Background(), &events.ProcessingRecord{
		EventID: "evt-1",
		CallID:  "call-1",
		Status:  events.StatusCompleted,
	}))
	_, err := svc.Execute(context.Background(), "evt-1", "call-1", false)
	require.NoError(t, err)
	require.Equal(t, 1, scorer.count("rapport"))

	eventID, err := svc.Reanalyze(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, events.EventID("evt-1"), eventID)

	// the forced run happens on a detached context
	require.Eventually(t, func() bool {
		return runRepo.finishedCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, scorer.count("rapport"))
}
