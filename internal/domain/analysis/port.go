package analysis

import (
	"context"
	"time"

	"github.com/gabcoyne/call-coach/internal/domain/events"
	"github.com/gabcoyne/call-coach/internal/domain/transcript"
)

// RunRepository port (interface for persistence)
type RunRepository interface {
	Create(ctx context.Context, run *AnalysisRun) error

	// SaveFinished persists the finished run with its dimension results
	// and transitions the processing record in the same transaction:
	// both commit or neither does.
	SaveFinished(ctx context.Context, run *AnalysisRun, recordStatus events.RecordStatus, recordErr string) error

	Get(ctx context.Context, id RunID) (*AnalysisRun, error)
	LatestByCall(ctx context.Context, callID string) (*AnalysisRun, error)
}

// ResultCache port. Every method fails open: a backend error degrades
// to a miss or a no-op, never an aborted run.
type ResultCache interface {
	Get(ctx context.Context, key string) (*CacheEntry, bool)
	Put(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration)
	Expire(ctx context.Context, key string)
}

// TranscriptSource port (external call store collaborator)
type TranscriptSource interface {
	Fetch(ctx context.Context, callID string) (*transcript.Transcript, error)
}

// RubricSource port (versioned document lookup collaborator)
type RubricSource interface {
	Lookup(ctx context.Context, category, version string) (*Rubric, error)
}

// ScoreRequest is one scoring-function invocation unit.
type ScoreRequest struct {
	Dimension  string
	Rubric     *Rubric
	Chunk      transcript.Chunk
	ChunkCount int
}

// ScoreClient port (opaque external scoring function). Usage is
// reported on every attempt, including failed ones.
type ScoreClient interface {
	Score(ctx context.Context, req ScoreRequest) (*ScoreResult, TokenUsage, error)
}
