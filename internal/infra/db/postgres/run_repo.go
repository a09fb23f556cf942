package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gabcoyne/call-coach/internal/domain/analysis"
	"github.com/gabcoyne/call-coach/internal/domain/events"
)

type RunRepository struct {
	db *sql.DB
}

func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) Create(ctx context.Context, run *analysis.AnalysisRun) error {
	const q = `
INSERT INTO analysis_runs (id, call_id, event_id, dimensions, status, error, started_at)
VALUES ($1,$2,$3,$4,$5,$6,$7);
`
	_, err := r.db.ExecContext(ctx, q,
		run.ID, run.CallID, run.EventID,
		strings.Join(run.Dimensions, ","), run.Status, run.Error, run.StartedAt,
	)
	return err
}

// SaveFinished mirrors the MySQL repository: run, dimension results,
// and record transition commit together or not at all.
func (r *RunRepository) SaveFinished(ctx context.Context, run *analysis.AnalysisRun, recordStatus events.RecordStatus, recordErr string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	const qRun = `
UPDATE analysis_runs
SET status=$1, error=$2, finished_at=$3, prompt_tokens=$4, completion_tokens=$5, total_tokens=$6
WHERE id=$7;
`
	if _, err := tx.ExecContext(ctx, qRun,
		run.Status, run.Error, run.FinishedAt,
		run.TotalUsage.Prompt, run.TotalUsage.Completion, run.TotalUsage.Total,
		run.ID,
	); err != nil {
		return fmt.Errorf("updating run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM dimension_results WHERE run_id=$1;`, run.ID); err != nil {
		return fmt.Errorf("clearing dimension results: %w", err)
	}
	const qDim = `
INSERT INTO dimension_results (run_id, dimension, status, score, result_json, error, prompt_tokens, completion_tokens, total_tokens)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);
`
	for _, res := range run.Results {
		var score, resultJSON any
		if res.Result != nil {
			b, err := json.Marshal(res.Result)
			if err != nil {
				return fmt.Errorf("encoding result for %s: %w", res.Dimension, err)
			}
			score, resultJSON = res.Result.Score, string(b)
		}
		if _, err := tx.ExecContext(ctx, qDim,
			run.ID, res.Dimension, res.Status, score, resultJSON, res.Error,
			res.Usage.Prompt, res.Usage.Completion, res.Usage.Total,
		); err != nil {
			return fmt.Errorf("inserting dimension %s: %w", res.Dimension, err)
		}
	}

	if run.EventID != "" {
		const qRec = `
UPDATE processing_records SET status=$1, error=$2, updated_at=$3 WHERE event_id=$4;
`
		if _, err := tx.ExecContext(ctx, qRec, recordStatus, recordErr, run.FinishedAt, run.EventID); err != nil {
			return fmt.Errorf("transitioning record: %w", err)
		}
	}

	return tx.Commit()
}

func (r *RunRepository) Get(ctx context.Context, id analysis.RunID) (*analysis.AnalysisRun, error) {
	const q = `
SELECT id, call_id, event_id, dimensions, status, error, started_at, finished_at,
       prompt_tokens, completion_tokens, total_tokens
FROM analysis_runs WHERE id=$1 LIMIT 1;
`
	run, err := r.scanRun(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadResults(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (r *RunRepository) LatestByCall(ctx context.Context, callID string) (*analysis.AnalysisRun, error) {
	const q = `
SELECT id, call_id, event_id, dimensions, status, error, started_at, finished_at,
       prompt_tokens, completion_tokens, total_tokens
FROM analysis_runs WHERE call_id=$1 ORDER BY started_at DESC LIMIT 1;
`
	run, err := r.scanRun(r.db.QueryRowContext(ctx, q, callID))
	if err != nil {
		return nil, err
	}
	if err := r.loadResults(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (r *RunRepository) scanRun(row *sql.Row) (*analysis.AnalysisRun, error) {
	var run analysis.AnalysisRun
	var dims string
	var finished sql.NullTime
	if err := row.Scan(
		&run.ID, &run.CallID, &run.EventID, &dims, &run.Status, &run.Error,
		&run.StartedAt, &finished,
		&run.TotalUsage.Prompt, &run.TotalUsage.Completion, &run.TotalUsage.Total,
	); err != nil {
		return nil, err
	}
	if dims != "" {
		run.Dimensions = strings.Split(dims, ",")
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return &run, nil
}

func (r *RunRepository) loadResults(ctx context.Context, run *analysis.AnalysisRun) error {
	const q = `
SELECT dimension, status, result_json, error, prompt_tokens, completion_tokens, total_tokens
FROM dimension_results WHERE run_id=$1 ORDER BY dimension ASC;
`
	rows, err := r.db.QueryContext(ctx, q, run.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var res analysis.DimensionResult
		var resultJSON sql.NullString
		if err := rows.Scan(
			&res.Dimension, &res.Status, &resultJSON, &res.Error,
			&res.Usage.Prompt, &res.Usage.Completion, &res.Usage.Total,
		); err != nil {
			return err
		}
		if resultJSON.Valid && resultJSON.String != "" {
			var sr analysis.ScoreResult
			if err := json.Unmarshal([]byte(resultJSON.String), &sr); err != nil {
				return fmt.Errorf("decoding result for %s: %w", res.Dimension, err)
			}
			res.Result = &sr
		}
		run.Results = append(run.Results, res)
	}
	return rows.Err()
}
