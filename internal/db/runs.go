package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/therapy-pipeline/internal/types"
)

const runColumns = `id, kind, client_id, pair_id, status, current_stage, error, stages,
		        created_at, started_at, completed_at`

// CreateRun inserts a new pipeline run
func (db *DB) CreateRun(ctx context.Context, run *types.PipelineRun) error {
	errJSON, stagesJSON, err := encodeRunJSON(run)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (id, kind, client_id, pair_id, status, current_stage, error, stages,
		                            created_at, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, string(run.Kind), run.Subject.ClientID, run.Subject.PairID, string(run.Status),
		run.CurrentStage, errJSON, stagesJSON, run.CreatedAt, run.StartedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// UpdateRun writes the mutable run fields. A run that is already terminal is
// never overwritten.
func (db *DB) UpdateRun(ctx context.Context, run *types.PipelineRun) error {
	errJSON, stagesJSON, err := encodeRunJSON(run)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx,
		`UPDATE pipeline_runs
		 SET status = $2, current_stage = $3, error = $4, stages = $5, started_at = $6, completed_at = $7
		 WHERE id = $1 AND status NOT IN ('complete', 'failed')`,
		run.ID, string(run.Status), run.CurrentStage, errJSON, stagesJSON, run.StartedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (*types.PipelineRun, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first
func (db *DB) ListRuns(ctx context.Context, limit int) ([]types.PipelineRun, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []types.PipelineRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*types.PipelineRun, error) {
	var run types.PipelineRun
	var kind, status string
	var errJSON, stagesJSON []byte
	var startedAt, completedAt *time.Time

	if err := row.Scan(&run.ID, &kind, &run.Subject.ClientID, &run.Subject.PairID, &status,
		&run.CurrentStage, &errJSON, &stagesJSON, &run.CreatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	run.Kind = types.PipelineKind(kind)
	run.Status = types.RunStatus(status)
	run.StartedAt = startedAt
	run.CompletedAt = completedAt

	if errJSON != nil {
		var re types.RunError
		if err := json.Unmarshal(errJSON, &re); err != nil {
			return nil, fmt.Errorf("failed to decode run error: %w", err)
		}
		run.Error = &re
	}
	run.Stages = map[string]types.StageTiming{}
	if stagesJSON != nil {
		if err := json.Unmarshal(stagesJSON, &run.Stages); err != nil {
			return nil, fmt.Errorf("failed to decode stage timings: %w", err)
		}
	}
	return &run, nil
}

func encodeRunJSON(run *types.PipelineRun) (errJSON, stagesJSON []byte, err error) {
	if run.Error != nil {
		errJSON, err = json.Marshal(run.Error)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal run error: %w", err)
		}
	}
	stages := run.Stages
	if stages == nil {
		stages = map[string]types.StageTiming{}
	}
	stagesJSON, err = json.Marshal(stages)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal stage timings: %w", err)
	}
	return errJSON, stagesJSON, nil
}
