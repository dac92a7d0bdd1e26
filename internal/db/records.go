package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonathan/therapy-pipeline/internal/types"
)

// -----------------------------------------------------------------------------
// Stage Records
// -----------------------------------------------------------------------------

// InsertStageRecord appends one stage attempt
func (db *DB) InsertStageRecord(ctx context.Context, rec *types.StageRecord) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO stage_records (id, run_id, stage, attempt_count, outcome, duration_ms,
		                            input_hash, output_hash, error_kind, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.RunID, rec.Stage, rec.Attempt, string(rec.Outcome), rec.DurationMs,
		rec.InputHash, rec.OutputHash, rec.ErrorKind, rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert stage record %s: %w", rec.Stage, err)
	}
	return nil
}

const stageColumns = `id, run_id, stage, attempt_count, outcome, duration_ms,
		        input_hash, output_hash, error_kind, recorded_at`

func scanStageRecord(row scanner) (*types.StageRecord, error) {
	var rec types.StageRecord
	var outcome string
	if err := row.Scan(&rec.ID, &rec.RunID, &rec.Stage, &rec.Attempt, &outcome, &rec.DurationMs,
		&rec.InputHash, &rec.OutputHash, &rec.ErrorKind, &rec.RecordedAt); err != nil {
		return nil, err
	}
	rec.Outcome = types.StageOutcome(outcome)
	return &rec, nil
}

// GetStageRecord returns the latest attempt of a stage
func (db *DB) GetStageRecord(ctx context.Context, runID uuid.UUID, stage string) (*types.StageRecord, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+stageColumns+`
		 FROM stage_records
		 WHERE run_id = $1 AND stage = $2
		 ORDER BY attempt_count DESC
		 LIMIT 1`,
		runID, stage)
	rec, err := scanStageRecord(row)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get stage record: %w", err)
	}
	return rec, nil
}

// ListStageRecords returns every attempt of a run in recording order
func (db *DB) ListStageRecords(ctx context.Context, runID uuid.UUID) ([]types.StageRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+stageColumns+`
		 FROM stage_records
		 WHERE run_id = $1
		 ORDER BY recorded_at, attempt_count`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage records: %w", err)
	}
	defer rows.Close()

	recs := []types.StageRecord{}
	for rows.Next() {
		rec, err := scanStageRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage record: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// -----------------------------------------------------------------------------
// Gate Records
// -----------------------------------------------------------------------------

// InsertAbstractionRecord stores the record of one abstraction gate invocation
func (db *DB) InsertAbstractionRecord(ctx context.Context, rec *types.AbstractionRecord) error {
	tokens, err := json.Marshal(nonNil(rec.Tokens))
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO abstraction_records (id, run_id, tokens, had_rejected_content, rejected_count,
		                                  vocabulary_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.RunID, tokens, rec.HadRejectedContent, rec.RejectedCount,
		rec.VocabularyVersion, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert abstraction record: %w", err)
	}
	return nil
}

// GetAbstractionRecord returns the latest abstraction record of a run
func (db *DB) GetAbstractionRecord(ctx context.Context, runID uuid.UUID) (*types.AbstractionRecord, error) {
	var rec types.AbstractionRecord
	var tokens []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, run_id, tokens, had_rejected_content, rejected_count, vocabulary_version, created_at
		 FROM abstraction_records
		 WHERE run_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`,
		runID,
	).Scan(&rec.ID, &rec.RunID, &tokens, &rec.HadRejectedContent, &rec.RejectedCount,
		&rec.VocabularyVersion, &rec.CreatedAt)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get abstraction record: %w", err)
	}
	if err := json.Unmarshal(tokens, &rec.Tokens); err != nil {
		return nil, fmt.Errorf("failed to decode tokens: %w", err)
	}
	return &rec, nil
}

// InsertIsolationRecord stores the record of one isolation gate invocation
func (db *DB) InsertIsolationRecord(ctx context.Context, rec *types.IsolationRecord) error {
	tokensA, err := json.Marshal(nonNil(rec.TokensA))
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}
	tokensB, err := json.Marshal(nonNil(rec.TokensB))
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO isolation_records (id, run_id, pair_id, source_a, source_b, tokens_a, tokens_b,
		                                isolation_invoked, succeeded, vocabulary_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.RunID, rec.PairID, rec.SourceA, rec.SourceB, tokensA, tokensB,
		rec.IsolationInvoked, rec.Succeeded, rec.VocabularyVersion, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert isolation record: %w", err)
	}
	return nil
}

// GetIsolationRecord returns the latest isolation record of a run
func (db *DB) GetIsolationRecord(ctx context.Context, runID uuid.UUID) (*types.IsolationRecord, error) {
	var rec types.IsolationRecord
	var tokensA, tokensB []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, run_id, pair_id, source_a, source_b, tokens_a, tokens_b,
		        isolation_invoked, succeeded, vocabulary_version, created_at
		 FROM isolation_records
		 WHERE run_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`,
		runID,
	).Scan(&rec.ID, &rec.RunID, &rec.PairID, &rec.SourceA, &rec.SourceB, &tokensA, &tokensB,
		&rec.IsolationInvoked, &rec.Succeeded, &rec.VocabularyVersion, &rec.CreatedAt)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get isolation record: %w", err)
	}
	if err := json.Unmarshal(tokensA, &rec.TokensA); err != nil {
		return nil, fmt.Errorf("failed to decode tokens: %w", err)
	}
	if err := json.Unmarshal(tokensB, &rec.TokensB); err != nil {
		return nil, fmt.Errorf("failed to decode tokens: %w", err)
	}
	return &rec, nil
}

// -----------------------------------------------------------------------------
// Pair Links
// -----------------------------------------------------------------------------

// GetPairLink retrieves a pair link by ID
func (db *DB) GetPairLink(ctx context.Context, id string) (*types.PairLink, error) {
	var link types.PairLink
	err := db.pool.QueryRow(ctx,
		`SELECT id, partner_a, partner_b, active FROM pair_links WHERE id = $1`, id,
	).Scan(&link.ID, &link.PartnerA, &link.PartnerB, &link.Active)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get pair link: %w", err)
	}
	return &link, nil
}

// UpsertPairLink creates or replaces a pair link
func (db *DB) UpsertPairLink(ctx context.Context, link *types.PairLink) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO pair_links (id, partner_a, partner_b, active)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET partner_a = $2, partner_b = $3, active = $4`,
		link.ID, link.PartnerA, link.PartnerB, link.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert pair link: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
