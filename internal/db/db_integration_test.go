//go:build integration
// +build integration

package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/therapy-pipeline/internal/types"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("Skipping integration test: DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := Connect(ctx, dbURL)
	if err != nil {
		t.Skipf("Skipping integration test: failed to connect to DB: %v", err)
	}
	_, err = db.Migrate(ctx)
	require.NoError(t, err)
	return db
}

func TestRunLifecycle_Integration(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	run := types.NewPipelineRun(types.KindSoloPost, types.SubjectRef{ClientID: "it-client"}, now)
	require.NoError(t, db.CreateRun(ctx, run))

	require.NoError(t, run.Transition(types.RunRunning, now))
	run.Stages["fetch-input"] = types.StageTiming{StartedAt: now, Attempts: 1, Outcome: "ok"}
	require.NoError(t, db.UpdateRun(ctx, run))

	require.NoError(t, run.Fail(types.RunError{Kind: "validation_error", Stage: "fetch-input", Message: "session input not found"}, now))
	require.NoError(t, db.UpdateRun(ctx, run))

	got, err := db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.RunFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "fetch-input", got.Error.Stage)
	assert.Contains(t, got.Stages, "fetch-input")

	// terminal rows are never overwritten
	stale := got.Clone()
	stale.Status = types.RunRunning
	require.NoError(t, db.UpdateRun(ctx, stale))
	again, err := db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, again.Status)

	missing, err := db.GetRun(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRecords_Integration(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	run := types.NewPipelineRun(types.KindSoloPre, types.SubjectRef{ClientID: "it-client"}, now)
	require.NoError(t, db.CreateRun(ctx, run))

	for i, outcome := range []types.StageOutcome{types.OutcomeRetried, types.OutcomeOK} {
		require.NoError(t, db.InsertStageRecord(ctx, &types.StageRecord{
			ID: uuid.New(), RunID: run.ID, Stage: "clinical-analysis", Attempt: i + 1,
			Outcome: outcome, RecordedAt: now.Add(time.Duration(i) * time.Millisecond),
		}))
	}
	rec, err := db.GetStageRecord(ctx, run.ID, "clinical-analysis")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.Attempt)

	require.NoError(t, db.InsertAbstractionRecord(ctx, &types.AbstractionRecord{
		ID: uuid.New(), RunID: run.ID, Tokens: []string{"framework:gottman"},
		VocabularyVersion: "2026.1", CreatedAt: now,
	}))
	abs, err := db.GetAbstractionRecord(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, abs)
	assert.Equal(t, []string{"framework:gottman"}, abs.Tokens)

	require.NoError(t, db.InsertAuditEvent(ctx, &types.AuditEvent{
		ID: uuid.New(), Actor: "abstraction-gate", Action: types.ActionAbstractionGate,
		ResourceType: types.ResourceAbstractionRec, ResourceID: abs.ID.String(), RunID: run.ID,
		Result: types.AuditSuccess, Timestamp: now, Details: map[string]any{"token_count": 1},
	}))
	events, err := db.ListAuditEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.EqualValues(t, 1, events[0].Details["token_count"])

	_, err = db.pool.Exec(ctx, `DELETE FROM audit_events WHERE id = $1`, events[0].ID)
	assert.Error(t, err, "audit_events must be append-only")
}

func TestPairLinks_Integration(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	id := "it-pair-" + uuid.NewString()[:8]
	require.NoError(t, db.UpsertPairLink(ctx, &types.PairLink{ID: id, PartnerA: "a", PartnerB: "b", Active: true}))
	link, err := db.GetPairLink(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.True(t, link.Active)

	assert.Error(t, db.UpsertPairLink(ctx, &types.PairLink{ID: id + "x", PartnerA: "a", PartnerB: "a", Active: true}))
}
