package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/therapy-pipeline/internal/types"
)

// Inference is the analysis inference collaborator
type Inference interface {
	Infer(ctx context.Context, prompt types.StructuredPrompt) (types.StructuredOutput, error)
}

// Research is the research lookup collaborator. Queries are anonymized upstream.
type Research interface {
	Search(ctx context.Context, query string) ([]types.Citation, error)
}

// BlobStore reads and writes already-encrypted session data
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// Store is the relational store for pipeline state. Getters return nil, nil
// when the row does not exist.
type Store interface {
	CreateRun(ctx context.Context, run *types.PipelineRun) error
	UpdateRun(ctx context.Context, run *types.PipelineRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*types.PipelineRun, error)
	ListRuns(ctx context.Context, limit int) ([]types.PipelineRun, error)

	InsertStageRecord(ctx context.Context, rec *types.StageRecord) error
	GetStageRecord(ctx context.Context, runID uuid.UUID, stage string) (*types.StageRecord, error)
	ListStageRecords(ctx context.Context, runID uuid.UUID) ([]types.StageRecord, error)

	InsertAbstractionRecord(ctx context.Context, rec *types.AbstractionRecord) error
	GetAbstractionRecord(ctx context.Context, runID uuid.UUID) (*types.AbstractionRecord, error)
	InsertIsolationRecord(ctx context.Context, rec *types.IsolationRecord) error
	GetIsolationRecord(ctx context.Context, runID uuid.UUID) (*types.IsolationRecord, error)

	InsertAuditEvent(ctx context.Context, event *types.AuditEvent) error
	ListAuditEvents(ctx context.Context, runID uuid.UUID) ([]types.AuditEvent, error)

	GetPairLink(ctx context.Context, id string) (*types.PairLink, error)
}

// Observer receives run, stage and gate measurements
type Observer interface {
	RunFinished(kind types.PipelineKind, status types.RunStatus)
	StageAttempt(stage string, outcome types.StageOutcome, d time.Duration)
	GateInvocation(gate, result string)
}

type nopObserver struct{}

func (nopObserver) RunFinished(types.PipelineKind, types.RunStatus) {}
func (nopObserver) StageAttempt(string, types.StageOutcome, time.Duration) {}
func (nopObserver) GateInvocation(string, string) {}

// ProgressEvent represents a progress update during pipeline execution
type ProgressEvent struct {
	RunID   string `json:"run_id"`
	Stage   string `json:"stage,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ProgressCallback is called when pipeline progress occurs
type ProgressCallback func(event ProgressEvent)
