package db

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jonathan/therapy-pipeline/internal/types"
)

// MemoryStore is an in-process store with the same semantics as DB. It backs
// the CLI when no database is configured, and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[uuid.UUID]*types.PipelineRun
	order       []uuid.UUID
	statusLog   map[uuid.UUID][]types.RunStatus
	stages      map[uuid.UUID][]types.StageRecord
	abstraction map[uuid.UUID][]types.AbstractionRecord
	isolation   map[uuid.UUID][]types.IsolationRecord
	events      []types.AuditEvent
	links       map[string]types.PairLink
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[uuid.UUID]*types.PipelineRun),
		statusLog:   make(map[uuid.UUID][]types.RunStatus),
		stages:      make(map[uuid.UUID][]types.StageRecord),
		abstraction: make(map[uuid.UUID][]types.AbstractionRecord),
		isolation:   make(map[uuid.UUID][]types.IsolationRecord),
		links:       make(map[string]types.PairLink),
	}
}

// CreateRun inserts a new pipeline run
func (m *MemoryStore) CreateRun(_ context.Context, run *types.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run.Clone()
	m.order = append(m.order, run.ID)
	m.statusLog[run.ID] = append(m.statusLog[run.ID], run.Status)
	return nil
}

// UpdateRun writes the run unless the stored copy is already terminal
func (m *MemoryStore) UpdateRun(_ context.Context, run *types.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[run.ID]
	if !ok || cur.Status.Terminal() {
		return nil
	}
	m.runs[run.ID] = run.Clone()
	if log := m.statusLog[run.ID]; log[len(log)-1] != run.Status {
		m.statusLog[run.ID] = append(log, run.Status)
	}
	return nil
}

// GetRun retrieves a run by ID
func (m *MemoryStore) GetRun(_ context.Context, id uuid.UUID) (*types.PipelineRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	return run.Clone(), nil
}

// ListRuns returns the most recent runs, newest first
func (m *MemoryStore) ListRuns(_ context.Context, limit int) ([]types.PipelineRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := make([]types.PipelineRun, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		runs = append(runs, *m.runs[m.order[i]].Clone())
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// StatusLog returns every distinct status the run was stored with, in order
func (m *MemoryStore) StatusLog(id uuid.UUID) []types.RunStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.statusLog[id])
}

// InsertStageRecord appends one stage attempt
func (m *MemoryStore) InsertStageRecord(_ context.Context, rec *types.StageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages[rec.RunID] = append(m.stages[rec.RunID], *rec)
	return nil
}

// GetStageRecord returns the latest attempt of a stage
func (m *MemoryStore) GetStageRecord(_ context.Context, runID uuid.UUID, stage string) (*types.StageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *types.StageRecord
	for _, rec := range m.stages[runID] {
		if rec.Stage == stage && (latest == nil || rec.Attempt > latest.Attempt) {
			r := rec
			latest = &r
		}
	}
	return latest, nil
}

// ListStageRecords returns every attempt of a run in recording order
func (m *MemoryStore) ListStageRecords(_ context.Context, runID uuid.UUID) ([]types.StageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := slices.Clone(m.stages[runID])
	if recs == nil {
		recs = []types.StageRecord{}
	}
	return recs, nil
}

// InsertAbstractionRecord stores the record of one abstraction gate invocation
func (m *MemoryStore) InsertAbstractionRecord(_ context.Context, rec *types.AbstractionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *rec
	c.Tokens = slices.Clone(rec.Tokens)
	m.abstraction[rec.RunID] = append(m.abstraction[rec.RunID], c)
	return nil
}

// GetAbstractionRecord returns the latest abstraction record of a run
func (m *MemoryStore) GetAbstractionRecord(_ context.Context, runID uuid.UUID) (*types.AbstractionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.abstraction[runID]
	if len(recs) == 0 {
		return nil, nil
	}
	c := recs[len(recs)-1]
	c.Tokens = slices.Clone(c.Tokens)
	return &c, nil
}

// AbstractionRecords returns every abstraction record of a run
func (m *MemoryStore) AbstractionRecords(runID uuid.UUID) []types.AbstractionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.abstraction[runID])
}

// InsertIsolationRecord stores the record of one isolation gate invocation
func (m *MemoryStore) InsertIsolationRecord(_ context.Context, rec *types.IsolationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *rec
	c.TokensA = slices.Clone(rec.TokensA)
	c.TokensB = slices.Clone(rec.TokensB)
	m.isolation[rec.RunID] = append(m.isolation[rec.RunID], c)
	return nil
}

// GetIsolationRecord returns the latest isolation record of a run
func (m *MemoryStore) GetIsolationRecord(_ context.Context, runID uuid.UUID) (*types.IsolationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.isolation[runID]
	if len(recs) == 0 {
		return nil, nil
	}
	c := recs[len(recs)-1]
	c.TokensA = slices.Clone(c.TokensA)
	c.TokensB = slices.Clone(c.TokensB)
	return &c, nil
}

// IsolationRecords returns every isolation record of a run
func (m *MemoryStore) IsolationRecords(runID uuid.UUID) []types.IsolationRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.isolation[runID])
}

// InsertAuditEvent appends an audit event
func (m *MemoryStore) InsertAuditEvent(_ context.Context, event *types.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *event
	c.Details = maps.Clone(event.Details)
	m.events = append(m.events, c)
	return nil
}

// ListAuditEvents returns the audit trail of a run in insertion order
func (m *MemoryStore) ListAuditEvents(_ context.Context, runID uuid.UUID) ([]types.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := []types.AuditEvent{}
	for _, e := range m.events {
		if e.RunID == runID {
			c := e
			c.Details = maps.Clone(e.Details)
			events = append(events, c)
		}
	}
	return events, nil
}

// GetPairLink retrieves a pair link by ID
func (m *MemoryStore) GetPairLink(_ context.Context, id string) (*types.PairLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	link, ok := m.links[id]
	if !ok {
		return nil, nil
	}
	return &link, nil
}

// UpsertPairLink creates or replaces a pair link
func (m *MemoryStore) UpsertPairLink(_ context.Context, link *types.PairLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[link.ID] = *link
	return nil
}
