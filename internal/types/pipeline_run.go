// Package types provides type definitions for structured data used throughout the therapy pipeline.
//
//nolint:revive // types is a standard Go package name pattern
package types

import (
	"fmt"
	"maps"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/therapy-pipeline/internal/failure"
)

// PipelineKind is the closed set of pipeline variants. Each kind owns exactly
// one stage graph; adding a kind means extending every switch over it.
type PipelineKind string

const (
	KindSoloPre   PipelineKind = "solo_pre"
	KindSoloPost  PipelineKind = "solo_post"
	KindPairMerge PipelineKind = "pair_merge"
)

// AllPipelineKinds lists every supported kind in declaration order
func AllPipelineKinds() []PipelineKind {
	return []PipelineKind{KindSoloPre, KindSoloPost, KindPairMerge}
}

// ParsePipelineKind converts a trigger string into a kind
func ParsePipelineKind(s string) (PipelineKind, error) {
	switch k := PipelineKind(s); k {
	case KindSoloPre, KindSoloPost, KindPairMerge:
		return k, nil
	default:
		return "", failure.Validation(fmt.Sprintf("unknown pipeline kind %q", s), nil)
	}
}

// Paired reports whether the kind operates on a linked pair rather than one client
func (k PipelineKind) Paired() bool {
	switch k {
	case KindPairMerge:
		return true
	case KindSoloPre, KindSoloPost:
		return false
	default:
		panic(fmt.Sprintf("types: unhandled pipeline kind %q", string(k)))
	}
}

var subjectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// SubjectRef names the subject of a run: one client for solo kinds, a pair link for merges.
type SubjectRef struct {
	ClientID string `json:"client_id,omitempty"`
	PairID   string `json:"pair_id,omitempty"`
}

// String returns the single identifier the ref carries
func (s SubjectRef) String() string {
	if s.PairID != "" {
		return "pair:" + s.PairID
	}
	return "client:" + s.ClientID
}

// ValidateFor checks the subject arity against the pipeline kind
func (s SubjectRef) ValidateFor(kind PipelineKind) error {
	if _, err := ParsePipelineKind(string(kind)); err != nil {
		return err
	}
	if kind.Paired() {
		if s.ClientID != "" {
			return failure.Validation("pair_merge takes a pair link id, not a client id", nil)
		}
		if !subjectIDPattern.MatchString(s.PairID) {
			return failure.Validation("malformed pair link id", nil)
		}
		return nil
	}
	if s.PairID != "" {
		return failure.Validation(fmt.Sprintf("%s takes a client id, not a pair link id", kind), nil)
	}
	if !subjectIDPattern.MatchString(s.ClientID) {
		return failure.Validation("malformed client id", nil)
	}
	return nil
}

// RunStatus is the lifecycle state of a pipeline run
type RunStatus string

const (
	RunQueued   RunStatus = "queued"
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunFailed   RunStatus = "failed"
)

// Terminal reports whether no further transition is allowed
func (s RunStatus) Terminal() bool {
	return s == RunComplete || s == RunFailed
}

// CanTransition reports whether from -> to is a forward move.
// Allowed: queued->running, queued->failed, running->complete, running->failed.
func CanTransition(from, to RunStatus) bool {
	switch from {
	case RunQueued:
		return to == RunRunning || to == RunFailed
	case RunRunning:
		return to == RunComplete || to == RunFailed
	default:
		return false
	}
}

// RunError is the surfaceable failure detail of a run. It never carries raw content.
type RunError struct {
	Kind    failure.Kind `json:"kind"`
	Stage   string       `json:"stage,omitempty"`
	Message string       `json:"message"`
}

// StageTiming is the per-stage metadata kept on the run
type StageTiming struct {
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
	Attempts    int        `json:"attempts"`
	Outcome     string     `json:"outcome,omitempty"`
}

// PipelineRun is one execution instance of a stage graph for a subject
type PipelineRun struct {
	ID           uuid.UUID              `json:"id"`
	Kind         PipelineKind           `json:"kind"`
	Subject      SubjectRef             `json:"subject"`
	Status       RunStatus              `json:"status"`
	CurrentStage string                 `json:"current_stage,omitempty"`
	Error        *RunError              `json:"error,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Stages       map[string]StageTiming `json:"stages"`
}

// NewPipelineRun creates a queued run
func NewPipelineRun(kind PipelineKind, subject SubjectRef, now time.Time) *PipelineRun {
	return &PipelineRun{
		ID:        uuid.New(),
		Kind:      kind,
		Subject:   subject,
		Status:    RunQueued,
		CreatedAt: now,
		Stages:    make(map[string]StageTiming),
	}
}

// TransitionError reports an attempted backward or post-terminal move
type TransitionError struct {
	RunID uuid.UUID
	From  RunStatus
	To    RunStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("run %s: illegal status transition %s -> %s", e.RunID, e.From, e.To)
}

// Transition moves the run forward, stamping timestamps. Terminal runs are immutable.
func (r *PipelineRun) Transition(to RunStatus, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return &TransitionError{RunID: r.ID, From: r.Status, To: to}
	}
	r.Status = to
	switch to {
	case RunRunning:
		r.StartedAt = &now
	case RunComplete, RunFailed:
		r.CompletedAt = &now
		r.CurrentStage = ""
	}
	return nil
}

// Fail transitions the run to failed with the given detail
func (r *PipelineRun) Fail(detail RunError, now time.Time) error {
	if err := r.Transition(RunFailed, now); err != nil {
		return err
	}
	r.Error = &detail
	return nil
}

// Clone returns a deep copy for snapshots handed to readers
func (r *PipelineRun) Clone() *PipelineRun {
	if r == nil {
		return nil
	}
	c := *r
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	c.Stages = maps.Clone(r.Stages)
	if c.Stages == nil {
		c.Stages = make(map[string]StageTiming)
	}
	return &c
}
