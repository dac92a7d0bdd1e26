// Package pipeline provides the orchestration engine: the Runner executes the
// fixed stage graph of each pipeline kind through the StageExecutor, invokes
// the boundary gates, and keeps run state consistent with actual progress.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/jonathan/therapy-pipeline/internal/audit"
	"github.com/jonathan/therapy-pipeline/internal/failure"
	"github.com/jonathan/therapy-pipeline/internal/gate"
	"github.com/jonathan/therapy-pipeline/internal/matching"
	"github.com/jonathan/therapy-pipeline/internal/pipeline/steps"
	"github.com/jonathan/therapy-pipeline/internal/types"
	"github.com/jonathan/therapy-pipeline/internal/vocabulary"
)

// ErrShuttingDown is returned by Start once Shutdown has been called
var ErrShuttingDown = errors.New("runner is shutting down")

var errCancelRequested = errors.New("run cancelled by request")

const runnerActor = "pipeline-runner"

// Config holds runner configuration
type Config struct {
	Concurrency  int
	StageTimeout time.Duration
	RunTimeout   time.Duration
	Retry        RetryPolicy
}

// DefaultConfig returns the default runner configuration
func DefaultConfig() Config {
	return Config{
		Concurrency:  4,
		StageTimeout: 60 * time.Second,
		RunTimeout:   10 * time.Minute,
		Retry:        DefaultRetryPolicy(),
	}
}

// Deps are the collaborators a Runner is built from
type Deps struct {
	Store      Store
	Blobs      BlobStore
	Inference  Inference
	Research   Research
	Vocabulary *vocabulary.Vocabulary
	Matcher    *matching.Matcher
	Audit      audit.Sink
	Alerter    audit.Alerter
	Observer   Observer
	Logger     *zap.Logger
	OnProgress ProgressCallback
}

type runHandle struct {
	run    *types.PipelineRun // guarded by Runner.mu
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Runner is the pipeline orchestrator
type Runner struct {
	deps        Deps
	cfg         Config
	logger      *zap.Logger
	executor    *StageExecutor
	abstraction *gate.AbstractionGate
	isolation   *gate.IsolationGate
	sem         *semaphore.Weighted
	root        context.Context
	rootCancel  context.CancelCauseFunc
	now         func() time.Time

	mu     sync.RWMutex
	runs   map[uuid.UUID]*runHandle
	closed bool
	wg     sync.WaitGroup
}

// NewRunner validates deps and every stage graph and returns a ready runner
func NewRunner(deps Deps, cfg Config) (*Runner, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("pipeline: store is required")
	case deps.Blobs == nil:
		return nil, fmt.Errorf("pipeline: blob store is required")
	case deps.Inference == nil:
		return nil, fmt.Errorf("pipeline: inference is required")
	case deps.Research == nil:
		return nil, fmt.Errorf("pipeline: research is required")
	case deps.Vocabulary == nil:
		return nil, fmt.Errorf("pipeline: vocabulary is required")
	case deps.Matcher == nil:
		return nil, fmt.Errorf("pipeline: matcher is required")
	case deps.Audit == nil:
		return nil, fmt.Errorf("pipeline: audit sink is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Alerter == nil {
		deps.Alerter = audit.NewLogAlerter(deps.Logger, nil)
	}

	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = def.StageTimeout
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	cfg.Retry.ApplyDefaults()

	for _, kind := range types.AllPipelineKinds() {
		if err := steps.GraphFor(kind).Validate(); err != nil {
			return nil, err
		}
	}

	logger := deps.Logger.Named("pipeline")
	root, rootCancel := context.WithCancelCause(context.Background())
	return &Runner{
		deps:        deps,
		cfg:         cfg,
		logger:      logger,
		executor:    NewStageExecutor(deps.Store, deps.Audit, deps.Observer, logger, cfg.StageTimeout, cfg.Retry),
		abstraction: gate.NewAbstractionGate(deps.Vocabulary, deps.Audit),
		isolation:   gate.NewIsolationGate(deps.Vocabulary, deps.Audit),
		sem:         semaphore.NewWeighted(int64(cfg.Concurrency)),
		root:        root,
		rootCancel:  rootCancel,
		now:         time.Now,
		runs:        make(map[uuid.UUID]*runHandle),
	}, nil
}

// Start validates the trigger, records a queued run and schedules it. It
// returns as soon as the run is persisted; execution is asynchronous and waits
// for a concurrency slot without ever dropping the run.
func (r *Runner) Start(ctx context.Context, kind types.PipelineKind, subject types.SubjectRef) (uuid.UUID, error) {
	if err := subject.ValidateFor(kind); err != nil {
		return uuid.Nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return uuid.Nil, ErrShuttingDown
	}
	r.wg.Add(1)
	r.mu.Unlock()

	run := types.NewPipelineRun(kind, subject, r.now())
	if err := r.deps.Store.CreateRun(ctx, run); err != nil {
		r.wg.Done()
		return uuid.Nil, failure.Upstream("failed to create run", err)
	}

	runCtx, cancel := context.WithCancelCause(r.root)
	h := &runHandle{run: run, ctx: runCtx, cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	r.runs[run.ID] = h
	r.mu.Unlock()

	r.auditRun(ctx, run.ID, types.ActionRunQueued, types.AuditSuccess, map[string]any{
		"kind":    string(kind),
		"subject": subject.String(),
	})
	r.progress(run.ID, "", types.RunQueued, "run queued")
	r.logger.Info("run queued", zap.String("run_id", run.ID.String()), zap.String("kind", string(kind)))

	go r.execute(h)
	return run.ID, nil
}

// GetStatus returns a snapshot of the run
func (r *Runner) GetStatus(ctx context.Context, id uuid.UUID) (*types.PipelineRun, error) {
	r.mu.RLock()
	h, ok := r.runs[id]
	if ok {
		snap := h.run.Clone()
		r.mu.RUnlock()
		return snap, nil
	}
	r.mu.RUnlock()

	run, err := r.deps.Store.GetRun(ctx, id)
	if err != nil {
		return nil, failure.Upstream("failed to load run", err)
	}
	if run == nil {
		return nil, failure.NotFound("run not found")
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first
func (r *Runner) ListRuns(ctx context.Context, limit int) ([]types.PipelineRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	runs, err := r.deps.Store.ListRuns(ctx, limit)
	if err != nil {
		return nil, failure.Upstream("failed to list runs", err)
	}
	return runs, nil
}

// StageRecords returns every recorded stage attempt of a run
func (r *Runner) StageRecords(ctx context.Context, id uuid.UUID) ([]types.StageRecord, error) {
	if _, err := r.GetStatus(ctx, id); err != nil {
		return nil, err
	}
	recs, err := r.deps.Store.ListStageRecords(ctx, id)
	if err != nil {
		return nil, failure.Upstream("failed to list stage records", err)
	}
	return recs, nil
}

// Cancel requests cancellation. The in-flight stage finishes and the run halts
// at the next checkpoint.
func (r *Runner) Cancel(ctx context.Context, id uuid.UUID) error {
	r.mu.RLock()
	h, ok := r.runs[id]
	r.mu.RUnlock()
	if ok {
		h.cancel(errCancelRequested)
		r.logger.Info("run cancellation requested", zap.String("run_id", id.String()))
		return nil
	}

	run, err := r.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	return failure.Validation(fmt.Sprintf("run is already %s", run.Status), nil)
}

// Wait blocks until the run reaches a terminal state or ctx is done
func (r *Runner) Wait(ctx context.Context, id uuid.UUID) (*types.PipelineRun, error) {
	r.mu.RLock()
	h, ok := r.runs[id]
	r.mu.RUnlock()
	if ok {
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.GetStatus(ctx, id)
}

// Shutdown stops accepting triggers and waits for in-flight runs. If ctx ends
// first, remaining runs are cancelled and halt at their next checkpoint.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.rootCancel(ErrShuttingDown)
		return ctx.Err()
	}
}

func (r *Runner) execute(h *runHandle) {
	id := h.run.ID
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.runs, id)
		r.mu.Unlock()
		close(h.done)
	}()

	if err := r.sem.Acquire(h.ctx, 1); err != nil {
		r.fail(h, "", r.haltError(h.ctx))
		return
	}
	defer r.sem.Release(1)

	runCtx, cancel := context.WithTimeout(h.ctx, r.cfg.RunTimeout)
	defer cancel()

	if err := r.transition(h, types.RunRunning); err != nil {
		r.fail(h, "", err)
		return
	}
	r.auditRun(runCtx, id, types.ActionRunStarted, types.AuditSuccess, nil)
	r.progress(id, "", types.RunRunning, "run started")

	r.mu.RLock()
	st := newRunState(h.run)
	r.mu.RUnlock()

	graph := steps.GraphFor(st.kind)
	last := ""
	for _, group := range graph.Groups {
		// checkpoint
		if runCtx.Err() != nil {
			r.fail(h, last, r.haltError(runCtx))
			return
		}

		stage, err := r.runGroup(runCtx, h, st, graph, group)
		if err != nil {
			if runCtx.Err() != nil && failure.Retryable(err) {
				err = r.haltError(runCtx)
			}
			r.fail(h, stage, err)
			return
		}
		last = group[len(group)-1]
	}

	r.complete(h)
}

type stageError struct {
	stage string
	err   error
}

// runGroup runs one group. Members of a parallel group share no cancellation:
// when one fails the others still finish, and the group then fails.
func (r *Runner) runGroup(runCtx context.Context, h *runHandle, st *runState, graph steps.Graph, group []string) (string, error) {
	if len(group) == 1 {
		return group[0], r.runStage(runCtx, h, st, graph, group[0])
	}

	errs := make([]error, len(group))
	var g errgroup.Group
	for i, name := range group {
		g.Go(func() error {
			errs[i] = r.runStage(runCtx, h, st, graph, name)
			return errs[i]
		})
	}
	if g.Wait() == nil {
		return "", nil
	}

	var first *stageError
	for i, err := range errs {
		if err == nil {
			continue
		}
		if failure.Critical(err) {
			return group[i], err
		}
		if first == nil {
			first = &stageError{stage: group[i], err: err}
		}
	}
	return first.stage, first.err
}

func (r *Runner) runStage(runCtx context.Context, h *runHandle, st *runState, graph steps.Graph, name string) error {
	started := r.now()
	r.mu.Lock()
	h.run.CurrentStage = name
	snap := h.run.Clone()
	r.mu.Unlock()
	r.persist(runCtx, snap)
	r.progress(st.runID, name, types.RunRunning, "stage started")

	if err := r.checkPrerequisites(runCtx, st, graph, name); err != nil {
		return err
	}

	rec, err := r.executor.Execute(runCtx, st.runID, name, r.stageFunc(st, name))

	completed := r.now()
	r.mu.Lock()
	h.run.Stages[name] = types.StageTiming{
		StartedAt:   started,
		CompletedAt: &completed,
		DurationMs:  completed.Sub(started).Milliseconds(),
		Attempts:    rec.Attempt,
		Outcome:     string(rec.Outcome),
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("stage failed",
			zap.String("run_id", st.runID.String()),
			zap.String("stage", name),
			zap.Int("attempts", rec.Attempt),
			zap.String("error_kind", string(failure.KindOf(err))))
		return err
	}
	r.progress(st.runID, name, types.RunRunning, "stage completed")
	return nil
}

// checkPrerequisites verifies recorded dependencies, and that the record of
// the upstream gate exists before any stage that consumes gate output.
func (r *Runner) checkPrerequisites(runCtx context.Context, st *runState, graph steps.Graph, name string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), r.cfg.StageTimeout)
	defer cancel()

	gateName := requiredGate(graph, name)

	if err := steps.ValidateDependencies(ctx, r.deps.Store, st.runID, graph, name); err != nil {
		var de *steps.DependencyError
		if !errors.As(err, &de) {
			return failure.Upstream("failed to check stage dependencies", err)
		}
		if gateName != "" {
			return failure.IsolationViolation(fmt.Sprintf("%s reached without a completed %s", name, gateName), err)
		}
		return failure.New(failure.KindInternal, "stage dependencies not satisfied", err)
	}

	switch gateName {
	case "":
		return nil
	case steps.AbstractionGate:
		rec, err := r.deps.Store.GetAbstractionRecord(ctx, st.runID)
		if err != nil {
			return failure.Upstream("failed to load abstraction record", err)
		}
		if rec == nil {
			return failure.IsolationViolation(fmt.Sprintf("abstraction record missing before %s", name), nil)
		}
	case steps.IsolationGate:
		rec, err := r.deps.Store.GetIsolationRecord(ctx, st.runID)
		if err != nil {
			return failure.Upstream("failed to load isolation record", err)
		}
		if rec == nil || !rec.IsolationInvoked || !rec.Succeeded {
			return failure.IsolationViolation(fmt.Sprintf("isolation record missing before %s", name), nil)
		}
	default:
		panic(fmt.Sprintf("pipeline: unhandled gate %q", gateName))
	}
	return nil
}

// requiredGate returns the gate whose record must exist before name runs
func requiredGate(graph steps.Graph, name string) string {
	if g, ok := graph.GateFor(name); ok {
		return g
	}
	for _, dep := range graph.Steps[name].Dependencies {
		if graph.Steps[dep].Category == steps.CategoryGate {
			return dep
		}
	}
	return ""
}

func (r *Runner) haltError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.Timeout("run exceeded its time limit", nil)
	}
	if errors.Is(context.Cause(ctx), ErrShuttingDown) {
		return failure.Cancelled("run cancelled by shutdown", nil)
	}
	return failure.Cancelled("run cancelled", nil)
}

func (r *Runner) transition(h *runHandle, to types.RunStatus) error {
	r.mu.Lock()
	err := h.run.Transition(to, r.now())
	snap := h.run.Clone()
	r.mu.Unlock()
	if err != nil {
		return failure.New(failure.KindInternal, "invalid run transition", err)
	}
	r.persist(h.ctx, snap)
	return nil
}

func (r *Runner) complete(h *runHandle) {
	if err := r.transition(h, types.RunComplete); err != nil {
		r.fail(h, "", err)
		return
	}
	id := h.run.ID
	r.auditRun(h.ctx, id, types.ActionRunCompleted, types.AuditSuccess, nil)
	r.deps.Observer.RunFinished(h.run.Kind, types.RunComplete)
	r.progress(id, "", types.RunComplete, "run complete")
	r.logger.Info("run complete", zap.String("run_id", id.String()))
}

func (r *Runner) fail(h *runHandle, stage string, err error) {
	kind := failure.KindOf(err)
	detail := types.RunError{Kind: kind, Stage: stage, Message: failure.SafeMessage(err)}

	r.mu.Lock()
	ferr := h.run.Fail(detail, r.now())
	snap := h.run.Clone()
	r.mu.Unlock()
	id := snap.ID
	if ferr != nil {
		r.logger.Error("failed to record run failure", zap.String("run_id", id.String()), zap.Error(ferr))
		return
	}
	r.persist(h.ctx, snap)

	result := types.AuditFailure
	if failure.Critical(err) {
		result = types.AuditDenied
		r.deps.Alerter.Alert(context.WithoutCancel(h.ctx), audit.Alert{Kind: kind, RunID: id, Stage: stage})
		r.auditRun(h.ctx, id, types.ActionSecurityAlert, types.AuditDenied, map[string]any{
			"error_kind": string(kind),
			"stage":      stage,
		})
	}
	r.auditRun(h.ctx, id, types.ActionRunFailed, result, map[string]any{
		"error_kind": string(kind),
		"stage":      stage,
	})
	r.deps.Observer.RunFinished(snap.Kind, types.RunFailed)
	r.progress(id, stage, types.RunFailed, detail.Message)
	r.logger.Error("run failed",
		zap.String("run_id", id.String()),
		zap.String("stage", stage),
		zap.String("error_kind", string(kind)),
		zap.String("error", detail.Message))
	r.logger.Debug("run failure cause", zap.String("run_id", id.String()), zap.Error(err))
}

// persist writes a run snapshot. Run state is written even while a run is
// being cancelled, so the store context is detached from cancellation.
func (r *Runner) persist(ctx context.Context, snap *types.PipelineRun) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StageTimeout)
	defer cancel()
	if err := r.deps.Store.UpdateRun(sctx, snap); err != nil {
		r.logger.Error("failed to persist run state",
			zap.String("run_id", snap.ID.String()),
			zap.String("status", string(snap.Status)),
			zap.Error(err))
	}
}

func (r *Runner) auditRun(ctx context.Context, id uuid.UUID, action string, result types.AuditResult, details map[string]any) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StageTimeout)
	defer cancel()
	event := audit.NewEvent(runnerActor, action, types.ResourcePipelineRun, id.String(), id, result, details)
	if err := r.deps.Audit.Record(actx, event); err != nil {
		r.logger.Error("failed to record audit event",
			zap.String("run_id", id.String()),
			zap.String("action", action),
			zap.Error(err))
	}
}

func (r *Runner) progress(id uuid.UUID, stage string, status types.RunStatus, message string) {
	if r.deps.OnProgress == nil {
		return
	}
	r.deps.OnProgress(ProgressEvent{
		RunID:   id.String(),
		Stage:   stage,
		Status:  string(status),
		Message: message,
	})
}
