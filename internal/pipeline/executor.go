package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/therapy-pipeline/internal/audit"
	"github.com/jonathan/therapy-pipeline/internal/failure"
	"github.com/jonathan/therapy-pipeline/internal/types"
)

// RetryPolicy configures retry behavior for retryable stage failures.
type RetryPolicy struct {
	// MaxAttempts bounds the total number of attempts, including the first.
	// Default: 3
	MaxAttempts int

	// BaseBackoff is the wait after the first failed attempt.
	// Default: 200ms
	BaseBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	// Default: 5s
	MaxBackoff time.Duration

	// Multiplier grows the wait after every failed attempt.
	// Default: 2
	Multiplier float64
}

// DefaultRetryPolicy returns the default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: 200 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
		Multiplier:  2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (p *RetryPolicy) ApplyDefaults() {
	defaults := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = defaults.BaseBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaults.MaxBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaults.Multiplier
	}
}

// Backoff returns the wait after the given failed attempt (1-based)
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := float64(p.BaseBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	if d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// StageResult carries the content hashes of a successful attempt
type StageResult struct {
	InputHash  string
	OutputHash string
}

// StageFunc is one unit of work. It must honour ctx.
type StageFunc func(ctx context.Context) (StageResult, error)

// StageRecorder persists stage attempts
type StageRecorder interface {
	InsertStageRecord(ctx context.Context, rec *types.StageRecord) error
}

// StageExecutor runs a stage with a per-attempt timeout and bounded retries,
// emitting one StageRecord and one AuditEvent for every attempt.
type StageExecutor struct {
	recorder StageRecorder
	sink     audit.Sink
	observer Observer
	logger   *zap.Logger
	timeout  time.Duration
	policy   RetryPolicy
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewStageExecutor creates an executor
func NewStageExecutor(recorder StageRecorder, sink audit.Sink, observer Observer, logger *zap.Logger, timeout time.Duration, policy RetryPolicy) *StageExecutor {
	policy.ApplyDefaults()
	if observer == nil {
		observer = nopObserver{}
	}
	return &StageExecutor{
		recorder: recorder,
		sink:     sink,
		observer: observer,
		logger:   logger,
		timeout:  timeout,
		policy:   policy,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. Attempts run under a context detached from runCtx's
// cancellation, so an in-flight call always finishes; runCtx only stops further
// attempts. The returned record is the last attempt's.
func (e *StageExecutor) Execute(runCtx context.Context, runID uuid.UUID, stage string, fn StageFunc) (types.StageRecord, error) {
	for attempt := 1; ; attempt++ {
		started := e.now()

		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), e.timeout)
		res, err := fn(attemptCtx)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err != nil && timedOut && failure.KindOf(err) == failure.KindInternal {
			err = failure.Timeout(fmt.Sprintf("stage %s timed out", stage), err)
		}

		outcome := types.OutcomeOK
		if err != nil {
			outcome = types.OutcomeFailed
			if failure.Retryable(err) && attempt < e.policy.MaxAttempts && runCtx.Err() == nil {
				outcome = types.OutcomeRetried
			}
		}

		duration := e.now().Sub(started)
		rec := types.StageRecord{
			ID:         uuid.New(),
			RunID:      runID,
			Stage:      stage,
			Attempt:    attempt,
			Outcome:    outcome,
			DurationMs: duration.Milliseconds(),
			InputHash:  res.InputHash,
			OutputHash: res.OutputHash,
			RecordedAt: e.now().UTC(),
		}
		if err != nil {
			rec.ErrorKind = string(failure.KindOf(err))
		}

		if recErr := e.record(runCtx, &rec, duration); recErr != nil {
			return rec, recErr
		}

		switch outcome {
		case types.OutcomeOK:
			return rec, nil
		case types.OutcomeFailed:
			return rec, err
		}

		wait := e.policy.Backoff(attempt)
		e.logger.Debug("retrying stage",
			zap.String("run_id", runID.String()),
			zap.String("stage", stage),
			zap.Int("attempt", attempt),
			zap.String("error_kind", rec.ErrorKind),
			zap.Duration("backoff", wait))
		if serr := e.sleep(runCtx, wait); serr != nil {
			return rec, err
		}
	}
}

// record persists the attempt and emits its audit event. A stage attempt that
// cannot be recorded is treated as failed.
func (e *StageExecutor) record(runCtx context.Context, rec *types.StageRecord, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), e.timeout)
	defer cancel()

	e.observer.StageAttempt(rec.Stage, rec.Outcome, d)

	if err := e.recorder.InsertStageRecord(ctx, rec); err != nil {
		e.logger.Error("failed to persist stage record",
			zap.String("run_id", rec.RunID.String()),
			zap.String("stage", rec.Stage),
			zap.Error(err))
		return failure.New(failure.KindInternal, "failed to record stage attempt", err)
	}

	result := types.AuditSuccess
	if rec.Outcome != types.OutcomeOK {
		result = types.AuditFailure
	}
	details := map[string]any{
		"stage":       rec.Stage,
		"attempt":     rec.Attempt,
		"outcome":     string(rec.Outcome),
		"duration_ms": rec.DurationMs,
		"input_hash":  rec.InputHash,
		"output_hash": rec.OutputHash,
	}
	if rec.ErrorKind != "" {
		details["error_kind"] = rec.ErrorKind
	}
	event := audit.NewEvent("stage-executor", types.ActionStageAttempt, types.ResourcePipelineRun,
		rec.RunID.String(), rec.RunID, result, details)
	if err := e.sink.Record(ctx, event); err != nil {
		return failure.New(failure.KindInternal, "failed to audit stage attempt", err)
	}
	return nil
}
