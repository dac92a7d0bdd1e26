package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jonathan/therapy-pipeline/internal/failure"
	"github.com/jonathan/therapy-pipeline/internal/types"
)

func TestRedactDetails(t *testing.T) {
	got := RedactDetails(map[string]any{
		"stage":        "client-synthesis",
		"attempt":      2,
		"had_rejected": true,
		"tokens":       []string{"attachment:anxious", "framework:gottman"},
		"note":         "patient said X",
		"quotes":       []string{"ok", "she cried"},
		"nested":       map[string]any{"a": 1},
		"run":          uuid.MustParse("8f14e45f-ceea-467a-9575-6f4f4a8c7c58"),
	})

	assert.Equal(t, "client-synthesis", got["stage"])
	assert.Equal(t, 2, got["attempt"])
	assert.Equal(t, []string{"attachment:anxious", "framework:gottman"}, got["tokens"])
	assert.Equal(t, Redacted, got["note"])
	assert.Equal(t, Redacted, got["quotes"])
	assert.Equal(t, Redacted, got["nested"])
	assert.Equal(t, "8f14e45f-ceea-467a-9575-6f4f4a8c7c58", got["run"])
	assert.Equal(t, true, got[DetailsRedactedKey])

	clean := RedactDetails(map[string]any{"stage": "persist"})
	assert.NotContains(t, clean, DetailsRedactedKey)
	assert.Nil(t, RedactDetails(nil))
}

func TestRedactDetails_Idempotent(t *testing.T) {
	once := RedactDetails(map[string]any{"note": "free text here"})
	twice := RedactDetails(once)
	assert.Equal(t, once, twice)
}

func TestLog_AppendOnly(t *testing.T) {
	log := NewLog()
	runID := uuid.New()
	other := uuid.New()

	require.NoError(t, log.Record(context.Background(), NewEvent("pipeline", types.ActionRunQueued, types.ResourcePipelineRun, runID.String(), runID, types.AuditSuccess, nil)))
	require.NoError(t, log.Record(context.Background(), types.AuditEvent{Action: types.ActionStageAttempt, RunID: runID, Details: map[string]any{"text": "free text"}}))
	require.NoError(t, log.Record(context.Background(), types.AuditEvent{Action: types.ActionStageAttempt, RunID: other}))

	assert.Equal(t, 3, log.Len())
	assert.Len(t, log.ForRun(runID), 2)
	assert.Len(t, log.WithAction(types.ActionStageAttempt), 2)

	events := log.Events()
	for _, e := range events {
		assert.NotEqual(t, uuid.Nil, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}
	assert.Equal(t, Redacted, events[1].Details["text"])

	events[0].Action = "mutated"
	assert.Equal(t, types.ActionRunQueued, log.Events()[0].Action)
}

type failingSink struct{ err error }

func (f failingSink) Record(context.Context, types.AuditEvent) error { return f.err }

func TestMulti_AttemptsAllSinks(t *testing.T) {
	a, b := NewLog(), NewLog()
	boom := errors.New("boom")
	m := Multi{a, failingSink{err: boom}, b}

	err := m.Record(context.Background(), types.AuditEvent{Action: types.ActionRunStarted})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, a.Events()[0].ID, b.Events()[0].ID, "fan-out shares one event id")
}

type memRepo struct {
	mu     sync.Mutex
	events []types.AuditEvent
	delay  time.Duration
}

func (r *memRepo) InsertAuditEvent(_ context.Context, event *types.AuditEvent) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

func (r *memRepo) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestStoreWriter_DrainsOnStop(t *testing.T) {
	repo := &memRepo{delay: time.Millisecond}
	w := NewStoreWriter(repo, zap.NewNop(), WriterConfig{BufferSize: 2, WorkerCount: 1})

	require.Error(t, w.Record(context.Background(), types.AuditEvent{}), "not started")
	require.NoError(t, w.Start())
	require.Error(t, w.Start())

	for i := 0; i < 20; i++ {
		require.NoError(t, w.Record(context.Background(), types.AuditEvent{Action: types.ActionStageAttempt}))
	}
	require.NoError(t, w.Stop(5*time.Second))
	assert.Equal(t, 20, repo.len(), "blocking enqueue never drops events")

	assert.Error(t, w.Record(context.Background(), types.AuditEvent{}))
	assert.NoError(t, w.Stop(time.Second))
}

func TestStoreWriter_RecordHonoursContext(t *testing.T) {
	repo := &memRepo{delay: 200 * time.Millisecond}
	w := NewStoreWriter(repo, zap.NewNop(), WriterConfig{BufferSize: 1, WorkerCount: 1})
	require.NoError(t, w.Start())
	defer func() { _ = w.Stop(5 * time.Second) }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var err error
	for i := 0; i < 5 && err == nil; i++ {
		err = w.Record(ctx, types.AuditEvent{})
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestZapMirror(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m := NewZapMirror(zap.New(core))

	require.NoError(t, m.Record(context.Background(), types.AuditEvent{
		Action:  types.ActionAbstractionGate,
		Details: map[string]any{"evidence": "patient said X"},
	}))

	entries := logs.FilterMessage("audit event").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "audit", entries[0].LoggerName)
	for _, f := range entries[0].Context {
		assert.NotContains(t, f.String+fmt.Sprint(f.Interface), "patient said X")
	}
}

type countingAlerts struct{ kinds []string }

func (c *countingAlerts) SecurityAlert(kind string) { c.kinds = append(c.kinds, kind) }

func TestLogAlerter(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	counter := &countingAlerts{}
	a := NewLogAlerter(zap.New(core), counter)

	a.Alert(context.Background(), Alert{Kind: failure.KindIsolationViolation, RunID: uuid.New(), Stage: "isolation-gate"})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "security_alert", entries[0].LoggerName)
	assert.Equal(t, []string{"isolation_violation"}, counter.kinds)
}

func TestAlertRecorder(t *testing.T) {
	r := NewAlertRecorder(1)
	r.Alert(context.Background(), Alert{Kind: failure.KindEncryption})
	r.Alert(context.Background(), Alert{Kind: failure.KindIsolationViolation})

	got := r.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, failure.KindEncryption, got[0].Kind)
	assert.Empty(t, r.Drain())
}
