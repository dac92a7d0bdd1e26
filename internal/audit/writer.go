package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/therapy-pipeline/internal/types"
)

// Repository persists audit events
type Repository interface {
	InsertAuditEvent(ctx context.Context, event *types.AuditEvent) error
}

// WriterConfig holds configuration for the StoreWriter
type WriterConfig struct {
	BufferSize   int
	WorkerCount  int
	WriteTimeout time.Duration
}

// DefaultWriterConfig returns the default writer configuration
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BufferSize:   1024,
		WorkerCount:  2,
		WriteTimeout: 5 * time.Second,
	}
}

// StoreWriter persists events asynchronously through a bounded queue.
// Enqueueing blocks when the queue is full; events are never dropped.
type StoreWriter struct {
	repo    Repository
	logger  *zap.Logger
	cfg     WriterConfig
	events  chan types.AuditEvent
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	stopped bool
	done    chan struct{}
}

// NewStoreWriter creates a writer; call Start before recording
func NewStoreWriter(repo Repository, logger *zap.Logger, cfg WriterConfig) *StoreWriter {
	def := DefaultWriterConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = def.WorkerCount
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &StoreWriter{
		repo:   repo,
		logger: logger,
		cfg:    cfg,
		events: make(chan types.AuditEvent, cfg.BufferSize),
		done:   make(chan struct{}),
	}
}

// Start launches the background workers
func (w *StoreWriter) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("audit writer already started")
	}
	for i := 0; i < w.cfg.WorkerCount; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}
	w.started = true
	w.logger.Info("started audit writer",
		zap.Int("worker_count", w.cfg.WorkerCount),
		zap.Int("buffer_size", w.cfg.BufferSize))
	return nil
}

// Record enqueues an event, blocking until there is room or ctx is done
func (w *StoreWriter) Record(ctx context.Context, event types.AuditEvent) error {
	event = prepare(event)

	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.started {
		return fmt.Errorf("audit writer not started")
	}
	if w.stopped {
		return fmt.Errorf("audit writer stopped")
	}

	select {
	case w.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queue and waits for pending events to be written
func (w *StoreWriter) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return fmt.Errorf("audit writer not started")
	}
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.logger.Info("stopping audit writer", zap.Int("pending_events", len(w.events)))
	close(w.events)
	w.mu.Unlock()

	go func() {
		w.wg.Wait()
		close(w.done)
	}()

	select {
	case <-w.done:
		w.logger.Info("audit writer stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit writer stop timeout after %v", timeout)
	}
}

func (w *StoreWriter) worker(id int) {
	defer w.wg.Done()
	for event := range w.events {
		if err := w.write(event); err != nil {
			w.logger.Error("failed to persist audit event",
				zap.Int("worker_id", id),
				zap.String("action", event.Action),
				zap.String("run_id", event.RunID.String()),
				zap.Error(err))
		}
	}
}

func (w *StoreWriter) write(event types.AuditEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
	defer cancel()
	if err := w.repo.InsertAuditEvent(ctx, &event); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}
