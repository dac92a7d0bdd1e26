// Package blob provides the blob store used for session inputs, plan state and
// run outputs: an in-memory store, an S3 store and an encrypting wrapper.
package blob

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/jonathan/therapy-pipeline/internal/failure"
)

// Store reads and writes opaque bytes by key
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// PreSessionKey is where the pre-session input of a client lives
func PreSessionKey(clientID string) string {
	return fmt.Sprintf("inputs/%s/pre_session.json", clientID)
}

// PostSessionKey is where the post-session input of a client lives
func PostSessionKey(clientID string) string {
	return fmt.Sprintf("inputs/%s/post_session.json", clientID)
}

// PlanStateKey is where the current treatment plan of a client lives
func PlanStateKey(clientID string) string {
	return fmt.Sprintf("state/%s/plan.json", clientID)
}

// OutputKey is where a run artifact is written
func OutputKey(runID uuid.UUID, artifact string) string {
	return fmt.Sprintf("outputs/%s/%s.json", runID, artifact)
}

func notFound(key string) error {
	return failure.NotFound(fmt.Sprintf("blob %s not found", key))
}

// Memory is an in-process Store
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory creates an empty memory store
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Get implements Store
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, notFound(key)
	}
	return slices.Clone(data), nil
}

// Put implements Store
func (m *Memory) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = slices.Clone(data)
	return nil
}

// Keys returns the stored keys in sorted order
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.objects))
}
