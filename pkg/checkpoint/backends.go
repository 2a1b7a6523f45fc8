package checkpoint

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/logger"
)

// MultiStore writes to a primary and, best effort, a secondary store.
type MultiStore struct {
	primary   Store
	secondary Store
	log       *zap.SugaredLogger
}

// NewMultiStore creates a store that writes to both primary and secondary.
func NewMultiStore(primary, secondary Store, log *zap.SugaredLogger) *MultiStore {
	return &MultiStore{primary: primary, secondary: secondary, log: logger.OrNop(log)}
}

// Save writes to both stores (primary first). Only a primary failure is
// reported; the cursor's durability rests on the primary.
func (m *MultiStore) Save(ctx context.Context, c model.Cursor) error {
	if err := m.primary.Save(ctx, c); err != nil {
		return err
	}
	if err := m.secondary.Save(ctx, c); err != nil {
		m.log.Warnw("secondary cursor save failed", "backend", m.secondary.Name(), "id", c.ID(), "error", err)
	}
	return nil
}

// Load reads from primary, falls back to secondary.
func (m *MultiStore) Load(ctx context.Context, group string, topic model.Topic, shardID string) (model.Cursor, error) {
	c, err := m.primary.Load(ctx, group, topic, shardID)
	if err == nil {
		return c, nil
	}
	m.log.Warnw("primary cursor load failed, using secondary", "backend", m.primary.Name(), "error", err)
	return m.secondary.Load(ctx, group, topic, shardID)
}

// List returns the primary's cursors.
func (m *MultiStore) List(ctx context.Context, group string) ([]model.Cursor, error) {
	return m.primary.List(ctx, group)
}

// Delete removes from both stores.
func (m *MultiStore) Delete(ctx context.Context, id string) error {
	err1 := m.primary.Delete(ctx, id)
	err2 := m.secondary.Delete(ctx, id)
	if err1 != nil {
		return err1
	}
	return err2
}

// Name returns the combined backend names.
func (m *MultiStore) Name() string {
	return m.primary.Name() + "+" + m.secondary.Name()
}

// MemoryStore keeps cursors in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	cursors map[string]model.Cursor
	saves   int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]model.Cursor)}
}

func (m *MemoryStore) Save(ctx context.Context, c model.Cursor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[c.ID()] = c
	m.saves++
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, group string, topic model.Topic, shardID string) (model.Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cursors[model.CursorID(group, topic, shardID)]; ok {
		return c, nil
	}
	return zeroCursor(group, topic, shardID), nil
}

func (m *MemoryStore) List(ctx context.Context, group string) ([]model.Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Cursor
	for _, c := range m.cursors {
		if c.Group == group {
			out = append(out, c)
		}
	}
	sortCursors(out)
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cursors, id)
	return nil
}

// Saves returns how many times Save succeeded.
func (m *MemoryStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// Name returns "memory".
func (m *MemoryStore) Name() string {
	return "memory"
}
