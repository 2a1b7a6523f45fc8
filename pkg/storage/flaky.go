package storage

import (
	"context"
	"strings"
	"sync"

	"github.com/logflow/tickflow/pkg/errors"
)

// FlakyStore wraps an ObjectStore and fails a configured number of Put
// calls before delegating. It simulates an unreliable object store.
type FlakyStore struct {
	ObjectStore

	mu        sync.Mutex
	failPuts  int
	putCalls  int
	keyPrefix string
}

// NewFlakyStore fails the next n Puts whose key starts with keyPrefix.
func NewFlakyStore(inner ObjectStore, n int, keyPrefix string) *FlakyStore {
	return &FlakyStore{ObjectStore: inner, failPuts: n, keyPrefix: keyPrefix}
}

// Put fails while the failure budget lasts.
func (f *FlakyStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	f.mu.Lock()
	if strings.HasPrefix(key, f.keyPrefix) {
		f.putCalls++
		if f.failPuts != 0 {
			if f.failPuts > 0 {
				f.failPuts--
			}
			f.mu.Unlock()
			return errors.Transient(errors.CodeStoreUnavailable, nil, "injected put failure").WithContext("key", key)
		}
	}
	f.mu.Unlock()
	return f.ObjectStore.Put(ctx, key, data, opts)
}

// SetFailures resets the failure budget. A negative n fails forever.
func (f *FlakyStore) SetFailures(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPuts = n
}

// PutCalls returns how many matching Puts were attempted.
func (f *FlakyStore) PutCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putCalls
}
