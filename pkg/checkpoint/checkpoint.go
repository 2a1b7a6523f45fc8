// Package checkpoint persists processor cursors. A cursor is owned by one
// consumer group and one shard; backends store it as a small JSON document
// keyed by Cursor.ID.
package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/errors"
)

// Store defines the interface for cursor storage backends.
type Store interface {
	// Save persists a cursor, replacing any previous value.
	Save(ctx context.Context, c model.Cursor) error

	// Load returns the cursor for a group/topic/shard. A cursor that was
	// never saved is returned as the zero position, not an error.
	Load(ctx context.Context, group string, topic model.Topic, shardID string) (model.Cursor, error)

	// List returns every cursor of a consumer group.
	List(ctx context.Context, group string) ([]model.Cursor, error)

	// Delete removes a cursor.
	Delete(ctx context.Context, id string) error

	// Name returns the backend name for logging.
	Name() string
}

func zeroCursor(group string, topic model.Topic, shardID string) model.Cursor {
	return model.Cursor{Group: group, Topic: topic, ShardID: shardID}
}

func encode(c model.Cursor) ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeCursorSave, "marshal cursor")
	}
	return data, nil
}

func decode(data []byte, id string) (model.Cursor, error) {
	var c model.Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return model.Cursor{}, errors.Wrapf(err, errors.CodeMalformedRecord, "unmarshal cursor %s", id)
	}
	return c, nil
}

func sortCursors(cs []model.Cursor) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID() < cs[j].ID() })
}

// LocalStore keeps one file per cursor in a directory.
type LocalStore struct {
	dir string
	mu  sync.Mutex
}

// NewLocalStore creates the directory if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "create cursor directory %s", dir)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) path(id string) string {
	return filepath.Join(s.dir, id+".cursor")
}

// Save writes to a temp file first, then renames it into place.
func (s *LocalStore) Save(ctx context.Context, c model.Cursor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(c.ID())
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return errors.Durability(errors.CodeCursorSave, err, "write cursor").WithContext("id", c.ID())
	}
	if err := os.Rename(tempPath, path); err != nil {
		return errors.Durability(errors.CodeCursorSave, err, "rename cursor").WithContext("id", c.ID())
	}
	return nil
}

// Load reads a cursor file.
func (s *LocalStore) Load(ctx context.Context, group string, topic model.Topic, shardID string) (model.Cursor, error) {
	id := model.CursorID(group, topic, shardID)
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return zeroCursor(group, topic, shardID), nil
	}
	if err != nil {
		return model.Cursor{}, errors.Transient(errors.CodeStoreUnavailable, err, "read cursor").WithContext("id", id)
	}
	return decode(data, id)
}

// List scans the directory for the group's cursors.
func (s *LocalStore) List(ctx context.Context, group string) ([]model.Cursor, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Transient(errors.CodeStoreUnavailable, err, "list cursors")
	}

	var out []model.Cursor
	for _, entry := range entries {
		name := entry.Name()
		if filepath.Ext(name) != ".cursor" || !strings.HasPrefix(name, group+".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		c, err := decode(data, strings.TrimSuffix(name, ".cursor"))
		if err != nil {
			continue
		}
		if c.Group == group {
			out = append(out, c)
		}
	}
	sortCursors(out)
	return out, nil
}

// Delete removes a cursor file. Deleting a missing cursor is not an error.
func (s *LocalStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return errors.Transient(errors.CodeStoreUnavailable, err, "delete cursor")
	}
	return nil
}

// Name returns "local".
func (s *LocalStore) Name() string {
	return "local"
}
