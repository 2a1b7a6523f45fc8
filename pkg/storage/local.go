package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/logflow/tickflow/pkg/errors"
)

// LocalStore implements ObjectStore on the local filesystem.
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "create storage root %s", absRoot)
	}
	return &LocalStore{root: absRoot}, nil
}

// Scheme returns "file".
func (s *LocalStore) Scheme() string {
	return "file"
}

// Root returns the absolute root directory.
func (s *LocalStore) Root() string {
	return s.root
}

// Put writes to a temp file and renames it into place so readers never see
// a partial object. With IfNotExists the final step is a hard link, which
// fails atomically when the key is taken.
func (s *LocalStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath := s.fullPath(key)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return errors.Transient(errors.CodeStoreUnavailable, err, "create directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".put-*")
	if err != nil {
		return errors.Transient(errors.CodeStoreUnavailable, err, "create temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Transient(errors.CodeStoreUnavailable, err, "write data")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Transient(errors.CodeStoreUnavailable, err, "sync data")
	}
	if err := tmp.Close(); err != nil {
		return errors.Transient(errors.CodeStoreUnavailable, err, "close temp file")
	}

	if opts.IfNotExists {
		if err := os.Link(tmpPath, fullPath); err != nil {
			if os.IsExist(err) {
				return ErrExists
			}
			return errors.Transient(errors.CodeStoreUnavailable, err, "link object")
		}
		return nil
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		return errors.Transient(errors.CodeStoreUnavailable, err, "rename object")
	}
	return nil
}

// Get reads an object.
func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.fullPath(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Transient(errors.CodeStoreUnavailable, err, "read object")
	}
	return data, nil
}

// Exists checks if an object exists.
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.fullPath(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Transient(errors.CodeStoreUnavailable, err, "stat object")
	}
	return true, nil
}

// List walks the root for keys with the prefix.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var results []ObjectInfo
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip unreadable entries
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, _ := filepath.Rel(s.root, path)
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		results = append(results, ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, errors.Transient(errors.CodeStoreUnavailable, err, "list objects")
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Key < results[j].Key
	})
	return results, nil
}

// Delete removes an object. Deleting a missing key is not an error.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.fullPath(key)); err != nil && !os.IsNotExist(err) {
		return errors.Transient(errors.CodeStoreUnavailable, err, "delete object")
	}
	return nil
}

func (s *LocalStore) fullPath(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}
