package checkpoint

import (
	"context"
	stderrors "errors"
	"path"
	"strings"

	"github.com/logflow/tickflow/internal/model"
	"github.com/logflow/tickflow/pkg/errors"
	"github.com/logflow/tickflow/pkg/storage"
)

// ObjectStore keeps cursors as JSON objects in an object store, typically
// the same S3 bucket the sink writes to.
type ObjectStore struct {
	objects storage.ObjectStore
	prefix  string
}

// NewObjectStore stores cursors under prefix (e.g. "_cursors/").
func NewObjectStore(objects storage.ObjectStore, prefix string) *ObjectStore {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &ObjectStore{objects: objects, prefix: prefix}
}

func (s *ObjectStore) key(id string) string {
	return path.Join(s.prefix, id+".json")
}

func (s *ObjectStore) Save(ctx context.Context, c model.Cursor) error {
	data, err := encode(c)
	if err != nil {
		return err
	}
	err = s.objects.Put(ctx, s.key(c.ID()), data, storage.PutOptions{ContentType: "application/json"})
	if err != nil {
		return errors.Durability(errors.CodeCursorSave, err, "put cursor").WithContext("id", c.ID())
	}
	return nil
}

func (s *ObjectStore) Load(ctx context.Context, group string, topic model.Topic, shardID string) (model.Cursor, error) {
	id := model.CursorID(group, topic, shardID)
	data, err := s.objects.Get(ctx, s.key(id))
	if stderrors.Is(err, storage.ErrNotFound) {
		return zeroCursor(group, topic, shardID), nil
	}
	if err != nil {
		return model.Cursor{}, errors.Transient(errors.CodeStoreUnavailable, err, "get cursor").WithContext("id", id)
	}
	return decode(data, id)
}

func (s *ObjectStore) List(ctx context.Context, group string) ([]model.Cursor, error) {
	infos, err := s.objects.List(ctx, s.prefix+group+".")
	if err != nil {
		return nil, errors.Transient(errors.CodeStoreUnavailable, err, "list cursors")
	}
	var out []model.Cursor
	for _, info := range infos {
		if !strings.HasSuffix(info.Key, ".json") {
			continue
		}
		data, err := s.objects.Get(ctx, info.Key)
		if err != nil {
			continue
		}
		c, err := decode(data, info.Key)
		if err != nil || c.Group != group {
			continue
		}
		out = append(out, c)
	}
	sortCursors(out)
	return out, nil
}

func (s *ObjectStore) Delete(ctx context.Context, id string) error {
	if err := s.objects.Delete(ctx, s.key(id)); err != nil && !stderrors.Is(err, storage.ErrNotFound) {
		return errors.Transient(errors.CodeStoreUnavailable, err, "delete cursor").WithContext("id", id)
	}
	return nil
}

// Name returns the underlying object store scheme.
func (s *ObjectStore) Name() string {
	return s.objects.Scheme()
}
