package poller

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/logflow/tickflow/pkg/errors"
	"github.com/logflow/tickflow/pkg/logger"
	"github.com/logflow/tickflow/pkg/watch"
)

// CredentialProvider supplies the bearer token for upstream requests.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticCredential is a fixed token.
type StaticCredential string

func (s StaticCredential) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", errors.Configuration(errors.CodeMissingCredential, "empty upstream credential")
	}
	return string(s), nil
}

// EnvCredential reads the token from an environment variable on every call.
type EnvCredential string

func (e EnvCredential) Token(ctx context.Context) (string, error) {
	v := strings.TrimSpace(os.Getenv(string(e)))
	if v == "" {
		return "", errors.Configuration(errors.CodeMissingCredential, "upstream credential not set").WithContext("env", string(e))
	}
	return v, nil
}

// FileCredential reads the token from a file and reloads it when the file
// changes, so a rotated secret takes effect without a restart.
type FileCredential struct {
	path string
	log  *zap.SugaredLogger

	mu    sync.RWMutex
	token string
}

// NewFileCredential loads path once.
func NewFileCredential(path string, log *zap.SugaredLogger) (*FileCredential, error) {
	f := &FileCredential{path: path, log: logger.OrNop(log)}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileCredential) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return errors.Wrapf(err, errors.CodeMissingCredential, "read credential file %s", f.path)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return errors.Configuration(errors.CodeMissingCredential, "credential file is empty").WithContext("path", f.path)
	}
	f.mu.Lock()
	f.token = tok
	f.mu.Unlock()
	return nil
}

func (f *FileCredential) Token(ctx context.Context) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.token, nil
}

// Watch reloads the token on change until ctx is canceled. A failed reload
// keeps the previous token.
func (f *FileCredential) Watch(ctx context.Context) error {
	w, err := watch.NewWatcher(0)
	if err != nil {
		return err
	}
	if err := w.Watch(f.path); err != nil {
		w.Close()
		return err
	}
	w.OnChange = func(string) error {
		if err := f.reload(); err != nil {
			return err
		}
		f.log.Infow("upstream credential reloaded", "path", f.path)
		return nil
	}
	w.OnError = func(path string, err error) {
		f.log.Warnw("credential watch error", "path", path, "error", err)
	}
	return w.Run(ctx)
}
