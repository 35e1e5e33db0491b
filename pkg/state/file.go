package state

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	stateFileExt   = ".yml"
	staleLockAge   = 5 * time.Minute
	lockRetryDelay = 25 * time.Millisecond
)

// stateFile is the on-disk form of one scope.
type stateFile struct {
	Scope     string            `yaml:"scope"`
	UpdatedAt time.Time         `yaml:"updated_at"`
	Values    map[string]string `yaml:"values"`
}

// FileBackend stores one YAML file per scope under a directory:
//
//	<dir>/global.yml
//	<dir>/narrative/<name>.yml
//	<dir>/platform/<platform>/<id>.yml
type FileBackend struct {
	dir string
	now func() time.Time
}

// NewFileBackend creates a backend rooted at dir. The directory is created
// on first write.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir, now: time.Now}
}

func (b *FileBackend) path(scope Scope) (string, error) {
	if err := scope.Validate(); err != nil {
		return "", err
	}
	return filepath.Join(b.dir, filepath.FromSlash(scope.Key())+stateFileExt), nil
}

func (b *FileBackend) Load(_ context.Context, scope Scope) (map[string]string, error) {
	path, err := b.path(scope)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var sf stateFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	if sf.Values == nil {
		sf.Values = map[string]string{}
	}
	return sf.Values, nil
}

func (b *FileBackend) Save(_ context.Context, scope Scope, values map[string]string) error {
	path, err := b.path(scope)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := yaml.Marshal(&stateFile{
		Scope:     scope.Key(),
		UpdatedAt: b.now().UTC(),
		Values:    values,
	})
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

func (b *FileBackend) Scopes(_ context.Context) ([]Scope, error) {
	var scopes []Scope
	err := filepath.WalkDir(b.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == b.dir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, stateFileExt) || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(b.dir, path)
		if err != nil {
			return err
		}
		if scope, ok := scopeFromKey(filepath.ToSlash(strings.TrimSuffix(rel, stateFileExt))); ok {
			scopes = append(scopes, scope)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list state files: %w", err)
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].Key() < scopes[j].Key() })
	return scopes, nil
}

func (b *FileBackend) Close() error { return nil }

// Lock takes an exclusive lock file next to the scope's state file, waiting
// until ctx is done. Locks older than five minutes are considered stale.
func (b *FileBackend) Lock(ctx context.Context, scope Scope) (func() error, error) {
	path, err := b.path(scope)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	for {
		lock, err := lockFile(path)
		if err == nil {
			return lock.Unlock, nil
		}
		if err != errLocked {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock on %s: %w", path, ctx.Err())
		case <-time.After(lockRetryDelay):
		}
	}
}
