package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileStore keeps settings in a flat YAML mapping on disk.  The whole
// file is rewritten on every Set.
type FileStore struct {
	path string

	mu   sync.RWMutex
	vals map[string]string
}

// NewFileStore loads path, treating a missing file as empty.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, vals: map[string]string{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (f *FileStore) load() error {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("settings: reading %s: %w", f.path, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("settings: parsing %s: %w", f.path, err)
	}
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("settings: %s: top level must be a mapping", f.path)
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		k, v := root.Content[i], root.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return fmt.Errorf("settings: %s: value of %q must be a scalar", f.path, k.Value)
		}
		if v.Tag == "!!null" {
			f.vals[k.Value] = ""
			continue
		}
		f.vals[k.Value] = v.Value
	}
	return nil
}

func (f *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.vals[key]
	return v, ok, nil
}

func (f *FileStore) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vals[key] = value

	data, err := yaml.Marshal(f.vals)
	if err != nil {
		return fmt.Errorf("settings: encoding: %w", err)
	}
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("settings: %w", err)
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("settings: writing %s: %w", tmp, err)
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Keys(_ context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	keys := make([]string, 0, len(f.vals))
	for k := range f.vals {
		keys = append(keys, k)
	}
	return keys, nil
}

func (f *FileStore) Close() error { return nil }
