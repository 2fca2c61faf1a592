// Package store persists target definitions to a JSON state file.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xmonitor/pkg/models"
)

type stateFile struct {
	Targets []models.Target `json:"targets"`
}

// FileStore reads and writes the state file. Writes go to a temporary file
// in the same directory which then replaces the state file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store for path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the state file location
func (s *FileStore) Path() string {
	return s.path
}

// Load returns the saved targets. A missing file is an empty state.
func (s *FileStore) Load() ([]models.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) load() ([]models.Target, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", s.path, err)
	}

	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", s.path, err)
	}
	return state.Targets, nil
}

// Save replaces the state file with targets
func (s *FileStore) Save(targets []models.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(targets)
}

func (s *FileStore) save(targets []models.Target) error {
	if targets == nil {
		targets = []models.Target{}
	}
	data, err := json.MarshalIndent(stateFile{Targets: targets}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Update loads the targets, applies fn and saves the result. It is used by
// the offline target commands.
func (s *FileStore) Update(fn func([]models.Target) ([]models.Target, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	targets, err := s.load()
	if err != nil {
		return err
	}
	updated, err := fn(targets)
	if err != nil {
		return err
	}
	return s.save(updated)
}
