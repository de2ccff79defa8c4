package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hemantobora/clusterboot/internal/models"
)

// FileStore keeps run state in a local JSON file
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Location() string {
	return f.path
}

func (f *FileStore) Load(_ context.Context) (*RunState, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, f.fail("load", err)
	}

	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, f.fail("load", fmt.Errorf("failed to unmarshal run state: %w", err))
	}
	if err := st.Validate(); err != nil {
		return nil, f.fail("load", err)
	}
	return &st, nil
}

// Save writes to a temporary file first and renames it into place so a
// crash mid-write never leaves a truncated state file behind.
func (f *FileStore) Save(_ context.Context, st *RunState) error {
	if err := st.Validate(); err != nil {
		return f.fail("save", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return f.fail("save", fmt.Errorf("failed to marshal run state: %w", err))
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return f.fail("save", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".state-*.json")
	if err != nil {
		return f.fail("save", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return f.fail("save", err)
	}
	if err := tmp.Close(); err != nil {
		return f.fail("save", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return f.fail("save", err)
	}
	return nil
}

func (f *FileStore) Delete(_ context.Context) error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return f.fail("delete", err)
	}
	return nil
}

func (f *FileStore) fail(op string, err error) error {
	return &models.StateError{Backend: "file", Operation: op, Location: f.path, Cause: err}
}
