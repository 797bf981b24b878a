package workflow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore persists one JSON file per run at <Dir>/<run_id>.json.
type FileStore struct {
	Dir string
}

// SaveState writes st to <base>/<run_id>.json atomically.
func SaveState(base string, st State) error {
	return (&FileStore{Dir: base}).Save(st)
}

// LoadState reads <base>/<run_id>.json.
func LoadState(base, runID string) (State, error) {
	return (&FileStore{Dir: base}).Load(runID)
}

func (s *FileStore) path(runID string) (string, error) {
	if runID == "" || runID != filepath.Base(runID) || strings.HasPrefix(runID, ".") {
		return "", fmt.Errorf("%w: invalid run id %q", ErrRunNotFound, runID)
	}
	return filepath.Join(s.Dir, runID+".json"), nil
}

// Save writes to a temp file in the same directory, fsyncs it and renames it
// over the previous version.
func (s *FileStore) Save(st State) error {
	path, err := s.path(st.RunID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.Dir, "."+st.RunID+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// Load reads one run.
func (s *FileStore) Load(runID string) (State, error) {
	path, err := s.path(runID)
	if err != nil {
		return State{}, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return State{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return st, nil
}

// List loads every persisted run ordered by creation time. Unreadable files
// are logged and skipped.
func (s *FileStore) List() ([]State, error) {
	entries, err := os.ReadDir(s.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []State
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		st, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			slog.Warn("skipping workflow state", "file", name, "err", err)
			continue
		}
		out = append(out, st)
	}
	sortStates(out)
	return out, nil
}

func sortStates(states []State) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].CreatedAt.Equal(states[j].CreatedAt) {
			return states[i].RunID < states[j].RunID
		}
		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})
}
