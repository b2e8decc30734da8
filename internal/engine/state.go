package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/JetBrains/youtrackdb-sub019/internal/storage"
	"github.com/JetBrains/youtrackdb-sub019/internal/wal"
)

const (
	stateFileName = "storage.json"
	stateVersion  = 1
)

// storageState is the persisted state of a storage, kept in storage.json.
type storageState struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Version       int                 `json:"version"`
	Clean         bool                `json:"clean"`
	Files         []storage.FileEntry `json:"files"`
	NextFileID    storage.FileID      `json:"nextFileId"`
	CheckpointLSN wal.LSN             `json:"checkpointLsn"`
	LastLSN       wal.LSN             `json:"lastLsn"`
	LastMetadata  []byte              `json:"lastMetadata,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// stateFile handles the persistence of storageState.
//
// The file is rewritten through a temporary file and a rename so a crash
// leaves either the old or the new state behind.
type stateFile struct {
	fs    afero.Fs
	path  string
	mu    sync.Mutex
	state storageState
}

func stateExists(fs afero.Fs, dir string) bool {
	ok, _ := afero.Exists(fs, filepath.Join(dir, stateFileName))
	return ok
}

func loadState(fs afero.Fs, dir string) (*stateFile, error) {
	sf := &stateFile{fs: fs, path: filepath.Join(dir, stateFileName)}
	data, err := afero.ReadFile(fs, sf.path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &sf.state); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", sf.path, err)
	}
	if sf.state.Version != stateVersion {
		return nil, fmt.Errorf("unsupported storage state version %d", sf.state.Version)
	}
	return sf, nil
}

func newState(fs afero.Fs, dir string, st storageState) *stateFile {
	st.Version = stateVersion
	st.CreatedAt = time.Now().UTC()
	return &stateFile{fs: fs, path: filepath.Join(dir, stateFileName), state: st}
}

// get returns a copy of the state.
func (sf *stateFile) get() storageState {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.state
}

// update applies fn to the state and writes it out.
func (sf *stateFile) update(fn func(*storageState)) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	fn(&sf.state)
	sf.state.UpdatedAt = time.Now().UTC()
	return sf.saveLocked()
}

func (sf *stateFile) saveLocked() error {
	data, err := json.MarshalIndent(sf.state, "", "  ")
	if err != nil {
		return err
	}
	tmp := sf.path + ".tmp"
	f, err := sf.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return sf.fs.Rename(tmp, sf.path)
}
