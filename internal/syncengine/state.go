package syncengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/starford/mneme/internal/storage"
)

// StateFile is the sync state file name inside a scope directory.
const StateFile = "sync_state.json"

const stateVersion = 1

// Entry records what was indexed for one source.
type Entry struct {
	Hash      string    `json:"hash"`
	IndexedAt time.Time `json:"indexed_at"`
}

// State maps normalized source paths to what was last indexed from them.
// It only ever claims a source after all of its chunks are stored, so losing
// it costs a re-index and never hides missing data.
type State struct {
	Version int              `json:"version"`
	Roots   []string         `json:"roots"`
	Entries map[string]Entry `json:"entries"`
}

func newState() *State {
	return &State{Version: stateVersion, Roots: []string{}, Entries: map[string]Entry{}}
}

func (s *State) addRoots(roots ...string) bool {
	seen := make(map[string]bool, len(s.Roots))
	for _, r := range s.Roots {
		seen[r] = true
	}
	changed := false
	for _, r := range roots {
		if !seen[r] {
			seen[r] = true
			s.Roots = append(s.Roots, r)
			changed = true
		}
	}
	sort.Strings(s.Roots)
	return changed
}

// loadState reads the state from fs. A missing file yields an empty state.
// An unreadable one is moved aside under backups/ and also yields an empty
// state, so the next sync re-indexes from scratch.
func loadState(fs storage.Provider, logger *slog.Logger) (*State, error) {
	data, err := fs.Read(StateFile)
	if errors.Is(err, os.ErrNotExist) {
		return newState(), nil
	}
	if err != nil {
		return nil, err
	}

	st := newState()
	decodeErr := json.Unmarshal(data, st)
	if decodeErr == nil && st.Version != stateVersion {
		decodeErr = fmt.Errorf("unsupported version %d", st.Version)
	}
	if decodeErr == nil {
		if st.Entries == nil {
			st.Entries = map[string]Entry{}
		}
		if st.Roots == nil {
			st.Roots = []string{}
		}
		return st, nil
	}

	aside := filepath.Join("backups", fmt.Sprintf("sync_state-corrupt-%s.json", time.Now().UTC().Format("20060102T150405.000000000")))
	if err := fs.Rename(StateFile, aside); err != nil {
		return nil, fmt.Errorf("syncengine: preserve corrupt state: %w", err)
	}
	logger.Warn("syncengine: corrupt sync state preserved, starting fresh",
		slog.String("path", filepath.Join(fs.Root(), aside)),
		slog.String("error", decodeErr.Error()))
	return newState(), nil
}

func saveState(fs storage.Provider, st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("syncengine: encode state: %w", err)
	}
	return fs.Write(StateFile, data)
}
