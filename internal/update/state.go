package update

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/opsgate/opsgate/internal/operr"
)

// State names every phase of an update.
type State string

const (
	StateIdle        State = "idle"
	StateChecking    State = "checking"
	StatePreparing   State = "preparing"
	StateSwitching   State = "switching"
	StateVerifying   State = "verifying"
	StateSuccess     State = "success"
	StateFailed      State = "failed"
	StateRollingBack State = "rolling_back"
)

// validTransitions is the complete transition table. checking may return
// straight to idle (no update available); failed returns to idle either
// through rolling_back or directly when a new run resets the machine.
var validTransitions = map[State][]State{
	StateIdle:        {StateChecking},
	StateChecking:    {StatePreparing, StateFailed, StateIdle},
	StatePreparing:   {StateSwitching, StateFailed},
	StateSwitching:   {StateVerifying, StateFailed},
	StateVerifying:   {StateSuccess, StateFailed},
	StateSuccess:     {StateIdle},
	StateFailed:      {StateRollingBack, StateIdle},
	StateRollingBack: {StateIdle},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Record is the persisted update state. The file on disk is either absent or
// one complete valid record.
type Record struct {
	State            State     `json:"state"`
	TargetVersion    string    `json:"target_version,omitempty"`
	OldVersion       string    `json:"old_version,omitempty"`
	Channel          string    `json:"channel,omitempty"`
	StartedAt        time.Time `json:"started_at,omitempty"`
	LastTransitionAt time.Time `json:"last_transition_at,omitempty"`
	FailureCount     int       `json:"failure_count"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	ProgressPercent  int       `json:"progress_percent"`
}

// stateStore reads and writes update_state.json.
type stateStore struct {
	path string
	log  *zap.Logger
}

// Load returns the persisted record. A missing file yields a fresh idle
// record; a corrupt one does too, with a warning, so a damaged file never
// wedges the machine.
func (s *stateStore) Load() Record {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{State: StateIdle}
	}
	if err != nil {
		s.log.Warn("update state unreadable, starting from idle",
			zap.String("path", s.path), zap.Error(err))
		return Record{State: StateIdle}
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil || !validState(rec.State) {
		s.log.Warn("update state corrupt, starting from idle",
			zap.String("path", s.path), zap.Error(err))
		return Record{State: StateIdle}
	}
	return rec
}

// Save persists rec with write-temp + rename so a crash mid-write leaves the
// previous complete record in place.
func (s *stateStore) Save(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("update: encoding state: %w", err)
	}
	if err := writeFileAtomic(s.path, data, 0o644); err != nil {
		return err
	}
	publishState(rec.State)
	return nil
}

// Clear removes the state file. Absence is a valid persisted form of idle.
func (s *stateStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("update: removing state file: %w", err)
	}
	publishState(StateIdle)
	return nil
}

func validState(st State) bool {
	_, ok := validTransitions[st]
	return ok
}

// transition validates and applies one state change, stamping the time.
func transition(rec *Record, to State) error {
	if !CanTransition(rec.State, to) {
		return operr.InvalidArgumentf("invalid state transition from %q to %q", rec.State, to).
			WithDetails(map[string]any{"from": string(rec.State), "to": string(to)})
	}
	rec.State = to
	rec.LastTransitionAt = time.Now().UTC()
	return nil
}

// writeFileAtomic writes data next to path and renames it into place. The
// temp file is fsynced first so the rename never publishes a short file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("update: creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("update: writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("update: syncing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("update: closing %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("update: setting mode on %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("update: renaming %s into place: %w", tmpName, err)
	}
	tmpName = ""
	return nil
}
