package update

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// historyLimit bounds version_history.json. The contract needs at least the
// current and previous versions; a few more help post-mortems.
const historyLimit = 10

// layout resolves every path the updater touches under one base directory.
type layout struct {
	base string
}

func (l layout) releasesDir() string            { return filepath.Join(l.base, "releases") }
func (l layout) releaseDir(v Version) string    { return filepath.Join(l.releasesDir(), "v"+v.String()) }
func (l layout) releaseTarget(v Version) string { return filepath.Join("releases", "v"+v.String()) }
func (l layout) currentLink() string            { return filepath.Join(l.base, "current") }
func (l layout) stagingDir() string             { return filepath.Join(l.base, "staging") }
func (l layout) statePath() string              { return filepath.Join(l.base, "update_state.json") }
func (l layout) historyPath() string            { return filepath.Join(l.base, "version_history.json") }

// StagingDir resolves the staging directory under base. Callers building a
// backend need it before the updater exists.
func StagingDir(base string) string { return layout{base: base}.stagingDir() }

// ensure creates the base and releases directories.
func (l layout) ensure() error {
	for _, dir := range []string{l.base, l.releasesDir(), l.stagingDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("update: creating %s: %w", dir, err)
		}
	}
	return nil
}

// installed reports whether the release directory for v exists. The
// directory's presence is the installation witness.
func (l layout) installed(v Version) bool {
	info, err := os.Stat(l.releaseDir(v))
	return err == nil && info.IsDir()
}

// currentVersion reads the active version off the current symlink. ok is
// false when no release has ever been activated.
func (l layout) currentVersion() (Version, bool, error) {
	target, err := os.Readlink(l.currentLink())
	if errors.Is(err, fs.ErrNotExist) {
		return Version{}, false, nil
	}
	if err != nil {
		return Version{}, false, fmt.Errorf("update: reading current link: %w", err)
	}
	name := filepath.Base(target)
	v, perr := ParseVersion(name)
	if perr != nil {
		return Version{}, false, fmt.Errorf("update: current link targets %q, not a release directory", target)
	}
	return v, true, nil
}

// switchCurrent pivots the current symlink to the release directory for v
// using the temp-link + rename pattern. The rename is the only observable
// step; a crash before it leaves the old link untouched, and a concurrent
// reader never sees the link missing or dangling.
func (l layout) switchCurrent(v Version) error {
	target := l.releaseTarget(v)
	tmpLink := l.currentLink() + ".tmp-" + uuid.NewString()[:8]

	if err := os.Symlink(target, tmpLink); err != nil {
		return fmt.Errorf("update: creating temp link %s: %w", tmpLink, err)
	}
	if err := os.Rename(tmpLink, l.currentLink()); err != nil {
		_ = os.Remove(tmpLink)
		return fmt.Errorf("update: renaming %s over current: %w", tmpLink, err)
	}
	return nil
}

// VersionRecord is one entry in the install history.
type VersionRecord struct {
	Version     string    `json:"version"`
	InstalledAt time.Time `json:"installed_at"`
	Source      string    `json:"source"`
}

// loadHistory reads version_history.json, newest first. Absent or corrupt
// files read as empty; history is advisory, never load-bearing.
func (l layout) loadHistory() []VersionRecord {
	data, err := os.ReadFile(l.historyPath())
	if err != nil {
		return nil
	}
	var records []VersionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil
	}
	return records
}

// appendHistory prepends rec and rewrites the file atomically.
func (l layout) appendHistory(rec VersionRecord) error {
	records := append([]VersionRecord{rec}, l.loadHistory()...)
	if len(records) > historyLimit {
		records = records[:historyLimit]
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("update: encoding history: %w", err)
	}
	return writeFileAtomic(l.historyPath(), data, 0o644)
}

// previousVersion returns the most recent history entry older than current.
func (l layout) previousVersion(current Version) (Version, bool) {
	for _, rec := range l.loadHistory() {
		v, err := ParseVersion(rec.Version)
		if err != nil {
			continue
		}
		if v != current {
			return v, true
		}
	}
	return Version{}, false
}
