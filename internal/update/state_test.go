package update

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/opsgate/opsgate/internal/operr"
)

func TestTransitionHappyPath(t *testing.T) {
	rec := Record{State: StateIdle}
	for _, next := range []State{
		StateChecking, StatePreparing, StateSwitching, StateVerifying, StateSuccess, StateIdle,
	} {
		require.NoError(t, transition(&rec, next))
		assert.Equal(t, next, rec.State)
		assert.False(t, rec.LastTransitionAt.IsZero())
	}
}

func TestTransitionFailurePaths(t *testing.T) {
	for _, from := range []State{StateChecking, StatePreparing, StateSwitching, StateVerifying} {
		t.Run(string(from), func(t *testing.T) {
			rec := Record{State: from}
			require.NoError(t, transition(&rec, StateFailed))
			require.NoError(t, transition(&rec, StateRollingBack))
			require.NoError(t, transition(&rec, StateIdle))
		})
	}

	// failed may also reset straight to idle when a new run begins.
	rec := Record{State: StateFailed}
	require.NoError(t, transition(&rec, StateIdle))

	// checking may finish at idle when no update exists.
	rec = Record{State: StateChecking}
	require.NoError(t, transition(&rec, StateIdle))
}

func TestTransitionRejectsInvalid(t *testing.T) {
	cases := []struct{ from, to State }{
		{StateIdle, StatePreparing},
		{StateIdle, StateSuccess},
		{StateIdle, StateFailed},
		{StateChecking, StateSwitching},
		{StatePreparing, StateVerifying},
		{StateSwitching, StateSuccess},
		{StateVerifying, StateIdle},
		{StateSuccess, StateChecking},
		{StateRollingBack, StateFailed},
		{StateFailed, StateChecking},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"_to_"+string(tc.to), func(t *testing.T) {
			rec := Record{State: tc.from, ProgressPercent: 42}
			err := transition(&rec, tc.to)
			require.Error(t, err)
			assert.Equal(t, operr.KindInvalidArgument, operr.KindOf(err))

			// A rejected transition leaves the record untouched.
			assert.Equal(t, tc.from, rec.State)
			assert.Equal(t, 42, rec.ProgressPercent)
			assert.True(t, rec.LastTransitionAt.IsZero())
		})
	}
}

func newTestStateStore(t *testing.T) *stateStore {
	t.Helper()
	return &stateStore{
		path: filepath.Join(t.TempDir(), "update_state.json"),
		log:  zaptest.NewLogger(t),
	}
}

func TestStateStoreAbsentFileIsIdle(t *testing.T) {
	s := newTestStateStore(t)
	rec := s.Load()
	assert.Equal(t, StateIdle, rec.State)
	assert.Zero(t, rec.FailureCount)
}

func TestStateStoreRoundTrip(t *testing.T) {
	s := newTestStateStore(t)
	in := Record{
		State:           StateVerifying,
		TargetVersion:   "1.4.0",
		OldVersion:      "1.3.2",
		Channel:         "stable",
		FailureCount:    2,
		ErrorMessage:    "previous attempt timed out",
		ProgressPercent: 85,
	}
	require.NoError(t, s.Save(in))

	got := s.Load()
	assert.Equal(t, in.State, got.State)
	assert.Equal(t, in.TargetVersion, got.TargetVersion)
	assert.Equal(t, in.OldVersion, got.OldVersion)
	assert.Equal(t, in.FailureCount, got.FailureCount)
	assert.Equal(t, in.ErrorMessage, got.ErrorMessage)
	assert.Equal(t, in.ProgressPercent, got.ProgressPercent)
}

func TestStateStoreCorruptFileIsIdle(t *testing.T) {
	s := newTestStateStore(t)
	require.NoError(t, os.WriteFile(s.path, []byte("{not json"), 0o644))
	assert.Equal(t, StateIdle, s.Load().State)

	// Valid JSON with a state outside the table is corrupt too.
	require.NoError(t, os.WriteFile(s.path, []byte(`{"state":"exploding"}`), 0o644))
	assert.Equal(t, StateIdle, s.Load().State)
}

func TestStateStoreClear(t *testing.T) {
	s := newTestStateStore(t)
	require.NoError(t, s.Save(Record{State: StateFailed, FailureCount: 1}))
	require.NoError(t, s.Clear())
	_, err := os.Stat(s.path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// Clearing an already absent file is fine.
	require.NoError(t, s.Clear())
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	require.NoError(t, writeFileAtomic(path, []byte("first"), 0o644))
	require.NoError(t, writeFileAtomic(path, []byte("second"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out.json", entries[0].Name())
}
