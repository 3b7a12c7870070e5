package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/internal/operr"
)

// releaseServer serves channel manifests and artifacts the way a release
// bucket would.
type releaseServer struct {
	*httptest.Server
	artifact []byte
	checksum string
	version  string
}

func newReleaseServer(t *testing.T, version string, corruptChecksum bool) *releaseServer {
	t.Helper()
	rs := &releaseServer{
		artifact: []byte("binary payload for " + version),
		version:  version,
	}
	sum := sha256.Sum256(rs.artifact)
	rs.checksum = "sha256:" + hex.EncodeToString(sum[:])
	if corruptChecksum {
		rs.checksum = "sha256:" + hex.EncodeToString(make([]byte, sha256.Size))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stable.json", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"version":  rs.version,
			"url":      rs.URL + "/artifact",
			"checksum": rs.checksum,
		})
	})
	mux.HandleFunc("/artifact", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(rs.artifact)
	})
	rs.Server = httptest.NewServer(mux)
	t.Cleanup(rs.Close)
	return rs
}

func TestHTTPBackendCheckLatest(t *testing.T) {
	rs := newReleaseServer(t, "1.4.0", false)
	b := NewHTTPBackend(rs.URL, t.TempDir(), rs.Client())

	v, err := b.CheckLatest(context.Background(), "stable")
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", v.String())
}

func TestHTTPBackendCheckLatestUnknownChannel(t *testing.T) {
	rs := newReleaseServer(t, "1.4.0", false)
	b := NewHTTPBackend(rs.URL, t.TempDir(), rs.Client())

	_, err := b.CheckLatest(context.Background(), "nightly")
	require.Error(t, err)
	assert.Equal(t, operr.KindUnavailable, operr.KindOf(err))
}

func TestHTTPBackendPrepare(t *testing.T) {
	rs := newReleaseServer(t, "1.4.0", false)
	staging := t.TempDir()
	b := NewHTTPBackend(rs.URL, staging, rs.Client())

	v, err := b.CheckLatest(context.Background(), "stable")
	require.NoError(t, err)

	prep, err := b.Prepare(context.Background(), v)
	require.NoError(t, err)
	assert.Equal(t, v, prep.Version)
	assert.Equal(t, rs.checksum, prep.Checksum)
	assert.Equal(t, staging, filepath.Dir(prep.StagingDir))

	data, err := os.ReadFile(filepath.Join(prep.StagingDir, "artifact"))
	require.NoError(t, err)
	assert.Equal(t, rs.artifact, data)
}

func TestHTTPBackendPrepareUncheckedVersion(t *testing.T) {
	rs := newReleaseServer(t, "1.4.0", false)
	b := NewHTTPBackend(rs.URL, t.TempDir(), rs.Client())

	_, err := b.Prepare(context.Background(), Version{Major: 3})
	require.Error(t, err)
	assert.Equal(t, operr.KindNotFound, operr.KindOf(err))
}

func TestHTTPBackendPrepareChecksumMismatch(t *testing.T) {
	rs := newReleaseServer(t, "1.4.0", true)
	staging := t.TempDir()
	b := NewHTTPBackend(rs.URL, staging, rs.Client())

	v, err := b.CheckLatest(context.Background(), "stable")
	require.NoError(t, err)

	_, err = b.Prepare(context.Background(), v)
	require.Error(t, err)
	assert.Equal(t, operr.KindFailedPrecondition, operr.KindOf(err))

	oerr, ok := operr.As(err)
	require.True(t, ok)
	assert.Equal(t, rs.checksum, oerr.Details["expected"])

	// The bad download does not survive in staging.
	entries, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHTTPBackendPrepareIsReCheckable(t *testing.T) {
	rs := newReleaseServer(t, "2.0.0", false)
	b := NewHTTPBackend(rs.URL, t.TempDir(), rs.Client())

	v, err := b.CheckLatest(context.Background(), "stable")
	require.NoError(t, err)

	// Two prepares of the same version stage into distinct directories.
	first, err := b.Prepare(context.Background(), v)
	require.NoError(t, err)
	second, err := b.Prepare(context.Background(), v)
	require.NoError(t, err)
	assert.NotEqual(t, first.StagingDir, second.StagingDir)
}
