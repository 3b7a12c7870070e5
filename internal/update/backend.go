package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opsgate/opsgate/internal/operr"
)

// PreparedUpdate is a validated, fully staged artifact ready to install.
type PreparedUpdate struct {
	Version    Version
	StagingDir string
	Checksum   string
}

// Backend resolves and stages releases for a channel.
type Backend interface {
	// CheckLatest returns the newest version published in channel.
	CheckLatest(ctx context.Context, channel string) (Version, error)
	// Prepare downloads and validates version, returning the staged result.
	Prepare(ctx context.Context, version Version) (*PreparedUpdate, error)
}

// manifest is the document an HTTP release server publishes per channel.
type manifest struct {
	Version  string `json:"version"`
	URL      string `json:"url"`
	Checksum string `json:"checksum,omitempty"`
}

// HTTPBackend fetches <base>/<channel>.json manifests and downloads release
// artifacts into the updater's staging area. Fetched manifests are cached by
// version so Prepare can locate the artifact URL for a version CheckLatest
// has seen.
type HTTPBackend struct {
	baseURL string
	staging string
	client  *http.Client

	mu   sync.Mutex
	seen map[Version]manifest
}

// NewHTTPBackend builds a backend rooted at baseURL that stages downloads
// under stagingDir.
func NewHTTPBackend(baseURL, stagingDir string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		staging: stagingDir,
		client:  client,
		seen:    make(map[Version]manifest),
	}
}

// CheckLatest implements Backend.
func (b *HTTPBackend) CheckLatest(ctx context.Context, channel string) (Version, error) {
	m, err := b.fetchManifest(ctx, channel)
	if err != nil {
		return Version{}, err
	}
	v, err := ParseVersion(m.Version)
	if err != nil {
		return Version{}, operr.Unavailablef("channel %s publishes malformed version %q", channel, m.Version)
	}
	b.mu.Lock()
	b.seen[v] = *m
	b.mu.Unlock()
	return v, nil
}

// Prepare implements Backend. The artifact lands in a fresh directory under
// staging; a checksum in the manifest must match or the staging directory is
// discarded.
func (b *HTTPBackend) Prepare(ctx context.Context, version Version) (*PreparedUpdate, error) {
	b.mu.Lock()
	m, ok := b.seen[version]
	b.mu.Unlock()
	if !ok {
		return nil, operr.NotFoundf("version %s is not published in any checked channel", version).
			With("version", version.String())
	}

	dir, err := os.MkdirTemp(b.staging, "v"+version.String()+"-*")
	if err != nil {
		return nil, fmt.Errorf("update: creating staging dir: %w", err)
	}
	sum, err := b.download(ctx, m.URL, filepath.Join(dir, "artifact"))
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	if m.Checksum != "" && !strings.EqualFold(strings.TrimPrefix(m.Checksum, "sha256:"), sum) {
		_ = os.RemoveAll(dir)
		return nil, operr.FailedPreconditionf("artifact checksum mismatch for %s", version).
			WithDetails(map[string]any{"expected": m.Checksum, "actual": "sha256:" + sum})
	}

	return &PreparedUpdate{Version: version, StagingDir: dir, Checksum: "sha256:" + sum}, nil
}

func (b *HTTPBackend) fetchManifest(ctx context.Context, channel string) (*manifest, error) {
	url := b.baseURL + "/" + channel + ".json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("update: building manifest request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, operr.Unavailablef("fetching manifest for channel %s", channel).With("url", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, operr.Unavailablef("manifest for channel %s returned status %d", channel, resp.StatusCode).
			With("url", url)
	}

	var m manifest
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&m); err != nil {
		return nil, operr.Unavailablef("manifest for channel %s is not valid JSON", channel).With("url", url)
	}
	return &m, nil
}

// download streams url to path, returning the hex sha256 of the bytes.
func (b *HTTPBackend) download(ctx context.Context, url, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("update: building download request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return "", operr.Unavailablef("downloading %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", operr.Unavailablef("artifact download returned status %d", resp.StatusCode).With("url", url)
	}

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("update: creating %s: %w", path, err)
	}
	defer out.Close()

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, hash), resp.Body); err != nil {
		return "", fmt.Errorf("update: writing artifact: %w", err)
	}
	if err := out.Sync(); err != nil {
		return "", fmt.Errorf("update: syncing artifact: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
