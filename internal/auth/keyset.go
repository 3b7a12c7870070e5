package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultKeysetTTL is how long a fetched key set is served without a
// refresh.
const DefaultKeysetTTL = time.Hour

// maxJWKSBytes bounds the response body read from the JWKS endpoint.
const maxJWKSBytes = 1 << 20

// ErrKeysetFetch wraps any failure to retrieve or parse the JWKS document.
var ErrKeysetFetch = errors.New("auth: jwks fetch failed")

// Entry is one verifying key. Only RS* keys are admitted.
type Entry struct {
	Kid       string
	Algorithm string
	Key       any
}

// KeysetOptions configures the cache.
type KeysetOptions struct {
	URL    string
	TTL    time.Duration
	Client *http.Client
	Logger *zap.Logger
}

// Keyset caches the JWKS document from the identity provider, keyed by kid.
// One refresh is in flight at a time; concurrent callers share its result.
type Keyset struct {
	opts KeysetOptions
	log  *zap.Logger
	sf   singleflight.Group

	mu        sync.RWMutex
	keys      map[string]Entry
	fetchedAt time.Time
}

// NewKeyset builds the cache; nothing is fetched until first use.
func NewKeyset(opts KeysetOptions) *Keyset {
	if opts.TTL <= 0 {
		opts.TTL = DefaultKeysetTTL
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Keyset{opts: opts, log: opts.Logger.Named("keyset")}
}

// GetAll returns the cached entries, refreshing first when the TTL has
// lapsed or nothing was fetched yet.
func (k *Keyset) GetAll(ctx context.Context) (map[string]Entry, error) {
	k.mu.RLock()
	fresh := k.keys != nil && time.Since(k.fetchedAt) < k.opts.TTL
	k.mu.RUnlock()
	if !fresh {
		if err := k.refresh(ctx); err != nil {
			return nil, err
		}
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]Entry, len(k.keys))
	for kid, e := range k.keys {
		out[kid] = e
	}
	return out, nil
}

// Lookup is a pure cache read; it never triggers a fetch.
func (k *Keyset) Lookup(kid string) (Entry, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.keys[kid]
	return e, ok
}

// ForceRefresh fetches regardless of TTL. Used once per validation when an
// unknown kid suggests the provider rotated its keys.
func (k *Keyset) ForceRefresh(ctx context.Context) error {
	return k.refresh(ctx)
}

// Clear drops the cache; the next GetAll fetches again.
func (k *Keyset) Clear() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys = nil
	k.fetchedAt = time.Time{}
}

func (k *Keyset) refresh(ctx context.Context) error {
	_, err, _ := k.sf.Do("refresh", func() (any, error) {
		entries, err := k.fetch(ctx)
		if err != nil {
			return nil, err
		}
		k.mu.Lock()
		k.keys = entries
		k.fetchedAt = time.Now()
		k.mu.Unlock()
		k.log.Debug("key set refreshed", zap.Int("keys", len(entries)))
		return nil, nil
	})
	return err
}

func (k *Keyset) fetch(ctx context.Context) (map[string]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrKeysetFetch, err)
	}
	resp, err := k.opts.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeysetFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: endpoint returned %s", ErrKeysetFetch, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrKeysetFetch, err)
	}

	var doc jose.JSONWebKeySet
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing document: %v", ErrKeysetFetch, err)
	}

	entries := make(map[string]Entry, len(doc.Keys))
	for _, jk := range doc.Keys {
		switch {
		case jk.KeyID == "":
			k.log.Warn("skipping jwk without kid")
		case !strings.HasPrefix(jk.Algorithm, "RS"):
			k.log.Warn("skipping jwk with unsupported algorithm",
				zap.String("kid", jk.KeyID), zap.String("alg", jk.Algorithm))
		case !jk.Valid():
			k.log.Warn("skipping invalid jwk", zap.String("kid", jk.KeyID))
		default:
			entries[jk.KeyID] = Entry{Kid: jk.KeyID, Algorithm: jk.Algorithm, Key: jk.Key}
		}
	}
	return entries, nil
}
