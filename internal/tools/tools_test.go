package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/opsgate/opsgate/internal/auth"
	"github.com/opsgate/opsgate/internal/ipc"
	"github.com/opsgate/opsgate/internal/metrics"
	"github.com/opsgate/opsgate/internal/rpc"
	"github.com/opsgate/opsgate/internal/update"
)

// fakeAgent records forwarded calls and plays back canned responses.
type fakeAgent struct {
	calls     []recordedCall
	responses map[string]map[string]any
	errs      map[string]error
}

type recordedCall struct {
	operation string
	params    map[string]any
}

func (f *fakeAgent) Call(_ context.Context, operation string, params map[string]any) (map[string]any, error) {
	f.calls = append(f.calls, recordedCall{operation: operation, params: params})
	if err, ok := f.errs[operation]; ok {
		return nil, err
	}
	return f.responses[operation], nil
}

func (f *fakeAgent) State() ipc.State { return ipc.StateConnected }

// stubBackend hands out a fixed latest version and stages a one-file
// artifact, standing in for the HTTP release bucket.
type stubBackend struct {
	latest  update.Version
	staging string
}

func (s *stubBackend) CheckLatest(context.Context, string) (update.Version, error) {
	return s.latest, nil
}

func (s *stubBackend) Prepare(_ context.Context, v update.Version) (*update.PreparedUpdate, error) {
	dir, err := os.MkdirTemp(s.staging, "v"+v.String()+"-*")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "artifact"), []byte(v.String()), 0o644); err != nil {
		return nil, err
	}
	return &update.PreparedUpdate{Version: v, StagingDir: dir, Checksum: "sha256:stub"}, nil
}

type fixture struct {
	registry *rpc.Registry
	agent    *fakeAgent
	store    *metrics.Store
	sampler  *metrics.Sampler
	updater  *update.Updater
}

func newFixture(t *testing.T, latest string) *fixture {
	t.Helper()

	store, err := metrics.NewStore(metrics.DBConfig{
		Driver: metrics.DriverSQLite,
		DSN:    metrics.SQLiteDSN(filepath.Join(t.TempDir(), "metrics.db")),
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sampler, err := metrics.NewSampler(metrics.SamplerOptions{
		Store:  store,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	latestVersion, err := update.ParseVersion(latest)
	require.NoError(t, err)
	base := t.TempDir()
	updater, err := update.NewUpdater(update.UpdaterOptions{
		BaseDir: base,
		Backend: &stubBackend{latest: latestVersion, staging: filepath.Join(base, "staging")},
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	f := &fixture{
		registry: rpc.NewRegistry(),
		agent:    &fakeAgent{responses: map[string]map[string]any{}, errs: map[string]error{}},
		store:    store,
		sampler:  sampler,
		updater:  updater,
	}
	require.NoError(t, Register(Options{
		Registry: f.registry,
		Agent:    f.agent,
		Store:    f.store,
		Sampler:  f.sampler,
		Updater:  f.updater,
		Logger:   zaptest.NewLogger(t),
	}))
	return f
}

// call invokes a registered tool as the dispatcher would, as an admin.
func (f *fixture) call(t *testing.T, tool string, params map[string]any) (any, error) {
	t.Helper()
	h, ok := f.registry.Lookup(tool)
	require.True(t, ok, "tool %s is not registered", tool)
	call := rpc.NewContext(tool, auth.Caller{UserID: "tester", Role: auth.RoleAdmin}, "req-1", nil)
	if params == nil {
		params = map[string]any{}
	}
	return h.Call(context.Background(), call, params)
}

func TestRegisterInstallsFullSurface(t *testing.T) {
	f := newFixture(t, "1.0.0")
	assert.Equal(t, []string{"agent", "metrics", "system", "update"}, f.registry.Namespaces())
	assert.Equal(t, []string{
		"update.check", "update.history", "update.rollback", "update.run", "update.status",
	}, f.registry.List("update"))
	assert.Equal(t, []string{
		"metrics.aggregate", "metrics.current", "metrics.query", "metrics.sampler_status",
	}, f.registry.List("metrics"))
}

func TestRegisterTwiceFails(t *testing.T) {
	f := newFixture(t, "1.0.0")
	err := Register(Options{
		Registry: f.registry,
		Agent:    f.agent,
		Store:    f.store,
		Updater:  f.updater,
	})
	require.Error(t, err)
}

func TestRegisterRequiresDependencies(t *testing.T) {
	f := newFixture(t, "1.0.0")
	for _, opts := range []Options{
		{},
		{Registry: rpc.NewRegistry(), Store: f.store, Updater: f.updater},
		{Registry: rpc.NewRegistry(), Agent: f.agent, Updater: f.updater},
		{Registry: rpc.NewRegistry(), Agent: f.agent, Store: f.store},
	} {
		require.Error(t, Register(opts))
	}
}

func TestPermissionsCoverEveryTool(t *testing.T) {
	f := newFixture(t, "1.0.0")
	table, err := auth.NewTable(Permissions())
	require.NoError(t, err)

	floors := map[string]auth.Role{
		"metrics.query":          auth.RoleViewer,
		"metrics.aggregate":      auth.RoleViewer,
		"metrics.current":        auth.RoleViewer,
		"metrics.sampler_status": auth.RoleViewer,
		"agent.ping":             auth.RoleViewer,
		"agent.info":             auth.RoleViewer,
		"system.get_basic_info":  auth.RoleOperator,
		"system.reboot":          auth.RoleAdmin,
		"system.service_restart": auth.RoleAdmin,
		"update.check":           auth.RoleViewer,
		"update.status":          auth.RoleViewer,
		"update.history":         auth.RoleViewer,
		"update.run":             auth.RoleAdmin,
		"update.rollback":        auth.RoleAdmin,
	}
	for _, tool := range f.registry.List("") {
		want, listed := floors[tool]
		require.True(t, listed, "tool %s has no expected floor in this test", tool)
		assert.Equal(t, want, table.Required(tool), "floor for %s", tool)
	}
}
