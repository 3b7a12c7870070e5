package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/opsgate/opsgate/internal/auth"
	"github.com/opsgate/opsgate/internal/rpc"
)

const testToken = "ops-test-token"

// newTestStack builds a server wired to a one-tool dispatcher and serves its
// router from an httptest listener.
func newTestStack(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	reg := rpc.NewRegistry()
	require.NoError(t, reg.RegisterFunc("agent.ping", func(_ context.Context, call *rpc.Context, _ map[string]any) (any, error) {
		src, _ := call.Meta(rpc.MetaSource)
		return map[string]any{"pong": true, "source": src}, nil
	}))

	authn, err := auth.NewLocal(auth.LocalOptions{SharedToken: testToken})
	require.NoError(t, err)
	perms, err := auth.NewTable(map[string]auth.Role{"agent.*": auth.RoleViewer})
	require.NoError(t, err)

	disp := rpc.NewDispatcher(rpc.DispatcherOptions{
		Registry: reg,
		Auth:     authn,
		Perms:    perms,
		Logger:   zaptest.NewLogger(t),
	})

	srv := NewServer(Options{
		Version:    "1.2.3",
		Dispatcher: disp,
		Logger:     zaptest.NewLogger(t),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestHealthzReportsOKAndVersion(t *testing.T) {
	_, ts := newTestStack(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	_, ts := newTestStack(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestUnknownPathIs404(t *testing.T) {
	_, ts := newTestStack(t)

	resp, err := http.Get(ts.URL + "/api/v1/anything")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthzRejectsPost(t *testing.T) {
	_, ts := newTestStack(t)

	resp, err := http.Post(ts.URL+"/healthz", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	srv := NewServer(Options{Addr: "127.0.0.1:0", Logger: zaptest.NewLogger(t)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServeReportsListenFailure(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	srv := NewServer(Options{Addr: lis.Addr().String(), Logger: zaptest.NewLogger(t)})
	err = srv.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api: serving")
}

func TestDefaultAddrIsLoopback(t *testing.T) {
	srv := NewServer(Options{})
	assert.Equal(t, DefaultAddr, srv.Addr())
	assert.True(t, strings.HasPrefix(srv.Addr(), "127.0.0.1:"))
}
