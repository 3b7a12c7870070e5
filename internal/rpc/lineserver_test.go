package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/internal/auth"
)

func lineServerFixture(t *testing.T, authn auth.Authenticator, token string, maxLine int) *LineServer {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.RegisterFunc("agent.echo", func(_ context.Context, _ *Context, params map[string]any) (any, error) {
		return map[string]any{"echo": params["message"]}, nil
	}))
	d := testDispatcher(t, reg, authn, nil)
	return NewLineServer(LineServerOptions{
		Dispatcher:   d,
		Token:        token,
		MaxLineBytes: maxLine,
	})
}

func collectLines(t *testing.T, buf *bytes.Buffer) []wireResponse {
	t.Helper()
	var out []wireResponse
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var resp wireResponse
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		out = append(out, resp)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestLineServerServesRequests(t *testing.T) {
	srv := lineServerFixture(t, permissiveAuth(t, auth.RoleAdmin), "", 0)

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"agent.echo","params":{"message":"one"}}`,
		``,
		`{"jsonrpc":"2.0","method":"agent.echo","params":{"message":"fire-and-forget"}}`,
		`{"jsonrpc":"2.0","id":"two","method":"agent.echo","params":{"message":"two"}}`,
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, srv.Serve(context.Background(), strings.NewReader(input), &out))

	responses := collectLines(t, &out)
	require.Len(t, responses, 2, "notification and blank line produce no output")
	assert.JSONEq(t, `1`, string(responses[0].ID))
	assert.Equal(t, "one", responses[0].Result["echo"])
	assert.Equal(t, `"two"`, string(responses[1].ID))
	assert.Equal(t, "two", responses[1].Result["echo"])
}

func TestLineServerRecoversFromOverlongLine(t *testing.T) {
	srv := lineServerFixture(t, permissiveAuth(t, auth.RoleAdmin), "", 1024)

	long := strings.Repeat("x", 5000)
	input := long + "\n" + `{"jsonrpc":"2.0","id":7,"method":"agent.echo","params":{"message":"after"}}` + "\n"

	var out bytes.Buffer
	require.NoError(t, srv.Serve(context.Background(), strings.NewReader(input), &out))

	responses := collectLines(t, &out)
	require.Len(t, responses, 2)

	require.NotNil(t, responses[0].Error)
	assert.Equal(t, CodeParseError, responses[0].Error.Code)
	assert.Equal(t, "null", string(responses[0].ID))

	require.Nil(t, responses[1].Error)
	assert.Equal(t, "after", responses[1].Result["echo"])
}

func TestLineServerDrainsLinesBeyondBufferSize(t *testing.T) {
	srv := lineServerFixture(t, permissiveAuth(t, auth.RoleAdmin), "", 1024)

	// Longer than the 64 KiB internal read buffer, so draining spans reads.
	long := strings.Repeat("y", 100*1024)
	input := long + "\n" + `{"jsonrpc":"2.0","id":8,"method":"agent.echo","params":{"message":"still here"}}` + "\n"

	var out bytes.Buffer
	require.NoError(t, srv.Serve(context.Background(), strings.NewReader(input), &out))

	responses := collectLines(t, &out)
	require.Len(t, responses, 2)
	assert.Equal(t, CodeParseError, responses[0].Error.Code)
	assert.Equal(t, "still here", responses[1].Result["echo"])
}

func TestLineServerPresentsStaticToken(t *testing.T) {
	local, err := auth.NewLocal(auth.LocalOptions{SharedToken: "stdio-secret"})
	require.NoError(t, err)

	srv := lineServerFixture(t, local, "stdio-secret", 0)
	var out bytes.Buffer
	input := `{"jsonrpc":"2.0","id":1,"method":"agent.echo","params":{"message":"hi"}}` + "\n"
	require.NoError(t, srv.Serve(context.Background(), strings.NewReader(input), &out))

	responses := collectLines(t, &out)
	require.Len(t, responses, 1)
	assert.Nil(t, responses[0].Error)

	// Same server without the credential is refused per request.
	srv = lineServerFixture(t, local, "", 0)
	out.Reset()
	require.NoError(t, srv.Serve(context.Background(), strings.NewReader(input), &out))
	responses = collectLines(t, &out)
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	assert.Equal(t, CodeUnauthenticated, responses[0].Error.Code)
}

func TestLineServerStopsOnCanceledContext(t *testing.T) {
	srv := lineServerFixture(t, permissiveAuth(t, auth.RoleAdmin), "", 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	err := srv.Serve(ctx, strings.NewReader(""), &out)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLineServerFinalUnterminatedLine(t *testing.T) {
	srv := lineServerFixture(t, permissiveAuth(t, auth.RoleAdmin), "", 0)

	var out bytes.Buffer
	input := `{"jsonrpc":"2.0","id":9,"method":"agent.echo","params":{"message":"tail"}}`
	require.NoError(t, srv.Serve(context.Background(), strings.NewReader(input), &out))

	responses := collectLines(t, &out)
	require.Len(t, responses, 1)
	assert.Equal(t, "tail", responses[0].Result["echo"])
}
