package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/internal/operr"
)

func nopHandler(context.Context, *Context, map[string]any) (any, error) {
	return map[string]any{}, nil
}

func TestRegistryRegisterIsOneShot(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterFunc("metrics.query", nopHandler))

	err := reg.RegisterFunc("metrics.query", func(context.Context, *Context, map[string]any) (any, error) {
		return map[string]any{"second": true}, nil
	})
	require.Error(t, err)
	assert.Equal(t, operr.KindInvalidArgument, operr.KindOf(err))

	h, ok := reg.Lookup("metrics.query")
	require.True(t, ok)
	result, err := h.Call(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.NotContains(t, result.(map[string]any), "second")
}

func TestRegistryRejectsEmptyNameAndNilHandler(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.RegisterFunc("", nopHandler))
	assert.Error(t, reg.Register("metrics.query", nil))
}

func TestRegistryListFiltersByNamespace(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"metrics.query", "metrics.aggregate", "system.reboot", "update.status"} {
		require.NoError(t, reg.RegisterFunc(name, nopHandler))
	}

	assert.Equal(t, []string{"metrics.aggregate", "metrics.query"}, reg.List("metrics"))
	assert.Equal(t, []string{"system.reboot"}, reg.List("system"))
	assert.Empty(t, reg.List("hardware"))
	assert.Equal(t,
		[]string{"metrics.aggregate", "metrics.query", "system.reboot", "update.status"},
		reg.List(""))
}

func TestRegistryNamespaces(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"metrics.query", "metrics.aggregate", "system.reboot"} {
		require.NoError(t, reg.RegisterFunc(name, nopHandler))
	}
	assert.Equal(t, []string{"metrics", "system"}, reg.Namespaces())
}
