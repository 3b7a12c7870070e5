package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/internal/operr"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := NewRequest("system.get_basic_info", map[string]any{"detail": true})
	require.NoError(t, WriteFrame(&buf, req, DefaultMaxMessageBytes))

	raw, err := ReadFrame(&buf, DefaultMaxMessageBytes)
	require.NoError(t, err)

	var got Request
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, req, got)
	assert.Zero(t, buf.Len(), "frame must consume exactly its length")
}

func TestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	resp := Response{
		ID:     "req-1",
		Status: StatusError,
		Error: &ErrorObject{
			Code:    "failed_precondition",
			Message: "update already running",
			Details: map[string]any{"state": "preparing"},
		},
	}
	require.NoError(t, WriteFrame(&buf, resp, DefaultMaxMessageBytes))

	raw, err := ReadFrame(&buf, DefaultMaxMessageBytes)
	require.NoError(t, err)

	var got Response
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, resp, got)
}

func TestWriteFrameRefusesOversize(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, map[string]any{"blob": string(make([]byte, 256))}, 64)
	require.Error(t, err)
	assert.Equal(t, operr.KindProtocolError, operr.KindOf(err))
	assert.Zero(t, buf.Len(), "nothing may reach the wire")
}

func TestReadFrameRejectsOversizeHeader(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 1<<30)
	buf.Write(header[:])

	_, err := ReadFrame(&buf, DefaultMaxMessageBytes)
	require.Error(t, err)
	assert.Equal(t, operr.KindProtocolError, operr.KindOf(err))
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}), DefaultMaxMessageBytes)
	require.Error(t, err)
	assert.Equal(t, operr.KindProtocolError, operr.KindOf(err))
}

func TestNewRequestAssignsUniqueIDs(t *testing.T) {
	a := NewRequest("ping", nil)
	b := NewRequest("ping", nil)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotNil(t, a.Params)
	assert.NotEmpty(t, a.Timestamp)
}

func TestErrorObjectErrClassification(t *testing.T) {
	cases := []struct {
		code string
		want operr.Kind
	}{
		{"failed_precondition", operr.KindFailedPrecondition},
		{"timeout", operr.KindTimeout},
		{CodeUnknownOperation, operr.KindNotFound},
		{CodeInternal, operr.KindInternal},
		{"something_else", operr.KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			err := (&ErrorObject{Code: tc.code, Message: "m"}).Err()
			assert.Equal(t, tc.want, operr.KindOf(err))
			e, ok := operr.As(err)
			require.True(t, ok)
			assert.Equal(t, tc.code, e.Details["code"])
		})
	}
}
