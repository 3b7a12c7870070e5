// Package ipc implements the length-prefixed JSON transport between the
// broker and the privileged agent: a 4-byte big-endian length followed by a
// UTF-8 JSON body, over a unix stream socket. The broker side is Client, the
// agent side is Server. One request is outstanding per connection at a time;
// responses are correlated by the echoed request id.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/opsgate/opsgate/internal/operr"
)

// DefaultMaxMessageBytes caps a single frame body. Oversized frames are
// protocol errors and terminate the connection.
const DefaultMaxMessageBytes = 16 * 1024 * 1024

const frameHeaderLen = 4

// WriteFrame marshals v and writes one length-prefixed frame. A body over
// max is refused before anything reaches the wire.
func WriteFrame(w io.Writer, v any, max int) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc: encoding frame: %w", err)
	}
	if len(body) > max {
		return operr.Protocolf("frame of %d bytes exceeds limit %d", len(body), max).
			With("frame_bytes", len(body)).
			With("max_bytes", max)
	}
	buf := make([]byte, frameHeaderLen+len(body))
	binary.BigEndian.PutUint32(buf[:frameHeaderLen], uint32(len(body)))
	copy(buf[frameHeaderLen:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("ipc: writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame body. Zero-length and over-cap frames are
// protocol errors; the caller must close the connection on any error since
// a half-read frame leaves the stream unsynchronized.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("ipc: reading frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, operr.Protocolf("zero-length frame")
	}
	if int64(size) > int64(max) {
		return nil, operr.Protocolf("frame of %d bytes exceeds limit %d", size, max).
			With("frame_bytes", size).
			With("max_bytes", max)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("ipc: reading frame body: %w", err)
	}
	return body, nil
}
