package rpc

import (
	"time"

	"github.com/opsgate/opsgate/internal/auth"
)

// Context describes one inbound call: who is calling what, when it arrived
// and transport metadata. It is built once per request before authorization
// and handed to the handler read-only.
type Context struct {
	tool       string
	caller     auth.Caller
	requestID  string
	receivedAt time.Time
	meta       map[string]string
}

// NewContext builds a request context stamped with the current UTC time.
// The metadata map is copied so later transport mutation cannot leak in.
func NewContext(tool string, caller auth.Caller, requestID string, meta map[string]string) *Context {
	c := &Context{
		tool:       tool,
		caller:     caller,
		requestID:  requestID,
		receivedAt: time.Now().UTC(),
	}
	if len(meta) > 0 {
		c.meta = make(map[string]string, len(meta))
		for k, v := range meta {
			c.meta[k] = v
		}
	}
	return c
}

// Tool returns the fully qualified tool name, e.g. "metrics.query".
func (c *Context) Tool() string { return c.tool }

// Caller returns the authenticated identity attached to the request.
func (c *Context) Caller() auth.Caller { return c.caller }

// RequestID returns the request id in display form, empty for notifications.
func (c *Context) RequestID() string { return c.requestID }

// ReceivedAt returns the UTC arrival time.
func (c *Context) ReceivedAt() time.Time { return c.receivedAt }

// Meta returns a transport metadata value such as the source address.
func (c *Context) Meta(key string) (string, bool) {
	v, ok := c.meta[key]
	return v, ok
}
