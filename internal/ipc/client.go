package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/opsgate/opsgate/internal/operr"
)

// State is the client connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReconnectPolicy tunes the backoff loop entered after a lost connection.
// MaxAttempts of zero means unlimited.
type ReconnectPolicy struct {
	Enabled      bool
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	MaxAttempts  int
}

// ClientOptions configures a Client. Zero values pick the documented
// defaults.
type ClientOptions struct {
	SocketPath      string
	CallTimeout     time.Duration
	MaxMessageBytes int
	Reconnect       ReconnectPolicy
	Logger          *zap.Logger
}

// Client is the broker end of the transport. Calls are serialized: one
// request is outstanding at a time, matching the agent's sequential handling.
type Client struct {
	opts ClientOptions
	log  *zap.Logger

	mu    sync.Mutex
	conn  net.Conn
	state atomic.Int32
}

// errConnBroken marks mid-call I/O failures. They earn exactly one
// reconnect-and-retry with a fresh request id; a second failure surfaces as
// unavailable.
var errConnBroken = errors.New("ipc: connection broken")

// NewClient builds a client; it does not dial until the first call.
func NewClient(opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.Reconnect.InitialDelay <= 0 {
		opts.Reconnect.InitialDelay = time.Second
	}
	if opts.Reconnect.MaxDelay <= 0 {
		opts.Reconnect.MaxDelay = 30 * time.Second
	}
	if opts.Reconnect.Factor < 1 {
		opts.Reconnect.Factor = 2
	}
	return &Client{opts: opts, log: opts.Logger.Named("ipc")}
}

// State reports the connection state. Safe to call concurrently with Call.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Call sends one request and waits for its response. On a mid-call I/O
// error it reconnects and retries exactly once with a fresh id; the old
// connection is closed first, so a late response to the old id can never be
// read. Timeouts close the connection and are not retried.
func (c *Client) Call(ctx context.Context, operation string, params map[string]any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		callsTotal.WithLabelValues(string(operr.KindOf(err))).Inc()
		return nil, err
	}
	data, err := c.roundTrip(ctx, operation, params)
	if err != nil && errors.Is(err, errConnBroken) && c.opts.Reconnect.Enabled {
		c.log.Warn("connection lost mid-call, retrying once",
			zap.String("operation", operation), zap.Error(err))
		if rerr := c.reconnect(ctx); rerr != nil {
			callsTotal.WithLabelValues(string(operr.KindUnavailable)).Inc()
			return nil, operr.Unavailablef("agent unreachable after mid-call failure: %v", err)
		}
		data, err = c.roundTrip(ctx, operation, params)
	}
	if err != nil {
		if errors.Is(err, errConnBroken) {
			err = operr.Unavailablef("agent connection lost: %v", err)
		}
		callsTotal.WithLabelValues(string(operr.KindOf(err))).Inc()
		return nil, err
	}
	callsTotal.WithLabelValues("ok").Inc()
	return data, nil
}

// Reset returns the client to disconnected regardless of state, clearing a
// failed marker so the next call dials again.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.setState(StateDisconnected)
}

// Close tears down the connection for shutdown. The client dials again if
// reused.
func (c *Client) Close() error {
	c.Reset()
	return nil
}

// ensureConnected dials when necessary; caller holds mu. A failed client
// stays failed until Reset.
func (c *Client) ensureConnected(ctx context.Context) error {
	switch c.State() {
	case StateConnected:
		return nil
	case StateFailed:
		return operr.Unavailablef("connection marked failed; reset required")
	}
	c.setState(StateConnecting)
	err := c.dial(ctx)
	if err == nil {
		return nil
	}
	if !c.opts.Reconnect.Enabled {
		c.setState(StateDisconnected)
		return operr.Unavailablef("dialing agent at %s: %v", c.opts.SocketPath, err)
	}
	return c.reconnect(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.opts.SocketPath)
	if err != nil {
		return err
	}
	c.conn = conn
	c.setState(StateConnected)
	return nil
}

// reconnect runs the backoff loop: sleep, dial, grow the delay by the
// factor up to the ceiling, until connected, the attempt cap is exceeded or
// ctx ends. Caller holds mu.
func (c *Client) reconnect(ctx context.Context) error {
	c.dropConn()
	c.setState(StateReconnecting)
	delay := c.opts.Reconnect.InitialDelay
	for attempt := 1; ; attempt++ {
		if max := c.opts.Reconnect.MaxAttempts; max > 0 && attempt > max {
			c.setState(StateFailed)
			return operr.Unavailablef("reconnect gave up after %d attempts", max)
		}
		reconnectsTotal.Inc()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateDisconnected)
			return operr.Timeoutf("reconnect interrupted: %v", ctx.Err())
		case <-timer.C:
		}
		err := c.dial(ctx)
		if err == nil {
			c.log.Info("reconnected to agent", zap.Int("attempts", attempt))
			return nil
		}
		c.log.Debug("reconnect attempt failed",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		delay = time.Duration(float64(delay) * c.opts.Reconnect.Factor)
		if delay > c.opts.Reconnect.MaxDelay {
			delay = c.opts.Reconnect.MaxDelay
		}
	}
}

// roundTrip performs one request/response exchange; caller holds mu.
func (c *Client) roundTrip(ctx context.Context, operation string, params map[string]any) (map[string]any, error) {
	req := NewRequest(operation, params)

	deadline := time.Now().Add(c.opts.CallTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn := c.conn
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, c.failCall(ctx, "arming deadline for", req, err)
	}
	// Cancellation unblocks the pending read by expiring the deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	inflightCalls.Inc()
	defer inflightCalls.Dec()

	if err := WriteFrame(conn, req, c.opts.MaxMessageBytes); err != nil {
		return nil, c.failCall(ctx, "writing", req, err)
	}
	raw, err := ReadFrame(conn, c.opts.MaxMessageBytes)
	if err != nil {
		return nil, c.failCall(ctx, "reading", req, err)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.dropConn()
		return nil, operr.Protocolf("undecodable response frame: %v", err)
	}
	if resp.ID != req.ID {
		c.dropConn()
		return nil, operr.Protocolf("response id %q does not match request id %q", resp.ID, req.ID).
			With("expected_id", req.ID).
			With("received_id", resp.ID)
	}
	switch resp.Status {
	case StatusOK:
		return resp.Data, nil
	case StatusError:
		if resp.Error == nil {
			c.dropConn()
			return nil, operr.Protocolf("error response without error object")
		}
		return nil, resp.Error.Err()
	default:
		c.dropConn()
		return nil, operr.Protocolf("unknown response status %q", resp.Status)
	}
}

// failCall closes the connection and classifies the failure: deadline expiry
// is a timeout, protocol errors pass through, everything else is a broken
// connection eligible for the single retry.
func (c *Client) failCall(ctx context.Context, stage string, req Request, err error) error {
	c.dropConn()
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if ctx.Err() != nil {
			return operr.Timeoutf("call %s canceled", req.Operation).With("operation", req.Operation)
		}
		return operr.Timeoutf("call %s timed out", req.Operation).With("operation", req.Operation)
	}
	if e, ok := operr.As(err); ok && e.Kind == operr.KindProtocolError {
		return err
	}
	return fmt.Errorf("%w: %s %s: %v", errConnBroken, stage, req.Operation, err)
}

// dropConn tears down the socket; caller holds mu. A failed marker is
// preserved.
func (c *Client) dropConn() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.State() != StateFailed {
		c.setState(StateDisconnected)
	}
}

func (c *Client) setState(next State) {
	prev := State(c.state.Swap(int32(next)))
	if prev != next {
		c.log.Debug("connection state",
			zap.Stringer("from", prev), zap.Stringer("to", next))
	}
}
