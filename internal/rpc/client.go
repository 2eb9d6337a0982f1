package rpc

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/localretrieve/localretrieve/internal/errors"
	"github.com/localretrieve/localretrieve/internal/logging"
)

// Default client limits.
const (
	// DefaultMaxConcurrent caps in-flight calls.
	DefaultMaxConcurrent = 10

	// DefaultCallTimeout is the per-call timeout.
	DefaultCallTimeout = 30 * time.Second
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// MaxConcurrent caps in-flight calls; calls over the cap fail fast
	// with RATE_LIMIT (default: 10).
	MaxConcurrent int

	// CallTimeout is applied to every call without a tighter context
	// deadline (default: 30s).
	CallTimeout time.Duration

	// Logger receives demultiplexed worker log frames. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Client is the host side of the control plane. It multiplexes many
// in-flight calls over a single stream, correlating responses by id.
type Client struct {
	cfg  ClientConfig
	conn io.ReadWriteCloser

	writeMu sync.Mutex
	enc     *json.Encoder

	mu       sync.Mutex
	pending  map[string]chan *Response
	inFlight int
	closed   bool

	timeouts atomic.Int64
	logger   *slog.Logger
}

// NewClient wraps conn and starts the read loop.
func NewClient(conn io.ReadWriteCloser, cfg ClientConfig) *Client {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:     cfg,
		conn:    conn,
		enc:     json.NewEncoder(conn),
		pending: make(map[string]chan *Response),
		logger:  logger,
	}
	go c.readLoop()
	return c
}

// Call sends method with params and waits for the matching response.
// params may be any JSON-encodable value; the decoded result is returned raw
// for the caller to unmarshal.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	// Admission: fail fast over the concurrency cap.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New(errors.CodeTerminated, "transport is closed", nil)
	}
	if c.inFlight >= c.cfg.MaxConcurrent {
		c.mu.Unlock()
		return nil, errors.Newf(errors.CodeRateLimit,
			"too many concurrent calls (max %d)", c.cfg.MaxConcurrent).
			WithRecovery(errors.RecoveryInfo{CanRetry: true, RetryAfter: 100 * time.Millisecond})
	}
	id := uuid.NewString()
	ch := make(chan *Response, 1)
	c.pending[id] = ch
	c.inFlight++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.inFlight--
		c.mu.Unlock()
	}()

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, errors.New(errors.CodeSerialization, "failed to encode params", err)
		}
		raw = data
	}

	if err := c.send(Request{ID: id, Method: method, Params: raw}); err != nil {
		return nil, errors.New(errors.CodeSend, "failed to send request", err)
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, errors.New(errors.CodeTerminated, "transport closed while waiting", nil)
		}
		if resp.Error != nil {
			return nil, errors.New(resp.Error.Code, resp.Error.Message, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, errors.New(errors.CodeTimeout, "call cancelled: "+ctx.Err().Error(), ctx.Err())
	case <-timer.C:
		// Abandon the wait; a late response for this id is discarded by
		// the read loop once the pending entry is gone.
		c.timeouts.Add(1)
		return nil, errors.Newf(errors.CodeTimeout,
			"call %s timed out after %s", method, c.cfg.CallTimeout)
	}
}

// CallInto calls method and unmarshals the result into out.
func (c *Client) CallInto(ctx context.Context, method string, params, out any) error {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.New(errors.CodeSerialization, "failed to decode result", err)
	}
	return nil
}

// TimeoutCount reports how many calls have expired.
func (c *Client) TimeoutCount() int64 {
	return c.timeouts.Load()
}

// InFlight reports the number of calls currently awaiting responses.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Close terminates the transport: all pending calls fail with TERMINATED
// and new calls are refused.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) send(req Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(req)
}

// readLoop demultiplexes inbound frames: log frames go to the logger,
// responses to their pending call, unmatched responses are dropped.
func (c *Client) readLoop() {
	dec := json.NewDecoder(c.conn)
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			c.failAll()
			return
		}
		if f.isLog() {
			c.logWorkerFrame(&f)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		if ok {
			delete(c.pending, f.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &Response{ID: f.ID, Result: f.Result, Error: f.Error}
		}
	}
}

// failAll marks the transport dead and wakes every pending call.
func (c *Client) failAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) logWorkerFrame(f *frame) {
	attrs := make([]any, 0, len(f.Args)*2+1)
	attrs = append(attrs, slog.String("origin", "worker"))
	for k, v := range f.Args {
		attrs = append(attrs, slog.Any(k, v))
	}
	c.logger.Log(context.Background(), logging.ParseLevel(f.Level), f.Message, attrs...)
}
