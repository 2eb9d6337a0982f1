package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localretrieve/localretrieve/internal/errors"
)

// startPair wires a server and client over an in-process pipe.
func startPair(t *testing.T, srv *Server, cfg ClientConfig) *Client {
	t.Helper()
	hostConn, workerConn := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.ServeConn(ctx, workerConn)

	client := NewClient(hostConn, cfg)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCallRoundTrip(t *testing.T) {
	srv := NewServer()
	srv.Register("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		var p map[string]string
		require.NoError(t, json.Unmarshal(params, &p))
		return map[string]string{"echo": p["value"]}, nil
	})

	client := startPair(t, srv, ClientConfig{})

	raw, err := client.Call(context.Background(), "echo", map[string]string{"value": "hello"})
	require.NoError(t, err)

	var result map[string]string
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "hello", result["echo"])
}

func TestUnknownMethod(t *testing.T) {
	client := startPair(t, NewServer(), ClientConfig{})

	_, err := client.Call(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeUnknownMethod, errors.CodeOf(err))
}

func TestResponsesCorrelateOutOfOrder(t *testing.T) {
	srv := NewServer()
	srv.Register("delay", func(_ context.Context, params json.RawMessage) (any, error) {
		var p map[string]int
		_ = json.Unmarshal(params, &p)
		time.Sleep(time.Duration(p["ms"]) * time.Millisecond)
		return p["ms"], nil
	})

	client := startPair(t, srv, ClientConfig{})

	var wg sync.WaitGroup
	results := make([]int, 3)
	for i, ms := range []int{60, 10, 30} {
		wg.Add(1)
		go func(i, ms int) {
			defer wg.Done()
			raw, err := client.Call(context.Background(), "delay", map[string]int{"ms": ms})
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(raw, &results[i]))
		}(i, ms)
	}
	wg.Wait()

	// Each caller got its own answer despite completion order 10,30,60.
	assert.Equal(t, []int{60, 10, 30}, results)
}

func TestConcurrencyCapFailsFast(t *testing.T) {
	srv := NewServer()
	release := make(chan struct{})
	srv.Register("block", func(_ context.Context, _ json.RawMessage) (any, error) {
		<-release
		return nil, nil
	})
	defer close(release)

	client := startPair(t, srv, ClientConfig{MaxConcurrent: 2})

	for i := 0; i < 2; i++ {
		go func() {
			_, _ = client.Call(context.Background(), "block", nil)
		}()
	}
	// Let the two slow calls register as in-flight.
	require.Eventually(t, func() bool { return client.InFlight() == 2 },
		time.Second, 5*time.Millisecond)

	start := time.Now()
	_, err := client.Call(context.Background(), "block", nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeRateLimit, errors.CodeOf(err))
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestCallTimeoutAbandonsWait(t *testing.T) {
	srv := NewServer()
	srv.Register("slow", func(_ context.Context, _ json.RawMessage) (any, error) {
		time.Sleep(500 * time.Millisecond)
		return nil, nil
	})

	client := startPair(t, srv, ClientConfig{CallTimeout: 50 * time.Millisecond})

	_, err := client.Call(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeTimeout, errors.CodeOf(err))
	assert.Equal(t, int64(1), client.TimeoutCount())
}

func TestCloseFailsPendingWithTerminated(t *testing.T) {
	srv := NewServer()
	srv.Register("hang", func(_ context.Context, _ json.RawMessage) (any, error) {
		time.Sleep(time.Second)
		return nil, nil
	})

	client := startPair(t, srv, ClientConfig{})

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "hang", nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return client.InFlight() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())

	err := <-done
	require.Error(t, err)
	assert.Equal(t, errors.CodeTerminated, errors.CodeOf(err))

	// New calls are refused outright.
	_, err = client.Call(context.Background(), "hang", nil)
	assert.Equal(t, errors.CodeTerminated, errors.CodeOf(err))
}

func TestHandlerErrorCodeSurvivesTheWire(t *testing.T) {
	srv := NewServer()
	srv.Register("fail", func(_ context.Context, _ json.RawMessage) (any, error) {
		return nil, errors.New(errors.CodeDimensionMismatch, "expected 768, got 384", nil)
	})

	client := startPair(t, srv, ClientConfig{})

	_, err := client.Call(context.Background(), "fail", nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeDimensionMismatch, errors.CodeOf(err))
}

func TestHandlerPanicBecomesWorkerError(t *testing.T) {
	srv := NewServer()
	srv.Register("explode", func(_ context.Context, _ json.RawMessage) (any, error) {
		panic("kaboom")
	})

	client := startPair(t, srv, ClientConfig{})

	_, err := client.Call(context.Background(), "explode", nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeWorker, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "kaboom")
}

// captureHandler records log records for assertions.
type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}
func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.records))
	for i, r := range h.records {
		out[i] = r.Message
	}
	return out
}

func TestLogFramesAreDemultiplexed(t *testing.T) {
	srv := NewServer()
	srv.Register("noop", func(_ context.Context, _ json.RawMessage) (any, error) {
		return "ok", nil
	})

	capture := &captureHandler{}
	client := startPair(t, srv, ClientConfig{Logger: slog.New(capture)})

	// A call first, so the connection is registered server-side.
	_, err := client.Call(context.Background(), "noop", nil)
	require.NoError(t, err)

	srv.BroadcastLog("info", "vector index rebuilt", map[string]any{"collection": "kb"})

	require.Eventually(t, func() bool {
		for _, m := range capture.messages() {
			if m == "vector index rebuilt" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// Log frames never resolve pending calls.
	assert.Equal(t, 0, client.InFlight())
}
