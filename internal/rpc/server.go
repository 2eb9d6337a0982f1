package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sync"

	"github.com/localretrieve/localretrieve/internal/errors"
)

// Handler processes one RPC method. The returned value is JSON-encoded into
// the response; a returned error is serialized into the error field.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Server is the worker side of the control plane: a registry of named
// methods dispatched concurrently per connection.
type Server struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	connMu sync.Mutex
	conns  map[*serverConn]struct{}

	listener net.Listener
	shutdown bool
	wg       sync.WaitGroup
}

// serverConn pairs a connection's encoder with its write lock.
type serverConn struct {
	enc *json.Encoder
	mu  sync.Mutex
}

// NewServer creates an empty server.
func NewServer() *Server {
	return &Server{
		handlers: make(map[string]Handler),
		conns:    make(map[*serverConn]struct{}),
	}
}

// Register installs a handler for method, replacing any prior one.
func (s *Server) Register(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Methods returns the registered method names.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		out = append(out, m)
	}
	return out
}

// ListenAndServe accepts connections on a unix socket until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, socketPath string) error {
	_ = os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	s.listener = listener
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	slog.Info("worker listening", slog.String("socket", socketPath))

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.RLock()
			down := s.shutdown
			s.mu.RUnlock()
			if down {
				break
			}
			slog.Error("accept error", slog.String("error", err.Error()))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}

	s.wg.Wait()
	return ctx.Err()
}

// ServeConn processes one connection until EOF. Each request dispatches in
// its own goroutine, so responses may be written out of order; the client
// correlates by id.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) {
	defer conn.Close()

	sc := &serverConn{enc: json.NewEncoder(conn)}
	s.connMu.Lock()
	s.conns[sc] = struct{}{}
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, sc)
		s.connMu.Unlock()
	}()

	dec := json.NewDecoder(conn)

	var wg sync.WaitGroup
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			break
		}
		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			resp := s.dispatch(ctx, &req)
			sc.mu.Lock()
			defer sc.mu.Unlock()
			if err := sc.enc.Encode(resp); err != nil {
				slog.Warn("failed to write response",
					slog.String("id", req.ID), slog.String("error", err.Error()))
			}
		}(req)
	}
	wg.Wait()
}

// BroadcastLog emits a log frame to every connected host. Used as a
// logging.Sink so worker slog records reach the host console.
func (s *Server) BroadcastLog(level, message string, args map[string]any) {
	frame := LogFrame{Type: frameTypeLog, Level: level, Message: message, Args: args}
	s.connMu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.connMu.Unlock()
	for _, sc := range conns {
		sc.mu.Lock()
		_ = sc.enc.Encode(frame)
		sc.mu.Unlock()
	}
}

// dispatch resolves and runs the handler for one request.
func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	s.mu.RLock()
	h, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		return &Response{ID: req.ID, Error: &WireError{
			Code:    errors.CodeUnknownMethod,
			Message: fmt.Sprintf("unknown method: %s", req.Method),
		}}
	}

	result, err := s.run(ctx, h, req.Params)
	if err != nil {
		return &Response{ID: req.ID, Error: toWireError(err)}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return &Response{ID: req.ID, Error: &WireError{
			Code:    errors.CodeSerialization,
			Message: "failed to encode result: " + err.Error(),
		}}
	}
	return &Response{ID: req.ID, Result: data}
}

// run invokes h, converting panics into WORKER_ERROR responses.
func (s *Server) run(ctx context.Context, h Handler, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.CodeWorker, fmt.Sprintf("handler panic: %v", r), nil).
				WithDetail("stack", string(debug.Stack()))
		}
	}()
	return h(ctx, params)
}

// toWireError serializes a handler error for the response envelope.
func toWireError(err error) *WireError {
	we := &WireError{Message: err.Error(), Code: errors.CodeOf(err)}
	if le, ok := err.(*errors.Error); ok {
		we.Message = le.Message
		if stack, ok := le.Details["stack"]; ok {
			we.Stack = stack
		}
	}
	return we
}
