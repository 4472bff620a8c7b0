// Package rpc implements the frame-delimited JSON-RPC 2.0 control plane
// of §4.9: one newline-terminated JSON request per line, one
// newline-terminated JSON response per line, served over a Unix domain
// socket. A connection's own requests are answered in receive order;
// distinct connections run on independent goroutines and so may
// interleave freely, the same per-connection-goroutine shape
// `vanducng-goclaw`'s gateway uses for its WebSocket clients.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/descartes-run/descartes/errs"
	"github.com/descartes-run/descartes/logging"
)

// Standard JSON-RPC 2.0 codes for framing/dispatch failures.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
)

// DefaultRequestTimeout bounds every method except "spawn", which must
// return synchronously with a handle rather than wait out a fixed budget.
const DefaultRequestTimeout = 30 * time.Second

// Request is one line of client input.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is one line of server output, correlated to a Request by ID.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func errorResponse(id json.RawMessage, code int, message string) Response {
	return Response{JSONRPC: "2.0", Error: &ResponseError{Code: code, Message: message}, ID: id}
}

func successResponse(id json.RawMessage, result any) Response {
	return Response{JSONRPC: "2.0", Result: result, ID: id}
}

// Handler answers one decoded, validated request. It returns a result
// value to be marshalled into Response.Result, or an error — *errs.Error
// maps through errs.RPCCode, any other error maps to an internal code.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRequestTimeout overrides DefaultRequestTimeout for non-exempt
// methods.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// Server accepts connections on a Unix domain socket and dispatches
// newline-delimited JSON-RPC requests to registered Handlers.
type Server struct {
	mu       sync.RWMutex
	methods  map[string]Handler
	exempt   map[string]bool // methods not subject to the request timeout
	timeout  time.Duration
	logger   *slog.Logger
	listener net.Listener
}

// New creates a Server with no methods registered yet; call Register for
// each of the §4.9 methods before Serve.
func New(opts ...Option) *Server {
	s := &Server{
		methods: make(map[string]Handler),
		exempt:  map[string]bool{"spawn": true},
		timeout: DefaultRequestTimeout,
		logger:  logging.Discard(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register binds a method name to a Handler.
func (s *Server) Register(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[method] = h
}

// SocketPath resolves the canonical control socket location: an absolute
// $DESCARTES_SOCKET override if set, otherwise $DESCARTES_HOME/descartes.sock
// with $DESCARTES_HOME defaulting to $HOME/.descartes.
func SocketPath() (string, error) {
	if sock := os.Getenv("DESCARTES_SOCKET"); sock != "" {
		if !filepath.IsAbs(sock) {
			return "", errs.Config("DESCARTES_SOCKET must be an absolute path", nil)
		}
		return sock, nil
	}
	home := os.Getenv("DESCARTES_HOME")
	if home == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return "", errs.Config("resolve home directory", err)
		}
		home = filepath.Join(dir, ".descartes")
	}
	return filepath.Join(home, "descartes.sock"), nil
}

// Serve listens on path (removing any stale socket file first) and serves
// connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, path string) error {
	_ = os.Remove(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Backend("create socket directory", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return errs.Backend("listen on control socket", err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return errs.Backend("accept control connection", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn processes one connection's requests strictly in receive
// order. A per-connection rate.Limiter throttles abusive clients without
// affecting other connections.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	limiter := rate.NewLimiter(rate.Limit(50), 50)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}

		resp, shouldRespond := s.handleLine(ctx, line)
		if !shouldRespond {
			continue
		}
		if err := enc.Encode(resp); err != nil {
			s.logger.Warn("rpc: write response failed", "err", err)
			return
		}
	}
}

// handleLine decodes and dispatches one request line, returning the
// Response to send and whether to send it at all. A request whose "id"
// key is absent from the raw JSON is a notification per JSON-RPC 2.0 and
// receives no reply, success or error, no matter what the handler does.
// json.RawMessage distinguishes this from a present-but-null id: the
// field stays nil only when the key never appeared in the input.
func (s *Server) handleLine(ctx context.Context, line []byte) (Response, bool) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return errorResponse(nil, CodeParseError, "parse error"), true
	}
	notification := req.ID == nil

	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, CodeInvalidRequest, "invalid request: jsonrpc must be \"2.0\""), !notification
	}

	s.mu.RLock()
	h, ok := s.methods[req.Method]
	exempt := s.exempt[req.Method]
	timeout := s.timeout
	s.mu.RUnlock()
	if !ok {
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method)), !notification
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if !exempt && timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := h(callCtx, req.Params)
	if err != nil {
		var de *errs.Error
		if errors.As(err, &de) {
			return errorResponse(req.ID, errs.RPCCode(de.Kind), de.Error()), !notification
		}
		return errorResponse(req.ID, -32603, err.Error()), !notification
	}
	return successResponse(req.ID, result), !notification
}
