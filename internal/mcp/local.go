package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicewire/voicewire/internal/observability"
)

// LocalConfig describes a provider served by a subprocess speaking MCP over
// stdio.
type LocalConfig struct {
	UserID     string
	Provider   string
	Command    string
	Args       []string
	RefreshURL string
}

// LocalAdapter runs an MCP server as a child process and exchanges
// newline-delimited JSON-RPC over its stdin/stdout. The decrypted access
// token is handed to the child through its environment; it never touches
// disk or logs.
type LocalAdapter struct {
	cfg    LocalConfig
	logger *observability.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan *JSONRPCResponse
	nextID    atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}

	toolsMu sync.RWMutex
	tools   []ToolSchema

	// set once the server rejects the ping method; Ping then falls back to
	// tools/list
	pingUnsupported atomic.Bool

	serverInfo InitializeResult
}

// NewLocalAdapter resolves the user's token, spawns the provider process,
// and performs the initialize handshake. The returned adapter is ready for
// DiscoverTools and CallTool.
func NewLocalAdapter(ctx context.Context, cfg LocalConfig, source *TokenSource, logger *observability.Logger) (*LocalAdapter, error) {
	token, err := source.AccessToken(ctx, cfg.UserID, cfg.Provider, cfg.RefreshURL)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), "MCP_ACCESS_TOKEN="+token)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: start %s: %w", cfg.Command, err)
	}

	a := &LocalAdapter{
		cfg:     cfg,
		logger:  logger.WithFields("component", "mcp_local", "provider", cfg.Provider),
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan *JSONRPCResponse),
		closed:  make(chan struct{}),
	}

	go a.readLoop(stdout)
	go a.drainStderr(stderr)

	if err := a.initialize(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *LocalAdapter) initialize(ctx context.Context) error {
	params, _ := json.Marshal(map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]string{"name": "voicewire", "version": "1.0"},
	})
	raw, err := a.call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("mcp: initialize: %w", err)
	}
	if err := json.Unmarshal(raw, &a.serverInfo); err != nil {
		return fmt.Errorf("mcp: decode initialize result: %w", err)
	}
	if err := a.notify("notifications/initialized", nil); err != nil {
		return fmt.Errorf("mcp: initialized notification: %w", err)
	}
	a.logger.Debug(ctx, "handshake complete",
		"server", a.serverInfo.ServerInfo.Name,
		"protocol", a.serverInfo.ProtocolVersion)
	return nil
}

func (a *LocalAdapter) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp JSONRPCResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			a.logger.Warn(context.Background(), "unparseable line from server", "error", err)
			continue
		}
		if resp.ID == nil {
			// server-initiated notification; nothing consumes these yet
			continue
		}
		id, ok := numericID(resp.ID)
		if !ok {
			continue
		}
		a.pendingMu.Lock()
		ch, found := a.pending[id]
		delete(a.pending, id)
		a.pendingMu.Unlock()
		if found {
			ch <- &resp
		}
	}
	a.failPending(fmt.Errorf("%w: server process exited", ErrNotConnected))
}

func (a *LocalAdapter) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		a.logger.Debug(context.Background(), "server stderr", "line", scanner.Text())
	}
}

func (a *LocalAdapter) failPending(err error) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	for id, ch := range a.pending {
		ch <- &JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &JSONRPCError{Code: ErrCodeInternalError, Message: err.Error()},
		}
		delete(a.pending, id)
	}
}

func numericID(id any) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// call sends a request and waits for the matching response.
func (a *LocalAdapter) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := a.nextID.Add(1)
	ch := make(chan *JSONRPCResponse, 1)

	a.pendingMu.Lock()
	a.pending[id] = ch
	a.pendingMu.Unlock()

	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := a.write(&req); err != nil {
		a.pendingMu.Lock()
		delete(a.pending, id)
		a.pendingMu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	select {
	case <-ctx.Done():
		a.pendingMu.Lock()
		delete(a.pending, id)
		a.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-a.closed:
		return nil, ErrNotConnected
	case resp := <-ch:
		if resp.Error != nil {
			return nil, rpcError(method, resp.Error)
		}
		return resp.Result, nil
	}
}

func (a *LocalAdapter) notify(method string, params json.RawMessage) error {
	return a.write(&JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (a *LocalAdapter) write(req *JSONRPCRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, err = a.stdin.Write(data)
	return err
}

func rpcError(method string, rpcErr *JSONRPCError) error {
	switch rpcErr.Code {
	case ErrCodeInvalidParams:
		return &BadArgumentError{Tool: method, Reason: rpcErr.Message}
	case ErrCodeMethodNotFound:
		return fmt.Errorf("method %s not supported: %s", method, rpcErr.Message)
	default:
		return fmt.Errorf("%s failed (%d): %s", method, rpcErr.Code, rpcErr.Message)
	}
}

// DiscoverTools lists the server's tools and caches the schemas.
func (a *LocalAdapter) DiscoverTools(ctx context.Context) ([]ToolSchema, error) {
	raw, err := a.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp: decode tools/list: %w", err)
	}

	tools := make([]ToolSchema, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Params:      flattenSchema(t.InputSchema),
			RawSchema:   t.InputSchema,
		})
	}

	a.toolsMu.Lock()
	a.tools = tools
	a.toolsMu.Unlock()
	return tools, nil
}

// CallTool invokes a tool on the child process.
func (a *LocalAdapter) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal arguments: %w", err)
	}
	params, _ := json.Marshal(callToolParams{Name: name, Arguments: argsJSON})

	raw, err := a.call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var result toolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp: decode tool result: %w", err)
	}
	value := decodeToolResult(&result)
	if result.IsError {
		return nil, fmt.Errorf("tool %s reported an error: %v", name, value)
	}
	return value, nil
}

// Ping checks liveness with the ping method, falling back to tools/list when
// the server does not implement ping.
func (a *LocalAdapter) Ping(ctx context.Context) error {
	if !a.pingUnsupported.Load() {
		_, err := a.call(ctx, "ping", nil)
		if err == nil {
			return nil
		}
		if !methodNotFound(err) {
			return err
		}
		a.pingUnsupported.Store(true)
	}
	_, err := a.DiscoverTools(ctx)
	return err
}

func methodNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "not supported") || strings.Contains(msg, "method not found")
}

// Tools returns the cached tool schemas from the last discovery.
func (a *LocalAdapter) Tools() []ToolSchema {
	a.toolsMu.RLock()
	defer a.toolsMu.RUnlock()
	out := make([]ToolSchema, len(a.tools))
	copy(out, a.tools)
	return out
}

// ServerInfo returns the initialize result captured at handshake.
func (a *LocalAdapter) ServerInfo() InitializeResult {
	return a.serverInfo
}

// Close terminates the child process and fails any in-flight calls.
func (a *LocalAdapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		a.stdin.Close()

		done := make(chan error, 1)
		go func() { done <- a.cmd.Wait() }()
		select {
		case err = <-done:
		case <-time.After(3 * time.Second):
			_ = a.cmd.Process.Kill()
			err = <-done
		}
		a.failPending(ErrNotConnected)
	})
	return err
}
