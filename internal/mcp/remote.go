package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicewire/voicewire/internal/observability"
)

// sseReconnectDelay is the pause before the SSE listener reconnects after a
// dropped stream.
const sseReconnectDelay = 5 * time.Second

// RemoteConfig describes a provider served over streamable HTTP.
type RemoteConfig struct {
	UserID     string
	Provider   string
	Endpoint   string
	RefreshURL string
}

// RemoteAdapter speaks MCP over streamable HTTP: JSON-RPC requests are POSTed
// to {endpoint}/mcp, async results and server notifications arrive on a GET
// SSE stream. The session is identified by the Mcp-Session-Id header; a 404
// from the server means the session was evicted and a fresh initialize is
// required.
type RemoteAdapter struct {
	cfg    RemoteConfig
	source *TokenSource
	logger *observability.Logger
	client *http.Client

	mu              sync.Mutex
	sessionID       string
	protocolVersion string
	lastEventID     string
	serverInfo      InitializeResult

	pendingMu sync.Mutex
	pending   map[string]chan *JSONRPCResponse

	toolsMu sync.RWMutex
	tools   []ToolSchema

	closeOnce sync.Once
	closed    chan struct{}
	sseCancel context.CancelFunc

	pingUnsupported bool
}

// NewRemoteAdapter initializes a session against the remote endpoint and
// starts the SSE listener.
func NewRemoteAdapter(ctx context.Context, cfg RemoteConfig, source *TokenSource, logger *observability.Logger) (*RemoteAdapter, error) {
	a := &RemoteAdapter{
		cfg:     cfg,
		source:  source,
		logger:  logger.WithFields("component", "mcp_remote", "provider", cfg.Provider),
		client:  &http.Client{Timeout: 0},
		pending: make(map[string]chan *JSONRPCResponse),
		closed:  make(chan struct{}),
	}

	if err := a.initialize(ctx); err != nil {
		return nil, err
	}

	sseCtx, cancel := context.WithCancel(context.Background())
	a.sseCancel = cancel
	go a.sseLoop(sseCtx)

	return a, nil
}

func (a *RemoteAdapter) mcpURL() string {
	return strings.TrimRight(a.cfg.Endpoint, "/") + "/mcp"
}

// initialize performs the handshake and records the session id the server
// assigns.
func (a *RemoteAdapter) initialize(ctx context.Context) error {
	params, _ := json.Marshal(map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]string{"name": "voicewire", "version": "1.0"},
	})
	req := JSONRPCRequest{JSONRPC: "2.0", ID: uuid.New().String(), Method: "initialize", Params: params}

	resp, err := a.post(ctx, &req, "")
	if err != nil {
		return fmt.Errorf("mcp: initialize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mcp: initialize: unexpected status %d", resp.StatusCode)
	}

	rpcResp, err := readSingleResponse(resp)
	if err != nil {
		return fmt.Errorf("mcp: initialize: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("mcp: initialize: %s", rpcResp.Error.Message)
	}

	var result InitializeResult
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return fmt.Errorf("mcp: decode initialize result: %w", err)
	}

	a.mu.Lock()
	a.sessionID = resp.Header.Get("Mcp-Session-Id")
	a.protocolVersion = result.ProtocolVersion
	a.serverInfo = result
	a.mu.Unlock()

	if err := a.notify(ctx, "notifications/initialized"); err != nil {
		return fmt.Errorf("mcp: initialized notification: %w", err)
	}

	a.logger.Debug(ctx, "handshake complete",
		"server", result.ServerInfo.Name,
		"protocol", result.ProtocolVersion)
	return nil
}

func (a *RemoteAdapter) notify(ctx context.Context, method string) error {
	req := JSONRPCRequest{JSONRPC: "2.0", Method: method}
	resp, err := a.post(ctx, &req, a.currentSessionID())
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (a *RemoteAdapter) currentSessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

func (a *RemoteAdapter) post(ctx context.Context, rpcReq *JSONRPCRequest, sessionID string) (*http.Response, error) {
	token, err := a.source.AccessToken(ctx, a.cfg.UserID, a.cfg.Provider, a.cfg.RefreshURL)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.mcpURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mcp: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", sessionID)
	}

	return a.client.Do(httpReq)
}

// readSingleResponse decodes a POST response body that carries exactly one
// JSON-RPC response, either as plain JSON or as a short SSE stream.
func readSingleResponse(resp *http.Response) (*JSONRPCResponse, error) {
	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if data, ok := strings.CutPrefix(line, "data:"); ok {
				var rpcResp JSONRPCResponse
				if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &rpcResp); err == nil && rpcResp.ID != nil {
					return &rpcResp, nil
				}
			}
		}
		return nil, fmt.Errorf("stream ended without a response")
	}

	var rpcResp JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &rpcResp, nil
}

// call sends a request, retrying once through a fresh initialize when the
// server reports the session gone.
func (a *RemoteAdapter) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := a.callOnce(ctx, method, params)
		if err == nil {
			return raw, nil
		}
		if attempt == 0 && Categorize(err) == CategorySessionEvicted {
			a.logger.Warn(ctx, "session evicted, reinitializing")
			if initErr := a.initialize(ctx); initErr != nil {
				return nil, fmt.Errorf("%w: reinitialize failed: %v", ErrSessionEvicted, initErr)
			}
			continue
		}
		return nil, err
	}
	return nil, ErrSessionEvicted
}

func (a *RemoteAdapter) callOnce(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := uuid.New().String()
	ch := make(chan *JSONRPCResponse, 1)
	a.pendingMu.Lock()
	a.pending[id] = ch
	a.pendingMu.Unlock()
	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, id)
		a.pendingMu.Unlock()
	}()

	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	resp, err := a.post(ctx, &req, a.currentSessionID())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrSessionEvicted

	case http.StatusAccepted:
		// result arrives on the SSE stream
		resp.Body.Close()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.closed:
			return nil, ErrNotConnected
		case rpcResp := <-ch:
			return unwrapRPC(method, rpcResp)
		}

	case http.StatusOK:
		defer resp.Body.Close()
		rpcResp, err := readSingleResponse(resp)
		if err != nil {
			return nil, fmt.Errorf("mcp: %s: %w", method, err)
		}
		return unwrapRPC(method, rpcResp)

	default:
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("mcp: %s: unexpected status %d", method, resp.StatusCode)
	}
}

func unwrapRPC(method string, resp *JSONRPCResponse) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, rpcError(method, resp.Error)
	}
	return resp.Result, nil
}

// sseLoop keeps one GET stream open for async results and notifications,
// resuming from the last seen event id after drops.
func (a *RemoteAdapter) sseLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		default:
		}

		if err := a.listen(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn(ctx, "event stream dropped", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case <-time.After(sseReconnectDelay):
		}
	}
}

func (a *RemoteAdapter) listen(ctx context.Context) error {
	token, err := a.source.AccessToken(ctx, a.cfg.UserID, a.cfg.Provider, a.cfg.RefreshURL)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.mcpURL(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)

	a.mu.Lock()
	if a.sessionID != "" {
		req.Header.Set("Mcp-Session-Id", a.sessionID)
	}
	if a.lastEventID != "" {
		req.Header.Set("Last-Event-ID", a.lastEventID)
	}
	a.mu.Unlock()

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// session evicted while idle; re-handshake before the next attempt
		if initErr := a.initialize(ctx); initErr != nil {
			return fmt.Errorf("reinitialize after eviction: %w", initErr)
		}
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var eventID, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data != "" {
				a.dispatch(eventID, data)
			}
			eventID, data = "", ""
		case strings.HasPrefix(line, "id:"):
			eventID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			if data != "" {
				data += "\n"
			}
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	return scanner.Err()
}

func (a *RemoteAdapter) dispatch(eventID, data string) {
	if eventID != "" {
		a.mu.Lock()
		a.lastEventID = eventID
		a.mu.Unlock()
	}

	var resp JSONRPCResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil || resp.ID == nil {
		// notification or non-response payload
		return
	}
	id, ok := resp.ID.(string)
	if !ok {
		return
	}

	a.pendingMu.Lock()
	ch, found := a.pending[id]
	a.pendingMu.Unlock()
	if found {
		ch <- &resp
	}
}

// DiscoverTools lists the server's tools and caches the schemas.
func (a *RemoteAdapter) DiscoverTools(ctx context.Context) ([]ToolSchema, error) {
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

// CallTool invokes a tool on the remote server.
func (a *RemoteAdapter) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
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

// Ping checks liveness, falling back to tools/list when the server does not
// implement the ping method.
func (a *RemoteAdapter) Ping(ctx context.Context) error {
	a.mu.Lock()
	unsupported := a.pingUnsupported
	a.mu.Unlock()

	if !unsupported {
		_, err := a.call(ctx, "ping", nil)
		if err == nil {
			return nil
		}
		if !methodNotFound(err) {
			return err
		}
		a.mu.Lock()
		a.pingUnsupported = true
		a.mu.Unlock()
	}
	_, err := a.DiscoverTools(ctx)
	return err
}

// Tools returns the cached tool schemas from the last discovery.
func (a *RemoteAdapter) Tools() []ToolSchema {
	a.toolsMu.RLock()
	defer a.toolsMu.RUnlock()
	out := make([]ToolSchema, len(a.tools))
	copy(out, a.tools)
	return out
}

// SessionID returns the server-assigned session id.
func (a *RemoteAdapter) SessionID() string {
	return a.currentSessionID()
}

// ServerInfo returns the initialize result captured at handshake.
func (a *RemoteAdapter) ServerInfo() InitializeResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serverInfo
}

// Close tells the server to drop the session and stops the SSE listener.
func (a *RemoteAdapter) Close() error {
	a.closeOnce.Do(func() {
		close(a.closed)
		if a.sseCancel != nil {
			a.sseCancel()
		}

		sessionID := a.currentSessionID()
		if sessionID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.mcpURL(), nil); err == nil {
				req.Header.Set("Mcp-Session-Id", sessionID)
				if token, err := a.source.AccessToken(ctx, a.cfg.UserID, a.cfg.Provider, a.cfg.RefreshURL); err == nil {
					req.Header.Set("Authorization", "Bearer "+token)
				}
				if resp, err := a.client.Do(req); err == nil {
					resp.Body.Close()
				}
			}
		}

		a.pendingMu.Lock()
		for id, ch := range a.pending {
			ch <- &JSONRPCResponse{
				JSONRPC: "2.0",
				ID:      id,
				Error:   &JSONRPCError{Code: ErrCodeInternalError, Message: "connection closed"},
			}
			delete(a.pending, id)
		}
		a.pendingMu.Unlock()
	})
	return nil
}
