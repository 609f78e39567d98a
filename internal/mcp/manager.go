package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/voicewire/voicewire/internal/backoff"
	"github.com/voicewire/voicewire/internal/observability"
	"github.com/voicewire/voicewire/internal/storage"
	"github.com/voicewire/voicewire/pkg/models"
)

// ErrProviderUnknown means the provider has no transport configuration.
var ErrProviderUnknown = errors.New("provider not configured")

// pingTimeout bounds each health-loop liveness check.
const pingTimeout = 5 * time.Second

// ProviderSpec is the transport configuration for one provider. Endpoint set
// means remote streamable HTTP; Command set means a local stdio subprocess.
type ProviderSpec struct {
	Endpoint   string
	Command    string
	Args       []string
	RefreshURL string
}

// ManagerConfig tunes the connection manager.
type ManagerConfig struct {
	PingInterval         time.Duration
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
	Providers            map[string]ProviderSpec
}

func (c *ManagerConfig) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 3
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = time.Second
	}
}

// handle is one live (user, provider) connection with its health loop.
type handle struct {
	userID   string
	provider string

	mu      sync.Mutex
	adapter Adapter
	kind    TransportKind
	state   models.ConnectionState
	tools   []ToolSchema
	lastErr string
	healthy time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

func (h *handle) stopHealth() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Manager owns all live adapter handles, keyed by (user, provider). It
// connects on demand, runs a per-handle health loop with bounded exponential
// backoff, and mirrors every state transition into the status store.
type Manager struct {
	cfg     ManagerConfig
	source  *TokenSource
	status  storage.StatusStore
	events  storage.EventStore
	logger  *observability.Logger
	metrics *observability.Metrics

	// build constructs adapters; swapped for fakes in tests
	build func(ctx context.Context, userID, provider string, spec ProviderSpec) (Adapter, TransportKind, error)

	mu      sync.RWMutex
	handles map[string]*handle

	// serializes concurrent connects for the same key
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager creates a connection manager.
func NewManager(cfg ManagerConfig, source *TokenSource, status storage.StatusStore, events storage.EventStore, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:     cfg,
		source:  source,
		status:  status,
		events:  events,
		logger:  logger.WithFields("component", "mcp_manager"),
		metrics: metrics,
		handles: make(map[string]*handle),
		locks:   make(map[string]*sync.Mutex),
	}
	m.build = m.buildAdapter
	return m
}

func handleKey(userID, provider string) string {
	return userID + "\x00" + provider
}

func (m *Manager) keyLock(key string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

// Connect establishes (or returns) the live connection for (userID, provider)
// and returns its discovered tools.
func (m *Manager) Connect(ctx context.Context, userID, provider string) ([]ToolSchema, error) {
	key := handleKey(userID, provider)

	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	h, exists := m.handles[key]
	m.mu.RUnlock()
	if exists {
		h.mu.Lock()
		tools := append([]ToolSchema(nil), h.tools...)
		h.mu.Unlock()
		return tools, nil
	}

	spec, ok := m.cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("%s: %w", provider, ErrProviderUnknown)
	}

	adapter, kind, err := m.build(ctx, userID, provider, spec)
	if err != nil {
		m.writeFailure(ctx, userID, provider, err)
		return nil, err
	}

	tools, err := adapter.DiscoverTools(ctx)
	if err != nil {
		adapter.Close()
		m.writeFailure(ctx, userID, provider, err)
		return nil, fmt.Errorf("mcp: discover tools for %s: %w", provider, err)
	}

	h = &handle{
		userID:   userID,
		provider: provider,
		adapter:  adapter,
		kind:     kind,
		state:    models.ConnConnected,
		tools:    tools,
		healthy:  time.Now(),
		stop:     make(chan struct{}),
	}

	m.mu.Lock()
	m.handles[key] = h
	m.mu.Unlock()

	m.metrics.ActiveConnections.Inc()
	m.writeStatus(ctx, h)
	m.appendEvent(ctx, userID, provider, models.ConnectionEventConnect, "")
	m.logger.Info(ctx, "connected", "provider", provider, "transport", string(kind), "tools", len(tools))

	go m.healthLoop(h, spec)
	return append([]ToolSchema(nil), tools...), nil
}

func (m *Manager) buildAdapter(ctx context.Context, userID, provider string, spec ProviderSpec) (Adapter, TransportKind, error) {
	switch {
	case spec.Endpoint != "":
		a, err := NewRemoteAdapter(ctx, RemoteConfig{
			UserID:     userID,
			Provider:   provider,
			Endpoint:   spec.Endpoint,
			RefreshURL: spec.RefreshURL,
		}, m.source, m.logger)
		return a, TransportRemote, err
	case spec.Command != "":
		a, err := NewLocalAdapter(ctx, LocalConfig{
			UserID:     userID,
			Provider:   provider,
			Command:    spec.Command,
			Args:       spec.Args,
			RefreshURL: spec.RefreshURL,
		}, m.source, m.logger)
		return a, TransportLocal, err
	default:
		return nil, "", fmt.Errorf("%s: %w", provider, ErrProviderUnknown)
	}
}

// Disconnect closes the connection and records the transition.
func (m *Manager) Disconnect(ctx context.Context, userID, provider string) error {
	key := handleKey(userID, provider)

	m.mu.Lock()
	h, exists := m.handles[key]
	delete(m.handles, key)
	m.mu.Unlock()

	if !exists {
		return nil
	}

	h.stopHealth()
	err := h.adapter.Close()

	h.mu.Lock()
	h.state = models.ConnDisconnected
	h.mu.Unlock()

	m.metrics.ActiveConnections.Dec()
	m.writeStatus(ctx, h)
	m.appendEvent(ctx, userID, provider, models.ConnectionEventDisconnect, "")
	m.logger.Info(ctx, "disconnected", "provider", provider)
	return err
}

// CallTool routes a tool call to the (user, provider) adapter, connecting on
// demand. A session eviction triggers one transparent reconnect and retry.
func (m *Manager) CallTool(ctx context.Context, userID, provider, tool string, args map[string]any) (any, error) {
	for attempt := 0; attempt < 2; attempt++ {
		adapter, err := m.adapterFor(ctx, userID, provider)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		result, err := adapter.CallTool(ctx, tool, args)
		m.metrics.ToolCallDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
		if err == nil {
			return result, nil
		}

		if attempt == 0 && Categorize(err) == CategorySessionEvicted {
			m.logger.Warn(ctx, "session evicted during call, reconnecting", "provider", provider)
			_ = m.Disconnect(ctx, userID, provider)
			continue
		}
		return nil, err
	}
	return nil, ErrSessionEvicted
}

func (m *Manager) adapterFor(ctx context.Context, userID, provider string) (Adapter, error) {
	m.mu.RLock()
	h, exists := m.handles[handleKey(userID, provider)]
	m.mu.RUnlock()
	if exists {
		h.mu.Lock()
		adapter := h.adapter
		h.mu.Unlock()
		return adapter, nil
	}
	if _, err := m.Connect(ctx, userID, provider); err != nil {
		return nil, err
	}
	m.mu.RLock()
	h, exists = m.handles[handleKey(userID, provider)]
	m.mu.RUnlock()
	if !exists {
		return nil, ErrNotConnected
	}
	h.mu.Lock()
	adapter := h.adapter
	h.mu.Unlock()
	return adapter, nil
}

// IsConnected reports whether a live handle exists for the pair.
func (m *Manager) IsConnected(userID, provider string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.handles[handleKey(userID, provider)]
	return ok
}

// Tools returns the cached tool schemas for a live handle, or nil.
func (m *Manager) Tools(userID, provider string) []ToolSchema {
	m.mu.RLock()
	h, exists := m.handles[handleKey(userID, provider)]
	m.mu.RUnlock()
	if !exists {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ToolSchema(nil), h.tools...)
}

// ConnectedProviders lists providers with a live handle for the user.
func (m *Manager) ConnectedProviders(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, h := range m.handles {
		if h.userID == userID {
			out = append(out, h.provider)
		}
	}
	return out
}

// healthLoop pings the adapter on a fixed interval and reconnects with
// exponential backoff after failures. After the attempt budget is exhausted
// the handle is torn down; the next CallTool reconnects on demand.
func (m *Manager) healthLoop(h *handle, spec ProviderSpec) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		err := m.pingHandle(ctx, h)
		cancel()

		if err == nil {
			h.mu.Lock()
			h.state = models.ConnConnected
			h.lastErr = ""
			h.healthy = time.Now()
			h.mu.Unlock()
			m.writeStatus(context.Background(), h)
			continue
		}

		m.logger.Warn(context.Background(), "health check failed", "provider", h.provider, "error", err)
		h.mu.Lock()
		h.state = models.ConnError
		h.lastErr = err.Error()
		h.mu.Unlock()
		m.writeStatus(context.Background(), h)

		if !m.reconnect(h, spec) {
			m.teardown(h)
			return
		}
	}
}

func (m *Manager) pingHandle(ctx context.Context, h *handle) error {
	h.mu.Lock()
	adapter := h.adapter
	h.mu.Unlock()
	return adapter.Ping(ctx)
}

// reconnect rebuilds the adapter with backoff. Returns false when the attempt
// budget is exhausted.
func (m *Manager) reconnect(h *handle, spec ProviderSpec) bool {
	policy := backoff.ReconnectPolicy(m.cfg.ReconnectBackoff)

	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-h.stop:
			return false
		case <-time.After(backoff.Compute(policy, attempt)):
		}

		m.metrics.ReconnectCounter.WithLabelValues(h.provider).Inc()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		adapter, kind, err := m.build(ctx, h.userID, h.provider, spec)
		if err == nil {
			var tools []ToolSchema
			tools, err = adapter.DiscoverTools(ctx)
			if err != nil {
				adapter.Close()
			} else {
				h.mu.Lock()
				old := h.adapter
				h.adapter = adapter
				h.kind = kind
				h.state = models.ConnConnected
				h.tools = tools
				h.lastErr = ""
				h.healthy = time.Now()
				h.mu.Unlock()
				old.Close()

				cancel()
				m.writeStatus(context.Background(), h)
				m.logger.Info(context.Background(), "reconnected", "provider", h.provider, "attempt", attempt)
				return true
			}
		}
		cancel()

		m.logger.Warn(context.Background(), "reconnect attempt failed",
			"provider", h.provider, "attempt", attempt, "error", err)
		if !Retriable(err) {
			// auth and argument failures will not heal with retries
			break
		}
	}
	return false
}

// teardown removes an unhealthy handle so the next call reconnects fresh.
// The gauge is decremented only when this call actually removed the handle;
// a concurrent Disconnect may have already done both.
func (m *Manager) teardown(h *handle) {
	key := handleKey(h.userID, h.provider)

	m.mu.Lock()
	removed := m.handles[key] == h
	if removed {
		delete(m.handles, key)
	}
	m.mu.Unlock()

	h.adapter.Close()
	h.mu.Lock()
	h.state = models.ConnError
	h.mu.Unlock()

	if removed {
		m.metrics.ActiveConnections.Dec()
	}
	m.writeStatus(context.Background(), h)
	m.logger.Warn(context.Background(), "connection abandoned after reconnect budget", "provider", h.provider)
}

func (m *Manager) writeStatus(ctx context.Context, h *handle) {
	h.mu.Lock()
	st := &models.ConnectionStatus{
		UserID:        h.userID,
		Provider:      h.provider,
		State:         h.state,
		ToolCount:     len(h.tools),
		LastError:     h.lastErr,
		LastHealthyAt: h.healthy,
		UpdatedAt:     time.Now(),
	}
	if remote, ok := h.adapter.(*RemoteAdapter); ok {
		st.SessionID = remote.SessionID()
		st.Endpoint = remote.cfg.Endpoint
		st.ProtocolVersion = remote.ServerInfo().ProtocolVersion
	}
	h.mu.Unlock()

	if err := m.status.Upsert(ctx, st); err != nil {
		m.logger.Warn(ctx, "status write failed", "provider", h.provider, "error", err)
	}
}

func (m *Manager) writeFailure(ctx context.Context, userID, provider string, cause error) {
	st := &models.ConnectionStatus{
		UserID:    userID,
		Provider:  provider,
		State:     models.ConnError,
		LastError: cause.Error(),
		UpdatedAt: time.Now(),
	}
	if err := m.status.Upsert(ctx, st); err != nil {
		m.logger.Warn(ctx, "status write failed", "provider", provider, "error", err)
	}
}

func (m *Manager) appendEvent(ctx context.Context, userID, provider string, kind models.ConnectionEventKind, errText string) {
	ev := &models.ConnectionEvent{
		UserID:   userID,
		Provider: provider,
		Kind:     kind,
		Error:    errText,
		At:       time.Now(),
	}
	if err := m.events.Append(ctx, ev); err != nil {
		m.logger.Warn(ctx, "event write failed", "provider", provider, "error", err)
	}
}

// Close disconnects every handle. Used at shutdown.
func (m *Manager) Close() error {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.handles))
	for key, h := range m.handles {
		handles = append(handles, h)
		delete(m.handles, key)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.stopHealth()
		h.adapter.Close()
		m.metrics.ActiveConnections.Dec()
	}
	return nil
}
