package mcp

import (
	"context"
	"sync"
	"time"

	"github.com/voicewire/voicewire/internal/observability"
	"github.com/voicewire/voicewire/internal/tokens"
)

// registryTTL is how long a per-user snapshot stays fresh.
const registryTTL = 5 * time.Minute

// Registry builds and caches the per-user tool catalog the planner prompts
// with. A snapshot covers every provider the user holds a token for and the
// manager can reach; rebuilds are serialized per user.
type Registry struct {
	manager *Manager
	tokens  tokens.Store
	logger  *observability.Logger
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]*snapshot
}

type snapshot struct {
	tools        map[string][]ToolSchema
	discoveredAt time.Time
	building     sync.Mutex
}

// NewRegistry creates a registry over the manager and token store.
func NewRegistry(manager *Manager, tokenStore tokens.Store, logger *observability.Logger) *Registry {
	return &Registry{
		manager: manager,
		tokens:  tokenStore,
		logger:  logger.WithFields("component", "tool_registry"),
		ttl:     registryTTL,
		now:     time.Now,
		cache:   make(map[string]*snapshot),
	}
}

// Snapshot returns the user's provider→tools catalog, rebuilding it when the
// cached copy is older than the TTL. Providers that fail to connect are
// omitted rather than failing the whole snapshot.
func (r *Registry) Snapshot(ctx context.Context, userID string) (map[string][]ToolSchema, error) {
	r.mu.Lock()
	snap, ok := r.cache[userID]
	if !ok {
		snap = &snapshot{}
		r.cache[userID] = snap
	}
	r.mu.Unlock()

	snap.building.Lock()
	defer snap.building.Unlock()

	if snap.tools != nil && r.now().Sub(snap.discoveredAt) < r.ttl {
		return copyCatalog(snap.tools), nil
	}

	providers, err := r.tokens.Providers(ctx, userID)
	if err != nil {
		return nil, err
	}

	catalog := make(map[string][]ToolSchema)
	for _, provider := range providers {
		if _, configured := r.manager.cfg.Providers[provider]; !configured {
			continue
		}
		tools, err := r.manager.Connect(ctx, userID, provider)
		if err != nil {
			r.logger.Warn(ctx, "provider unavailable for catalog", "provider", provider, "error", err)
			continue
		}
		if len(tools) > 0 {
			catalog[provider] = tools
		}
	}

	snap.tools = catalog
	snap.discoveredAt = r.now()
	return copyCatalog(catalog), nil
}

// Invalidate drops the cached snapshot so the next Snapshot rebuilds.
func (r *Registry) Invalidate(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, userID)
}

// Find returns the schema for a provider/tool pair from the user's snapshot.
func (r *Registry) Find(ctx context.Context, userID, provider, tool string) (ToolSchema, bool) {
	catalog, err := r.Snapshot(ctx, userID)
	if err != nil {
		return ToolSchema{}, false
	}
	for _, schema := range catalog[provider] {
		if schema.Name == tool {
			return schema, true
		}
	}
	return ToolSchema{}, false
}

func copyCatalog(in map[string][]ToolSchema) map[string][]ToolSchema {
	out := make(map[string][]ToolSchema, len(in))
	for provider, tools := range in {
		out[provider] = append([]ToolSchema(nil), tools...)
	}
	return out
}
