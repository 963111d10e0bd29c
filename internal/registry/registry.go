// Package registry resolves server selectors to backend servers and hands out
// cached adapters for them.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pochtmanr/dopplerland-sub001/internal/backend"
	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
)

// Servers is the record store view the registry reads from.
type Servers interface {
	ListServers(ctx context.Context, activeOnly bool) ([]fleet.BackendServer, error)
	GetServer(ctx context.Context, id string) (fleet.BackendServer, error)
	DeleteServer(ctx context.Context, id string) error
}

// CountryLookup maps an IP address to an ISO country code ("" if unknown).
type CountryLookup interface {
	Country(ip string) string
}

// Options configure a Registry.
type Options struct {
	// FallbackUnknownSelector resolves a selector that matches nothing to
	// the first active server instead of failing.
	FallbackUnknownSelector bool
	// BackendTimeout bounds each adapter call.
	BackendTimeout time.Duration
	GeoIP          CountryLookup
}

type cachedAdapter struct {
	fingerprint string
	adapter     backend.Adapter
}

// Registry is safe for concurrent use.
type Registry struct {
	servers   Servers
	factories *backend.Factories
	opts      Options
	logger    *slog.Logger

	mu       sync.RWMutex
	adapters map[string]cachedAdapter
	health   map[string]*healthEntry
	order    []string
	events   chan Event
}

// New creates a registry.
func New(servers Servers, factories *backend.Factories, opts Options, logger *slog.Logger) *Registry {
	return &Registry{
		servers:   servers,
		factories: factories,
		opts:      opts,
		logger:    logger,
		adapters:  make(map[string]cachedAdapter),
		health:    make(map[string]*healthEntry),
		events:    make(chan Event, 64),
	}
}

var (
	byID = fleet.Matcher[fleet.BackendServer]{
		Name:  "id",
		Match: func(s fleet.BackendServer, sel string) bool { return s.ID == sel },
	}
	byExternalID = fleet.Matcher[fleet.BackendServer]{
		Name:  "external_id",
		Match: func(s fleet.BackendServer, sel string) bool { return s.ExternalID != "" && s.ExternalID == sel },
	}
)

// ListServers returns servers in stored order with missing country codes
// filled in from GeoIP.
func (r *Registry) ListServers(ctx context.Context, activeOnly bool) ([]fleet.BackendServer, error) {
	servers, err := r.servers.ListServers(ctx, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	for i := range servers {
		r.enrich(&servers[i])
	}
	return servers, nil
}

// Get returns a server by local id, active or not.
func (r *Registry) Get(ctx context.Context, id string) (fleet.BackendServer, error) {
	s, err := r.servers.GetServer(ctx, id)
	if err != nil {
		return fleet.BackendServer{}, fmt.Errorf("registry: %w", err)
	}
	r.enrich(&s)
	return s, nil
}

// Resolve picks the server for selector. A non-empty selector is matched
// against local id, then external id, over every server including inactive
// ones. An empty selector picks the first active server.
func (r *Registry) Resolve(ctx context.Context, selector string) (fleet.BackendServer, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return r.firstActive(ctx)
	}

	all, err := r.ListServers(ctx, false)
	if err != nil {
		return fleet.BackendServer{}, err
	}
	if s, how, ok := fleet.FirstMatch(all, selector, byID, byExternalID); ok {
		r.logger.Debug("registry: selector resolved", "selector", selector, "by", how, "server", s.ID)
		return s, nil
	}

	if r.opts.FallbackUnknownSelector {
		r.logger.Warn("registry: unknown selector, falling back to first active server", "selector", selector)
		return r.firstActive(ctx)
	}
	return fleet.BackendServer{}, fmt.Errorf("registry: no server matches %q: %w", selector, fleet.ErrNoServerAvailable)
}

func (r *Registry) firstActive(ctx context.Context) (fleet.BackendServer, error) {
	active, err := r.ListServers(ctx, true)
	if err != nil {
		return fleet.BackendServer{}, err
	}
	if len(active) == 0 {
		return fleet.BackendServer{}, fmt.Errorf("registry: fleet has no active server: %w", fleet.ErrNoServerAvailable)
	}
	return active[0], nil
}

func (r *Registry) enrich(s *fleet.BackendServer) {
	if s.CountryCode != "" || r.opts.GeoIP == nil || s.IPAddress == "" {
		return
	}
	s.CountryCode = r.opts.GeoIP.Country(s.IPAddress)
}

// Adapter returns the adapter for s. Adapters are cached per server and
// rebuilt when its family or connection config changes, so per-adapter
// state such as auth tokens survives across requests.
func (r *Registry) Adapter(s fleet.BackendServer) (backend.Adapter, error) {
	cfg, err := fleet.ParseBackendConfig(s)
	if err != nil {
		return nil, fmt.Errorf("registry: server %s: %w", s.ID, err)
	}
	fp := fingerprint(s)

	r.mu.RLock()
	c, ok := r.adapters[s.ID]
	r.mu.RUnlock()
	if ok && c.fingerprint == fp {
		return c.adapter, nil
	}

	a, err := r.factories.Build(s.Family, cfg, backend.Options{Name: s.Name, Timeout: r.opts.BackendTimeout})
	if err != nil {
		return nil, fmt.Errorf("registry: server %s: %w", s.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another caller may have built the same config meanwhile; keep theirs.
	if c, ok := r.adapters[s.ID]; ok && c.fingerprint == fp {
		return c.adapter, nil
	}
	r.adapters[s.ID] = cachedAdapter{fingerprint: fp, adapter: a}
	if ok {
		r.logger.Info("registry: server config changed, adapter rebuilt", "server", s.ID, "name", s.Name)
	}
	return a, nil
}

// Remove deletes a server from the record store and forgets its adapter and
// health state. Servers still referenced by identities fail with
// fleet.ErrConflict.
func (r *Registry) Remove(ctx context.Context, serverID string) error {
	if err := r.servers.DeleteServer(ctx, serverID); err != nil {
		return fmt.Errorf("registry: remove server: %w", err)
	}
	r.Forget(serverID)
	r.logger.Info("registry: server removed", "server", serverID)
	return nil
}

// Forget drops the cached adapter and health state of a removed server.
func (r *Registry) Forget(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, serverID)
	delete(r.health, serverID)
}

func fingerprint(s fleet.BackendServer) string {
	h := sha256.New()
	h.Write([]byte(s.Family))
	h.Write([]byte{0})
	h.Write([]byte(s.Name))
	h.Write([]byte{0})
	h.Write(s.ConfigData)
	return hex.EncodeToString(h.Sum(nil))
}
