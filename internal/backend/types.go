// Package backend defines the adapter contract every VPN control-plane
// family implements, and the shared HTTP plumbing they use.
package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
)

// Identity is the backend's view of one identity.
type Identity struct {
	Handle           string     `json:"handle"`
	Status           string     `json:"status"`
	Protocol         string     `json:"protocol"`
	UsedTrafficBytes int64      `json:"used_traffic_bytes"`
	DataLimitBytes   *int64     `json:"data_limit_bytes"`
	ExpiresAt        *time.Time `json:"expires_at"`
	LastOnlineAt     *time.Time `json:"last_online_at"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
	// Config is what the client needs to connect: a WireGuard config for
	// the peer family, a subscription link for the account family.
	Config string   `json:"config,omitempty"`
	Links  []string `json:"links,omitempty"`
	Peer   *Peer    `json:"peer,omitempty"`
}

// Peer carries the WireGuard parameters returned on peer creation.
type Peer struct {
	PrivateKey      string `json:"-"`
	PublicKey       string `json:"public_key"`
	ClientIP        string `json:"client_ip"`
	ServerPublicKey string `json:"server_pubkey"`
	Endpoint        string `json:"endpoint"`
	DNS             string `json:"dns"`
}

// CreateSpec is the canonical create request.
type CreateSpec struct {
	// Handle is the requested backend username. Peer backends assign their
	// own handle (the public key) and ignore it.
	Handle         string
	Protocol       string
	DataLimitBytes *int64
	ExpiresAt      *time.Time
	Note           string
}

// Patch is the canonical update request. Nil fields are left unchanged.
type Patch struct {
	Status         *string    `json:"status,omitempty"`
	DataLimitBytes *int64     `json:"data_limit_bytes,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// SystemStats is the backend-reported load.
type SystemStats struct {
	CPUUsage     float64 `json:"cpu_usage"`
	MemUsed      int64   `json:"mem_used"`
	MemTotal     int64   `json:"mem_total"`
	OnlineUsers  int64   `json:"online_users"`
	TotalUsers   int64   `json:"total_users"`
	BandwidthIn  int64   `json:"bandwidth_in"`
	BandwidthOut int64   `json:"bandwidth_out"`
}

// Adapter translates canonical identity operations into one backend's API.
// Adapters classify failures with the fleet error kinds and never retry.
type Adapter interface {
	Family() fleet.Family
	CreateIdentity(ctx context.Context, spec CreateSpec) (Identity, error)
	ReadIdentity(ctx context.Context, handle string) (Identity, error)
	UpdateIdentity(ctx context.Context, handle string, patch Patch) (Identity, error)
	DeleteIdentity(ctx context.Context, handle string) error
	ReadSystemStats(ctx context.Context) (SystemStats, error)
	ListIdentities(ctx context.Context, offset, limit int) ([]Identity, int, error)
}

// Options are passed to a factory together with the server's connection
// config.
type Options struct {
	// Name labels errors, logs and metrics; usually the server name.
	Name    string
	Timeout time.Duration
}

// Factory builds adapters for one family.
type Factory interface {
	Family() fleet.Family
	Build(cfg fleet.BackendConfig, opts Options) (Adapter, error)
}

// Factories is a set of factories keyed by family.
type Factories struct {
	mu sync.RWMutex
	m  map[fleet.Family]Factory
}

// NewFactories returns a set holding fs.
func NewFactories(fs ...Factory) *Factories {
	r := &Factories{m: make(map[fleet.Family]Factory)}
	for _, f := range fs {
		r.Register(f)
	}
	return r
}

// Register adds or replaces the factory for f.Family().
func (r *Factories) Register(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[f.Family()] = f
}

// Build creates an adapter for the given family.
func (r *Factories) Build(family fleet.Family, cfg fleet.BackendConfig, opts Options) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.m[family]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backend: unknown protocol family %q: %w", family, fleet.ErrMisconfiguredServer)
	}
	return f.Build(cfg, opts)
}
