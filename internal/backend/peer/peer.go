// Package peer is the adapter for WireGuard-style peer managers. The peer
// public key is the backend handle.
package peer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pochtmanr/dopplerland-sub001/internal/backend"
	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
	"github.com/pochtmanr/dopplerland-sub001/internal/wgconf"
)

const (
	statusActive   = "active"
	statusDisabled = "disabled"
)

// Adapter talks to one peer manager.
type Adapter struct {
	client     *backend.Client
	apiKey     string
	clientKeys bool
	dns        string
	exclude    []string
}

var _ backend.Adapter = (*Adapter)(nil)

// New creates an adapter from a server's connection config.
func New(cfg fleet.BackendConfig, opts backend.Options) *Adapter {
	return &Adapter{
		client:     backend.NewClient(opts.Name, fleet.FamilyPeer, cfg.EndpointURL, opts.Timeout),
		apiKey:     cfg.Credential,
		clientKeys: cfg.ClientKeys,
		dns:        cfg.DNS,
	}
}

// Factory builds peer adapters. DNS is used for servers whose config
// does not set one; ExcludeCIDRs are carved out of every rendered
// client's AllowedIPs.
type Factory struct {
	DNS          string
	ExcludeCIDRs []string
}

func (Factory) Family() fleet.Family { return fleet.FamilyPeer }

func (f Factory) Build(cfg fleet.BackendConfig, opts backend.Options) (backend.Adapter, error) {
	if cfg.DNS == "" {
		cfg.DNS = f.DNS
	}
	a := New(cfg, opts)
	a.exclude = f.ExcludeCIDRs
	return a, nil
}

func (a *Adapter) Family() fleet.Family { return fleet.FamilyPeer }

type createRequest struct {
	PublicKey string `json:"public_key,omitempty"`
	Name      string `json:"name,omitempty"`
}

type createResponse struct {
	PrivateKey   string `json:"private_key"`
	PublicKey    string `json:"public_key"`
	ClientIP     string `json:"client_ip"`
	ServerPubkey string `json:"server_pubkey"`
	Endpoint     string `json:"endpoint"`
	DNS          string `json:"dns"`
}

type peerInfo struct {
	PublicKey     string `json:"public_key"`
	ClientIP      string `json:"client_ip"`
	Enabled       *bool  `json:"enabled"`
	RxBytes       int64  `json:"rx_bytes"`
	TxBytes       int64  `json:"tx_bytes"`
	LastHandshake int64  `json:"last_handshake"`
	CreatedAt     int64  `json:"created_at"`
}

type listResponse struct {
	Peers []peerInfo `json:"peers"`
	Total int        `json:"total"`
}

type systemResponse struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemUsed     int64   `json:"mem_used"`
	MemTotal    int64   `json:"mem_total"`
	OnlinePeers int64   `json:"online_peers"`
	TotalPeers  int64   `json:"total_peers"`
	RxBytes     int64   `json:"rx_bytes"`
	TxBytes     int64   `json:"tx_bytes"`
}

func (a *Adapter) header() http.Header {
	h := http.Header{}
	h.Set("x-api-key", a.apiKey)
	return h
}

// CreateIdentity creates a peer. Unless client_keys is set the backend
// generates the keypair.
func (a *Adapter) CreateIdentity(ctx context.Context, spec backend.CreateSpec) (backend.Identity, error) {
	if spec.DataLimitBytes != nil {
		return backend.Identity{}, a.unsupported("create", "data limits")
	}

	req := createRequest{Name: spec.Note}
	var localPriv string
	if a.clientKeys {
		priv, pub, err := wgconf.GenerateKeyPair()
		if err != nil {
			return backend.Identity{}, fmt.Errorf("peer: %w", err)
		}
		localPriv, req.PublicKey = priv, pub
	}

	var resp createResponse
	if err := a.client.Do(ctx, backend.Request{
		Op:     "create",
		Method: http.MethodPost,
		Path:   "/create",
		JSON:   req,
		Header: a.header(),
	}, &resp); err != nil {
		return backend.Identity{}, err
	}
	if resp.PublicKey == "" {
		return backend.Identity{}, &fleet.BackendError{
			Kind: fleet.ErrBackendRejected, Op: "create", Server: a.client.Name(),
			Message: "response has no public_key",
		}
	}
	if resp.PrivateKey == "" {
		resp.PrivateKey = localPriv
	}
	dns := resp.DNS
	if dns == "" {
		dns = a.dns
	}

	p := &backend.Peer{
		PrivateKey:      resp.PrivateKey,
		PublicKey:       resp.PublicKey,
		ClientIP:        resp.ClientIP,
		ServerPublicKey: resp.ServerPubkey,
		Endpoint:        resp.Endpoint,
		DNS:             dns,
	}
	now := time.Now()
	return backend.Identity{
		Handle:    resp.PublicKey,
		Status:    statusActive,
		Protocol:  "wireguard",
		ExpiresAt: spec.ExpiresAt,
		CreatedAt: &now,
		Peer:      p,
		Config: wgconf.Render(wgconf.Peer{
			PrivateKey:      p.PrivateKey,
			ClientIP:        p.ClientIP,
			DNS:             p.DNS,
			ServerPublicKey: p.ServerPublicKey,
			Endpoint:        p.Endpoint,
			AllowedIPs:      wgconf.AllowedIPs(p.Endpoint, a.exclude),
		}),
	}, nil
}

func (a *Adapter) ReadIdentity(ctx context.Context, handle string) (backend.Identity, error) {
	var info peerInfo
	if err := a.client.Do(ctx, backend.Request{
		Op:     "read",
		Method: http.MethodGet,
		Path:   "/peer",
		Query:  url.Values{"public_key": {handle}},
		Header: a.header(),
	}, &info); err != nil {
		return backend.Identity{}, err
	}
	return info.toIdentity(), nil
}

// UpdateIdentity toggles a peer between active and disabled. Peer managers
// have no quota model, so limit and expiry patches are rejected.
func (a *Adapter) UpdateIdentity(ctx context.Context, handle string, patch backend.Patch) (backend.Identity, error) {
	if patch.DataLimitBytes != nil || patch.ExpiresAt != nil {
		return backend.Identity{}, a.unsupported("update", "data limits and expiry")
	}
	if patch.Status == nil {
		return a.ReadIdentity(ctx, handle)
	}

	var enabled bool
	switch *patch.Status {
	case statusActive:
		enabled = true
	case statusDisabled:
	default:
		return backend.Identity{}, a.unsupported("update", "status "+strconv.Quote(*patch.Status))
	}

	var info peerInfo
	if err := a.client.Do(ctx, backend.Request{
		Op:     "update",
		Method: http.MethodPost,
		Path:   "/update",
		JSON: struct {
			PublicKey string `json:"public_key"`
			Enabled   bool   `json:"enabled"`
		}{handle, enabled},
		Header: a.header(),
	}, &info); err != nil {
		return backend.Identity{}, err
	}
	if info.PublicKey == "" {
		info.PublicKey = handle
		info.Enabled = &enabled
	}
	return info.toIdentity(), nil
}

func (a *Adapter) DeleteIdentity(ctx context.Context, handle string) error {
	return a.client.Do(ctx, backend.Request{
		Op:     "delete",
		Method: http.MethodPost,
		Path:   "/delete",
		JSON: struct {
			PublicKey string `json:"public_key"`
		}{handle},
		Header: a.header(),
	}, nil)
}

func (a *Adapter) ReadSystemStats(ctx context.Context) (backend.SystemStats, error) {
	var resp systemResponse
	if err := a.client.Do(ctx, backend.Request{
		Op:     "system",
		Method: http.MethodGet,
		Path:   "/system",
		Header: a.header(),
	}, &resp); err != nil {
		return backend.SystemStats{}, err
	}
	return backend.SystemStats{
		CPUUsage:     resp.CPUUsage,
		MemUsed:      resp.MemUsed,
		MemTotal:     resp.MemTotal,
		OnlineUsers:  resp.OnlinePeers,
		TotalUsers:   resp.TotalPeers,
		BandwidthIn:  resp.RxBytes,
		BandwidthOut: resp.TxBytes,
	}, nil
}

func (a *Adapter) ListIdentities(ctx context.Context, offset, limit int) ([]backend.Identity, int, error) {
	var resp listResponse
	if err := a.client.Do(ctx, backend.Request{
		Op:     "list",
		Method: http.MethodGet,
		Path:   "/peers",
		Query: url.Values{
			"offset": {strconv.Itoa(offset)},
			"limit":  {strconv.Itoa(limit)},
		},
		Header: a.header(),
	}, &resp); err != nil {
		return nil, 0, err
	}
	out := make([]backend.Identity, len(resp.Peers))
	for i, p := range resp.Peers {
		out[i] = p.toIdentity()
	}
	return out, resp.Total, nil
}

func (a *Adapter) unsupported(op, what string) error {
	return &fleet.BackendError{
		Kind:    fleet.ErrBackendRejected,
		Op:      op,
		Server:  a.client.Name(),
		Message: "peer backend does not support " + what,
	}
}

func (p peerInfo) toIdentity() backend.Identity {
	status := statusActive
	if p.Enabled != nil && !*p.Enabled {
		status = statusDisabled
	}
	ident := backend.Identity{
		Handle:           p.PublicKey,
		Status:           status,
		Protocol:         "wireguard",
		UsedTrafficBytes: p.RxBytes + p.TxBytes,
	}
	if p.LastHandshake > 0 {
		t := time.Unix(p.LastHandshake, 0)
		ident.LastOnlineAt = &t
	}
	if p.CreatedAt > 0 {
		t := time.Unix(p.CreatedAt, 0)
		ident.CreatedAt = &t
	}
	if p.ClientIP != "" {
		ident.Peer = &backend.Peer{PublicKey: p.PublicKey, ClientIP: p.ClientIP}
	}
	return ident
}
