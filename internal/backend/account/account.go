// Package account is the adapter for Marzban-style user managers. The
// username is the backend handle.
package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/pochtmanr/dopplerland-sub001/internal/backend"
	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
)

// TokenTTL is how long an admin token is reused before it is refreshed.
const TokenTTL = 55 * time.Minute

// Protocol preference when a user exposes several proxies.
var protocolOrder = []string{"vless", "shadowsocks", "trojan"}

const defaultProtocol = "vless"

// Adapter talks to one account manager.
type Adapter struct {
	client   *backend.Client
	apiKey   string
	user     string
	password string
	now      func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

var _ backend.Adapter = (*Adapter)(nil)

// New creates an adapter from a server's connection config.
func New(cfg fleet.BackendConfig, opts backend.Options) *Adapter {
	return &Adapter{
		client:   backend.NewClient(opts.Name, fleet.FamilyAccount, cfg.EndpointURL, opts.Timeout),
		apiKey:   cfg.Credential,
		user:     cfg.AdminUser,
		password: cfg.AdminPassword,
		now:      time.Now,
	}
}

// Factory builds account adapters.
type Factory struct{}

func (Factory) Family() fleet.Family { return fleet.FamilyAccount }

func (Factory) Build(cfg fleet.BackendConfig, opts backend.Options) (backend.Adapter, error) {
	return New(cfg, opts), nil
}

func (a *Adapter) Family() fleet.Family { return fleet.FamilyAccount }

type userRequest struct {
	Username               string                    `json:"username,omitempty"`
	Proxies                map[string]map[string]any `json:"proxies,omitempty"`
	Expire                 *int64                    `json:"expire,omitempty"`
	DataLimit              *int64                    `json:"data_limit,omitempty"`
	DataLimitResetStrategy string                    `json:"data_limit_reset_strategy,omitempty"`
	Status                 string                    `json:"status,omitempty"`
	Note                   string                    `json:"note,omitempty"`
}

type userResponse struct {
	Username        string                     `json:"username"`
	Status          string                     `json:"status"`
	UsedTraffic     int64                      `json:"used_traffic"`
	DataLimit       *int64                     `json:"data_limit"`
	Expire          *int64                     `json:"expire"`
	Proxies         map[string]json.RawMessage `json:"proxies"`
	Links           []string                   `json:"links"`
	SubscriptionURL string                     `json:"subscription_url"`
	OnlineAt        string                     `json:"online_at"`
	CreatedAt       string                     `json:"created_at"`
}

type usersResponse struct {
	Users []userResponse `json:"users"`
	Total int            `json:"total"`
}

type systemResponse struct {
	CPUUsage          float64 `json:"cpu_usage"`
	MemUsed           int64   `json:"mem_used"`
	MemTotal          int64   `json:"mem_total"`
	UsersActive       int64   `json:"users_active"`
	OnlineUsers       int64   `json:"online_users"`
	TotalUser         int64   `json:"total_user"`
	IncomingBandwidth int64   `json:"incoming_bandwidth"`
	OutgoingBandwidth int64   `json:"outgoing_bandwidth"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

func (a *Adapter) CreateIdentity(ctx context.Context, spec backend.CreateSpec) (backend.Identity, error) {
	if spec.Handle == "" {
		return backend.Identity{}, &fleet.BackendError{
			Kind: fleet.ErrBackendRejected, Op: "create", Server: a.client.Name(),
			Message: "username is required",
		}
	}
	protocol := spec.Protocol
	if protocol == "" {
		protocol = defaultProtocol
	}
	req := userRequest{
		Username:               spec.Handle,
		Proxies:                map[string]map[string]any{protocol: {}},
		DataLimit:              spec.DataLimitBytes,
		DataLimitResetStrategy: "no_reset",
		Status:                 "active",
		Note:                   spec.Note,
	}
	if spec.ExpiresAt != nil {
		exp := spec.ExpiresAt.Unix()
		req.Expire = &exp
	}

	var resp userResponse
	if err := a.call(ctx, backend.Request{
		Op:     "create",
		Method: http.MethodPost,
		Path:   "/user",
		JSON:   req,
	}, &resp); err != nil {
		return backend.Identity{}, err
	}
	if resp.Username == "" {
		resp.Username = spec.Handle
	}
	return resp.toIdentity(), nil
}

func (a *Adapter) ReadIdentity(ctx context.Context, handle string) (backend.Identity, error) {
	var resp userResponse
	if err := a.call(ctx, backend.Request{
		Op:     "read",
		Method: http.MethodGet,
		Path:   "/user/" + url.PathEscape(handle),
	}, &resp); err != nil {
		return backend.Identity{}, err
	}
	return resp.toIdentity(), nil
}

// UpdateIdentity applies patch. A zero data limit or expiry clears it, which
// the panel encodes as 0.
func (a *Adapter) UpdateIdentity(ctx context.Context, handle string, patch backend.Patch) (backend.Identity, error) {
	var req userRequest
	if patch.Status != nil {
		req.Status = *patch.Status
	}
	if patch.DataLimitBytes != nil {
		v := *patch.DataLimitBytes
		req.DataLimit = &v
	}
	if patch.ExpiresAt != nil {
		var exp int64
		if !patch.ExpiresAt.IsZero() {
			exp = patch.ExpiresAt.Unix()
		}
		req.Expire = &exp
	}

	var resp userResponse
	if err := a.call(ctx, backend.Request{
		Op:     "update",
		Method: http.MethodPut,
		Path:   "/user/" + url.PathEscape(handle),
		JSON:   req,
	}, &resp); err != nil {
		return backend.Identity{}, err
	}
	if resp.Username == "" {
		resp.Username = handle
	}
	return resp.toIdentity(), nil
}

func (a *Adapter) DeleteIdentity(ctx context.Context, handle string) error {
	return a.call(ctx, backend.Request{
		Op:     "delete",
		Method: http.MethodDelete,
		Path:   "/user/" + url.PathEscape(handle),
	}, nil)
}

func (a *Adapter) ReadSystemStats(ctx context.Context) (backend.SystemStats, error) {
	var resp systemResponse
	if err := a.call(ctx, backend.Request{
		Op:     "system",
		Method: http.MethodGet,
		Path:   "/system",
	}, &resp); err != nil {
		return backend.SystemStats{}, err
	}
	return backend.SystemStats{
		CPUUsage:     resp.CPUUsage,
		MemUsed:      resp.MemUsed,
		MemTotal:     resp.MemTotal,
		OnlineUsers:  resp.OnlineUsers,
		TotalUsers:   resp.TotalUser,
		BandwidthIn:  resp.IncomingBandwidth,
		BandwidthOut: resp.OutgoingBandwidth,
	}, nil
}

func (a *Adapter) ListIdentities(ctx context.Context, offset, limit int) ([]backend.Identity, int, error) {
	var resp usersResponse
	if err := a.call(ctx, backend.Request{
		Op:     "list",
		Method: http.MethodGet,
		Path:   "/users",
		Query: url.Values{
			"offset": {strconv.Itoa(offset)},
			"limit":  {strconv.Itoa(limit)},
		},
	}, &resp); err != nil {
		return nil, 0, err
	}
	out := make([]backend.Identity, len(resp.Users))
	for i, u := range resp.Users {
		out[i] = u.toIdentity()
	}
	return out, resp.Total, nil
}

// call performs an authenticated request, refreshing the token once when the
// panel answers 401.
func (a *Adapter) call(ctx context.Context, req backend.Request, out any) error {
	token, err := a.getToken(ctx, false)
	if err != nil {
		return err
	}
	err = a.client.Do(ctx, a.authorize(req, token), out)
	if backend.StatusCode(err) != http.StatusUnauthorized {
		return err
	}
	token, err = a.getToken(ctx, true)
	if err != nil {
		return err
	}
	return a.client.Do(ctx, a.authorize(req, token), out)
}

func (a *Adapter) authorize(req backend.Request, token string) backend.Request {
	h := http.Header{}
	for k, v := range req.Header {
		h[k] = v
	}
	h.Set("Authorization", "Bearer "+token)
	h.Set("X-Marzban-Key", a.apiKey)
	req.Header = h
	return req
}

func (a *Adapter) getToken(ctx context.Context, refresh bool) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !refresh && a.token != "" && a.now().Before(a.expires) {
		return a.token, nil
	}

	h := http.Header{}
	h.Set("X-Marzban-Key", a.apiKey)
	var resp tokenResponse
	err := a.client.Do(ctx, backend.Request{
		Op:     "token",
		Method: http.MethodPost,
		Path:   "/admin/token",
		Form:   url.Values{"username": {a.user}, "password": {a.password}},
		Header: h,
	}, &resp)
	if err != nil {
		a.token = ""
		// Bad admin credentials are a server configuration problem, not a
		// per-request rejection.
		if errors.Is(err, fleet.ErrBackendRejected) || errors.Is(err, fleet.ErrNotFound) {
			return "", fmt.Errorf("account: authenticating with %s: %w (%w)", a.client.Name(), fleet.ErrMisconfiguredServer, err)
		}
		return "", err
	}
	if resp.AccessToken == "" {
		return "", &fleet.BackendError{
			Kind: fleet.ErrBackendRejected, Op: "token", Server: a.client.Name(),
			Message: "token response has no access_token",
		}
	}
	a.token = resp.AccessToken
	a.expires = a.now().Add(TokenTTL)
	return a.token, nil
}

func (u userResponse) toIdentity() backend.Identity {
	ident := backend.Identity{
		Handle:           u.Username,
		Status:           u.Status,
		Protocol:         detectProtocol(u.Proxies),
		UsedTrafficBytes: u.UsedTraffic,
		Config:           u.SubscriptionURL,
		Links:            u.Links,
	}
	if u.DataLimit != nil && *u.DataLimit > 0 {
		v := *u.DataLimit
		ident.DataLimitBytes = &v
	}
	if u.Expire != nil && *u.Expire > 0 {
		t := time.Unix(*u.Expire, 0)
		ident.ExpiresAt = &t
	}
	ident.LastOnlineAt = parseTime(u.OnlineAt)
	ident.CreatedAt = parseTime(u.CreatedAt)
	return ident
}

func detectProtocol[V any](proxies map[string]V) string {
	for _, p := range protocolOrder {
		if _, ok := proxies[p]; ok {
			return p
		}
	}
	return defaultProtocol
}

// The panel emits naive UTC timestamps, sometimes with fractional seconds.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
