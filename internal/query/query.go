// Package query answers read-only questions about the fleet. It never
// mutates a backend or the record store.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pochtmanr/dopplerland-sub001/internal/backend"
	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
	"github.com/pochtmanr/dopplerland-sub001/internal/registry"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200

	unknownServerName = "Unknown"
	unknownCountry    = "??"
)

// Store is the record store view the query service reads.
type Store interface {
	ListIdentities(ctx context.Context, f fleet.IdentityFilter, offset, limit int) ([]fleet.Identity, int, error)
	UsageCounts(ctx context.Context) (map[string]fleet.UsageCounts, error)
}

// Registry resolves servers, adapters and health.
type Registry interface {
	ListServers(ctx context.Context, activeOnly bool) ([]fleet.BackendServer, error)
	Resolve(ctx context.Context, selector string) (fleet.BackendServer, error)
	Adapter(s fleet.BackendServer) (backend.Adapter, error)
	Statuses() []registry.HealthStatus
	CheckHealth(ctx context.Context) []registry.HealthStatus
}

// Service is the fleet query service.
type Service struct {
	store    Store
	registry Registry
	logger   *slog.Logger
}

func New(st Store, reg Registry, logger *slog.Logger) *Service {
	return &Service{store: st, registry: reg, logger: logger}
}

// Row is a local identity joined with its owning server.
type Row struct {
	fleet.Identity
	ServerName  string `json:"server_name"`
	CountryCode string `json:"country_code"`
}

// Page is one page of identities plus the full filtered count.
type Page struct {
	Rows   []Row `json:"identities"`
	Total  int   `json:"total"`
	Offset int   `json:"offset"`
	Limit  int   `json:"limit"`
}

// ClampLimit applies the default and the hard cap to a requested page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// ListIdentities returns local identities matching f, newest first.
func (s *Service) ListIdentities(ctx context.Context, f fleet.IdentityFilter, offset, limit int) (Page, error) {
	limit = ClampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	var (
		idents  []fleet.Identity
		total   int
		servers []fleet.BackendServer
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		idents, total, err = s.store.ListIdentities(gctx, f, offset, limit)
		return err
	})
	g.Go(func() error {
		var err error
		servers, err = s.registry.ListServers(gctx, false)
		return err
	})
	if err := g.Wait(); err != nil {
		return Page{}, fmt.Errorf("query: list identities: %w", err)
	}

	byID := make(map[string]fleet.BackendServer, len(servers))
	for _, srv := range servers {
		byID[srv.ID] = srv
	}

	rows := make([]Row, len(idents))
	for i, ident := range idents {
		// Client configs carry private keys and are not part of listings.
		ident.ConfigData = ""
		row := Row{Identity: ident, ServerName: unknownServerName, CountryCode: unknownCountry}
		if srv, ok := byID[ident.ServerID]; ok {
			if srv.Name != "" {
				row.ServerName = srv.Name
			}
			if srv.CountryCode != "" {
				row.CountryCode = srv.CountryCode
			}
		}
		rows[i] = row
	}
	return Page{Rows: rows, Total: total, Offset: offset, Limit: limit}, nil
}

// ReadOneIdentity reads an identity live from the backend of the selected
// server. The local store is not consulted.
func (s *Service) ReadOneIdentity(ctx context.Context, selector, handle string) (backend.Identity, error) {
	_, adapter, err := s.resolve(ctx, selector)
	if err != nil {
		return backend.Identity{}, err
	}
	ident, err := adapter.ReadIdentity(ctx, handle)
	if err != nil {
		return backend.Identity{}, fmt.Errorf("query: read %s: %w", handle, err)
	}
	return ident, nil
}

func (s *Service) resolve(ctx context.Context, selector string) (fleet.BackendServer, backend.Adapter, error) {
	srv, err := s.registry.Resolve(ctx, selector)
	if err != nil {
		return fleet.BackendServer{}, nil, err
	}
	adapter, err := s.registry.Adapter(srv)
	if err != nil {
		return fleet.BackendServer{}, nil, err
	}
	return srv, adapter, nil
}

// Dashboard is the live view of one backend.
type Dashboard struct {
	Server     fleet.BackendServer `json:"server"`
	System     backend.SystemStats `json:"system"`
	Identities []backend.Identity  `json:"users"`
	Total      int                 `json:"total"`
}

// Dashboard fetches system stats and a page of the backend's identities
// concurrently.
func (s *Service) Dashboard(ctx context.Context, selector string, offset, limit int) (Dashboard, error) {
	srv, adapter, err := s.resolve(ctx, selector)
	if err != nil {
		return Dashboard{}, err
	}
	d := Dashboard{Server: srv}
	limit = ClampLimit(limit)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		d.System, err = adapter.ReadSystemStats(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		d.Identities, d.Total, err = adapter.ListIdentities(gctx, offset, limit)
		return err
	})
	if err := g.Wait(); err != nil {
		return Dashboard{}, fmt.Errorf("query: dashboard %s: %w", srv.Name, err)
	}
	if d.Identities == nil {
		d.Identities = []backend.Identity{}
	}
	return d, nil
}

// ServerOverview is one server with local usage counts and live stats.
type ServerOverview struct {
	fleet.BackendServer
	Live       *backend.SystemStats `json:"live"`
	LiveError  string               `json:"live_error,omitempty"`
	UserCounts fleet.UsageCounts    `json:"user_counts"`
}

// Totals sums the overview across servers.
type Totals struct {
	TotalUsers  int            `json:"total_users"`
	OnlineUsers int64          `json:"online_users"`
	ByPlatform  map[string]int `json:"by_platform"`
	ByProtocol  map[string]int `json:"by_protocol"`
}

type Overview struct {
	Servers []ServerOverview `json:"servers"`
	Totals  Totals           `json:"totals"`
}

// Overview reports every server. A server whose stats cannot be read is
// listed with a nil Live and the reason.
func (s *Service) Overview(ctx context.Context) (Overview, error) {
	servers, err := s.registry.ListServers(ctx, false)
	if err != nil {
		return Overview{}, fmt.Errorf("query: overview: %w", err)
	}
	counts, err := s.store.UsageCounts(ctx)
	if err != nil {
		return Overview{}, fmt.Errorf("query: overview: %w", err)
	}

	out := make([]ServerOverview, len(servers))
	var wg sync.WaitGroup
	for i, srv := range servers {
		ov := ServerOverview{BackendServer: srv, UserCounts: counts[srv.ID]}
		if ov.UserCounts.ByPlatform == nil {
			ov.UserCounts.ByPlatform = map[string]int{}
		}
		if ov.UserCounts.ByProtocol == nil {
			ov.UserCounts.ByProtocol = map[string]int{}
		}
		out[i] = ov

		wg.Add(1)
		go func() {
			defer wg.Done()
			stats, err := s.liveStats(ctx, srv)
			if err != nil {
				s.logger.Debug("query: live stats unavailable", "server", srv.ID, "err", err)
				out[i].LiveError = err.Error()
				return
			}
			out[i].Live = &stats
		}()
	}
	wg.Wait()

	totals := Totals{ByPlatform: map[string]int{}, ByProtocol: map[string]int{}}
	for _, ov := range out {
		totals.TotalUsers += ov.UserCounts.Total
		if ov.Live != nil {
			totals.OnlineUsers += ov.Live.OnlineUsers
		}
		for k, v := range ov.UserCounts.ByPlatform {
			totals.ByPlatform[k] += v
		}
		for k, v := range ov.UserCounts.ByProtocol {
			totals.ByProtocol[k] += v
		}
	}
	return Overview{Servers: out, Totals: totals}, nil
}

func (s *Service) liveStats(ctx context.Context, srv fleet.BackendServer) (backend.SystemStats, error) {
	adapter, err := s.registry.Adapter(srv)
	if err != nil {
		return backend.SystemStats{}, err
	}
	return adapter.ReadSystemStats(ctx)
}

// Health returns the monitor's last snapshots, or probes now when fresh is
// set or nothing has been probed yet.
func (s *Service) Health(ctx context.Context, fresh bool) []registry.HealthStatus {
	if !fresh {
		if st := s.registry.Statuses(); len(st) > 0 {
			return st
		}
	}
	return s.registry.CheckHealth(ctx)
}
