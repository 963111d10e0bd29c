// Package syncer pulls usage counters from every active backend into the
// local identity rows.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pochtmanr/dopplerland-sub001/internal/backend"
	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
	"github.com/pochtmanr/dopplerland-sub001/internal/metrics"
	"github.com/pochtmanr/dopplerland-sub001/internal/store"
)

const (
	DefaultPageSize = 100
	DefaultInterval = 5 * time.Minute

	// maxPages bounds one server's listing if a backend keeps returning
	// full pages.
	maxPages = 10000
)

// Store receives the flushed counters.
type Store interface {
	FlushUsage(ctx context.Context, serverID string, snaps []fleet.UsageSnapshot) (store.FlushResult, error)
}

// Registry lists servers and hands out adapters.
type Registry interface {
	ListServers(ctx context.Context, activeOnly bool) ([]fleet.BackendServer, error)
	Adapter(s fleet.BackendServer) (backend.Adapter, error)
}

// Result is the outcome for one server.
type Result struct {
	ServerID  string   `json:"server_id"`
	Server    string   `json:"server"`
	Synced    int      `json:"synced"`
	Untracked int      `json:"untracked"`
	Errors    int      `json:"errors"`
	Error     string   `json:"error,omitempty"`
	Handles   []string `json:"untracked_handles,omitempty"`
}

// Syncer copies backend usage into the record store.
type Syncer struct {
	store    Store
	registry Registry
	pageSize int
	logger   *slog.Logger
}

func New(st Store, reg Registry, pageSize int, logger *slog.Logger) *Syncer {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Syncer{store: st, registry: reg, pageSize: pageSize, logger: logger}
}

// Run syncs on every interval until ctx is done.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SyncAll(ctx); err != nil {
				s.logger.Error("syncer: sync failed", "err", err)
			}
		}
	}
}

// SyncAll syncs every active server in stored order. A failing server is
// recorded in its Result and does not stop the others.
func (s *Syncer) SyncAll(ctx context.Context) ([]Result, error) {
	servers, err := s.registry.ListServers(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("syncer: %w", err)
	}

	results := make([]Result, 0, len(servers))
	for _, srv := range servers {
		res := s.SyncServer(ctx, srv)
		results = append(results, res)
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
	}
	return results, nil
}

// SyncServer pages through one backend and flushes its counters.
func (s *Syncer) SyncServer(ctx context.Context, srv fleet.BackendServer) Result {
	res := Result{ServerID: srv.ID, Server: srv.Name}
	fail := func(err error) Result {
		res.Errors++
		res.Error = err.Error()
		metrics.SyncErrorsTotal.WithLabelValues(srv.Name).Inc()
		s.logger.Warn("syncer: server sync failed", "server", srv.ID, "name", srv.Name, "err", err)
		return res
	}

	adapter, err := s.registry.Adapter(srv)
	if err != nil {
		return fail(err)
	}

	var snaps []fleet.UsageSnapshot
	for page, offset := 0, 0; page < maxPages; page++ {
		idents, _, err := adapter.ListIdentities(ctx, offset, s.pageSize)
		if err != nil {
			return fail(err)
		}
		for _, ident := range idents {
			snaps = append(snaps, fleet.UsageSnapshot{
				Handle:       ident.Handle,
				TrafficBytes: ident.UsedTrafficBytes,
				LastOnlineAt: ident.LastOnlineAt,
			})
		}
		if len(idents) < s.pageSize {
			break
		}
		offset += s.pageSize
	}

	flushed, err := s.store.FlushUsage(ctx, srv.ID, snaps)
	if err != nil {
		return fail(err)
	}
	res.Synced = flushed.Updated
	res.Untracked = len(flushed.Untracked)
	res.Handles = flushed.Untracked

	metrics.SyncIdentitiesTotal.WithLabelValues(srv.Name, "synced").Add(float64(res.Synced))
	metrics.SyncIdentitiesTotal.WithLabelValues(srv.Name, "untracked").Add(float64(res.Untracked))
	s.logger.Info("syncer: server synced",
		"server", srv.ID, "name", srv.Name, "synced", res.Synced, "untracked", res.Untracked)
	return res
}
