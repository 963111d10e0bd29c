// Package api serves the client and operator JSON API over the reconciler
// and the query service.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/pochtmanr/dopplerland-sub001/internal/backend"
	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
	"github.com/pochtmanr/dopplerland-sub001/internal/query"
	"github.com/pochtmanr/dopplerland-sub001/internal/reconciler"
	"github.com/pochtmanr/dopplerland-sub001/internal/registry"
	"github.com/pochtmanr/dopplerland-sub001/internal/syncer"
)

type Reconciler interface {
	Provision(ctx context.Context, req reconciler.ProvisionRequest) (reconciler.ProvisionResult, error)
	Disconnect(ctx context.Context, req reconciler.DisconnectRequest) (reconciler.DisconnectResult, error)
	Update(ctx context.Context, identityID string, patch backend.Patch) (fleet.Identity, error)
	UpdateHandle(ctx context.Context, selector, handle string, patch backend.Patch) (backend.Identity, error)
	RemoveOrphan(ctx context.Context, selector, handle string) error
}

type Query interface {
	ListIdentities(ctx context.Context, f fleet.IdentityFilter, offset, limit int) (query.Page, error)
	ReadOneIdentity(ctx context.Context, selector, handle string) (backend.Identity, error)
	Dashboard(ctx context.Context, selector string, offset, limit int) (query.Dashboard, error)
	Overview(ctx context.Context) (query.Overview, error)
	Health(ctx context.Context, fresh bool) []registry.HealthStatus
}

type Servers interface {
	ListServers(ctx context.Context, activeOnly bool) ([]fleet.BackendServer, error)
}

// Records covers operator actions taken on the record store alone.
type Records interface {
	DeleteIdentity(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

type Syncer interface {
	SyncAll(ctx context.Context) ([]syncer.Result, error)
}

type Options struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	JWTSecret    []byte
	Issuer       string
}

// Server serves the client and operator routes.
type Server struct {
	rec     Reconciler
	query   Query
	servers Servers
	records Records
	syncer  Syncer
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

func New(rec Reconciler, q Query, servers Servers, records Records, sync Syncer, opts Options, logger *slog.Logger) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 60 * time.Second
	}
	return &Server{
		rec:     rec,
		query:   q,
		servers: servers,
		records: records,
		syncer:  sync,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Client routes.
	mux.HandleFunc("/api/vpn/servers", s.handleClientServers)
	mux.HandleFunc("/api/vpn/connect", s.handleConnect)
	mux.HandleFunc("/api/vpn/disconnect", s.handleDisconnect)

	// Operator routes.
	mux.HandleFunc("/api/admin/servers", s.operatorOnly(s.handleAdminServers))
	mux.HandleFunc("/api/admin/overview", s.operatorOnly(s.handleOverview))
	mux.HandleFunc("/api/admin/health", s.operatorOnly(s.handleHealth))
	mux.HandleFunc("/api/admin/identities", s.operatorOnly(s.handleListIdentities))
	mux.HandleFunc("/api/admin/identities/", s.operatorOnly(s.handleIdentityRoute))
	mux.HandleFunc("/api/admin/backend", s.operatorOnly(s.handleBackendRoute))
	mux.HandleFunc("/api/admin/backend/", s.operatorOnly(s.handleBackendItemRoute))
	mux.HandleFunc("/api/admin/sync", s.operatorOnly(s.handleSync))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.records.Ping(r.Context()); err != nil {
			s.logger.Warn("api: database ping failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.opts.Listen, err)
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server started", "listen", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}
