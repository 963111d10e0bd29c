package registry

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pochtmanr/dopplerland-sub001/internal/backend"
	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
	"github.com/pochtmanr/dopplerland-sub001/internal/metrics"
)

// State is the health of one backend server as seen by the last probe.
type State string

const (
	StateUnknown       State = "unknown"
	StateHealthy       State = "healthy"
	StateDegraded      State = "degraded"
	StateDown          State = "down"
	StateMisconfigured State = "misconfigured"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 10 * time.Second
	probeConcurrency     = 8
)

// Event is emitted when a server changes state.
type Event struct {
	ServerID string
	Name     string
	OldState State
	NewState State
	Error    string
}

// HealthStatus is a read-only snapshot of one server's health.
type HealthStatus struct {
	ServerID    string               `json:"server_id"`
	Name        string               `json:"name"`
	Family      fleet.Family         `json:"protocol_family"`
	CountryCode string               `json:"country_code"`
	IPAddress   string               `json:"ip_address"`
	State       State                `json:"status"`
	LatencyMS   *int64               `json:"latency_ms"`
	Stats       *backend.SystemStats `json:"stats"`
	Error       string               `json:"error,omitempty"`
	CheckedAt   time.Time            `json:"checked_at"`
}

type healthEntry struct {
	status HealthStatus
}

// Events returns the channel state changes are published on. Events are
// dropped when nobody drains it.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// RunHealthChecks probes every active server once, then on each interval
// until ctx is done.
func (r *Registry) RunHealthChecks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	r.CheckHealth(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckHealth(ctx)
		}
	}
}

// CheckHealth probes all active servers concurrently and returns the fresh
// snapshots in stored order.
func (r *Registry) CheckHealth(ctx context.Context) []HealthStatus {
	servers, err := r.ListServers(ctx, true)
	if err != nil {
		r.logger.Error("registry: health check: listing servers", "err", err)
		return r.Statuses()
	}

	results := make([]HealthStatus, len(servers))
	g := new(errgroup.Group)
	g.SetLimit(probeConcurrency)
	for i, s := range servers {
		g.Go(func() error {
			results[i] = r.probe(ctx, s)
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	r.order = r.order[:0]
	for _, st := range results {
		r.order = append(r.order, st.ServerID)
		r.setHealth(st)
	}
	r.mu.Unlock()
	return results
}

func (r *Registry) probe(ctx context.Context, s fleet.BackendServer) HealthStatus {
	st := HealthStatus{
		ServerID:    s.ID,
		Name:        s.Name,
		Family:      s.Family,
		CountryCode: s.CountryCode,
		IPAddress:   s.IPAddress,
		CheckedAt:   time.Now(),
	}

	a, err := r.Adapter(s)
	if err != nil {
		st.State = StateMisconfigured
		st.Error = fleet.ErrMisconfiguredServer.Error()
		metrics.ServerHealthy.WithLabelValues(s.Name).Set(0)
		return st
	}

	timeout := r.opts.BackendTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stats, err := a.ReadSystemStats(pctx)
	elapsed := time.Since(start)
	ms := elapsed.Milliseconds()
	st.LatencyMS = &ms
	metrics.ServerProbeLatency.WithLabelValues(s.Name).Set(elapsed.Seconds())

	switch {
	case err == nil:
		st.State = StateHealthy
		st.Stats = &stats
		metrics.ServerHealthy.WithLabelValues(s.Name).Set(1)
		metrics.ServerOnlineUsers.WithLabelValues(s.Name).Set(float64(stats.OnlineUsers))
		r.logger.Debug("registry: health check passed", "server", s.ID, "name", s.Name, "latency", elapsed)
		return st
	case errors.Is(err, fleet.ErrMisconfiguredServer):
		st.State = StateMisconfigured
	case errors.Is(err, fleet.ErrBackendUnreachable):
		st.State = StateDown
	default:
		// Reachable but refusing the request.
		st.State = StateDegraded
	}
	st.Error = errorText(err)
	metrics.ServerHealthy.WithLabelValues(s.Name).Set(0)
	r.logger.Warn("registry: health check failed", "server", s.ID, "name", s.Name, "state", st.State, "err", err)
	return st
}

// setHealth records st and publishes a change event. Callers hold r.mu.
func (r *Registry) setHealth(st HealthStatus) {
	e, ok := r.health[st.ServerID]
	if !ok {
		e = &healthEntry{status: HealthStatus{State: StateUnknown}}
		r.health[st.ServerID] = e
	}
	old := e.status.State
	e.status = st
	if old == st.State {
		return
	}

	select {
	case r.events <- Event{
		ServerID: st.ServerID,
		Name:     st.Name,
		OldState: old,
		NewState: st.State,
		Error:    st.Error,
	}:
	default:
		r.logger.Warn("registry: health event channel full, dropping event",
			"server", st.ServerID, "old", old, "new", st.State)
	}
}

// Statuses returns the last known health of every probed server.
func (r *Registry) Statuses() []HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]HealthStatus, 0, len(r.order))
	for _, id := range r.order {
		if e, ok := r.health[id]; ok {
			out = append(out, e.status)
		}
	}
	return out
}

func errorText(err error) string {
	if msg := fleet.BackendMessage(err); msg != "" {
		return msg
	}
	return err.Error()
}
