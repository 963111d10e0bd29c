package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pochtmanr/dopplerland-sub001/internal/backend"
	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
)

type memServers []fleet.BackendServer

func (m memServers) ListServers(_ context.Context, activeOnly bool) ([]fleet.BackendServer, error) {
	var out []fleet.BackendServer
	for _, s := range m {
		if activeOnly && !s.IsActive {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m memServers) GetServer(_ context.Context, id string) (fleet.BackendServer, error) {
	for _, s := range m {
		if s.ID == id {
			return s, nil
		}
	}
	return fleet.BackendServer{}, fleet.ErrNotFound
}

func (m memServers) DeleteServer(_ context.Context, id string) error {
	for _, s := range m {
		if s.ID == id {
			return nil
		}
	}
	return fleet.ErrNotFound
}

type stubAdapter struct {
	backend.Adapter
	family fleet.Family
	stats  backend.SystemStats
	err    error
}

func (a *stubAdapter) Family() fleet.Family { return a.family }

func (a *stubAdapter) ReadSystemStats(context.Context) (backend.SystemStats, error) {
	return a.stats, a.err
}

type stubFactory struct {
	family fleet.Family
	builds atomic.Int32
	err    error
}

func (f *stubFactory) Family() fleet.Family { return f.family }

func (f *stubFactory) Build(cfg fleet.BackendConfig, _ backend.Options) (backend.Adapter, error) {
	f.builds.Add(1)
	a := &stubAdapter{family: f.family, stats: backend.SystemStats{OnlineUsers: 4}}
	if cfg.EndpointURL == "http://down" {
		a.err = &fleet.BackendError{Kind: fleet.ErrBackendUnreachable, Op: "system"}
	}
	return a, f.err
}

type fixedCountry map[string]string

func (f fixedCountry) Country(ip string) string { return f[ip] }

func peerConfig(url string) json.RawMessage {
	return json.RawMessage(`{"api_url":"` + url + `","api_key":"k"}`)
}

func fleetS1S2() memServers {
	return memServers{
		{ID: "s1", ExternalID: "de-fra", Name: "S1", Family: fleet.FamilyPeer, IsActive: true, IPAddress: "203.0.113.1", ConfigData: peerConfig("http://s1")},
		{ID: "s2", ExternalID: "nl-ams", Name: "S2", Family: fleet.FamilyAccount, IsActive: false, CountryCode: "NL",
			ConfigData: json.RawMessage(`{"api_url":"http://s2","api_key":"k","admin_user":"a","admin_password":"p"}`)},
	}
}

func newTestRegistry(servers memServers, opts Options) (*Registry, *stubFactory, *stubFactory) {
	peer := &stubFactory{family: fleet.FamilyPeer}
	account := &stubFactory{family: fleet.FamilyAccount}
	return New(servers, backend.NewFactories(peer, account), opts, slog.Default()), peer, account
}

func TestResolve(t *testing.T) {
	r, _, _ := newTestRegistry(fleetS1S2(), Options{})
	ctx := context.Background()

	s, err := r.Resolve(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)

	// Inactive servers are still resolvable by explicit selector.
	s, err = r.Resolve(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, "s2", s.ID)

	s, err = r.Resolve(ctx, "nl-ams")
	require.NoError(t, err)
	assert.Equal(t, "s2", s.ID)

	_, err = r.Resolve(ctx, "nope")
	require.ErrorIs(t, err, fleet.ErrNoServerAvailable)
}

func TestResolveIDBeatsExternalID(t *testing.T) {
	servers := memServers{
		{ID: "a", ExternalID: "b", IsActive: true},
		{ID: "b", IsActive: true},
	}
	r, _, _ := newTestRegistry(servers, Options{})

	s, err := r.Resolve(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "b", s.ID)
}

func TestResolveFallback(t *testing.T) {
	r, _, _ := newTestRegistry(fleetS1S2(), Options{FallbackUnknownSelector: true})

	s, err := r.Resolve(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)
}

func TestResolveEmptyFleet(t *testing.T) {
	inactiveOnly := memServers{{ID: "s2", IsActive: false}}
	r, _, _ := newTestRegistry(inactiveOnly, Options{FallbackUnknownSelector: true})

	_, err := r.Resolve(context.Background(), "")
	require.ErrorIs(t, err, fleet.ErrNoServerAvailable)
	_, err = r.Resolve(context.Background(), "nope")
	require.ErrorIs(t, err, fleet.ErrNoServerAvailable)
}

func TestCountryEnrichment(t *testing.T) {
	r, _, _ := newTestRegistry(fleetS1S2(), Options{GeoIP: fixedCountry{"203.0.113.1": "DE"}})

	servers, err := r.ListServers(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "DE", servers[0].CountryCode)
	assert.Equal(t, "NL", servers[1].CountryCode)
}

func TestAdapterCache(t *testing.T) {
	servers := fleetS1S2()
	r, peer, _ := newTestRegistry(servers, Options{})

	a1, err := r.Adapter(servers[0])
	require.NoError(t, err)
	a2, err := r.Adapter(servers[0])
	require.NoError(t, err)
	assert.Same(t, a1, a2)
	assert.EqualValues(t, 1, peer.builds.Load())

	changed := servers[0]
	changed.ConfigData = peerConfig("http://s1-new")
	a3, err := r.Adapter(changed)
	require.NoError(t, err)
	assert.NotSame(t, a1, a3)
	assert.EqualValues(t, 2, peer.builds.Load())

	r.Forget("s1")
	_, err = r.Adapter(changed)
	require.NoError(t, err)
	assert.EqualValues(t, 3, peer.builds.Load())
}

func TestAdapterMisconfigured(t *testing.T) {
	r, peer, _ := newTestRegistry(nil, Options{})

	_, err := r.Adapter(fleet.BackendServer{ID: "x", Family: fleet.FamilyPeer, ConfigData: json.RawMessage(`{"api_url":"http://x"}`)})
	require.ErrorIs(t, err, fleet.ErrMisconfiguredServer)

	_, err = r.Adapter(fleet.BackendServer{ID: "y", Family: fleet.Family("ipsec"), ConfigData: peerConfig("http://y")})
	require.ErrorIs(t, err, fleet.ErrMisconfiguredServer)
	assert.Zero(t, peer.builds.Load())
}

func TestCheckHealth(t *testing.T) {
	servers := memServers{
		{ID: "ok", Name: "ok", Family: fleet.FamilyPeer, IsActive: true, ConfigData: peerConfig("http://ok")},
		{ID: "down", Name: "down", Family: fleet.FamilyPeer, IsActive: true, ConfigData: peerConfig("http://down")},
		{ID: "bad", Name: "bad", Family: fleet.FamilyPeer, IsActive: true, ConfigData: json.RawMessage(`{}`)},
		{ID: "off", Name: "off", Family: fleet.FamilyPeer, IsActive: false, ConfigData: peerConfig("http://off")},
	}
	r, _, _ := newTestRegistry(servers, Options{})

	got := r.CheckHealth(context.Background())
	require.Len(t, got, 3)
	assert.Equal(t, StateHealthy, got[0].State)
	require.NotNil(t, got[0].Stats)
	assert.EqualValues(t, 4, got[0].Stats.OnlineUsers)
	require.NotNil(t, got[0].LatencyMS)
	assert.Equal(t, StateDown, got[1].State)
	assert.Equal(t, StateMisconfigured, got[2].State)
	assert.Equal(t, "server not properly configured", got[2].Error)

	assert.Equal(t, got, r.Statuses())

	events := map[string]Event{}
	for range 3 {
		ev := <-r.Events()
		events[ev.ServerID] = ev
	}
	assert.Equal(t, StateUnknown, events["ok"].OldState)
	assert.Equal(t, StateHealthy, events["ok"].NewState)
	assert.Equal(t, StateDown, events["down"].NewState)

	// A second identical round publishes nothing new.
	r.CheckHealth(context.Background())
	select {
	case ev := <-r.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestRemove(t *testing.T) {
	servers := fleetS1S2()
	r, peer, _ := newTestRegistry(servers, Options{})
	ctx := context.Background()

	_, err := r.Adapter(servers[0])
	require.NoError(t, err)
	r.CheckHealth(ctx)
	require.NotEmpty(t, r.Statuses())

	require.NoError(t, r.Remove(ctx, "s1"))
	assert.Empty(t, r.Statuses())

	_, err = r.Adapter(servers[0])
	require.NoError(t, err)
	assert.EqualValues(t, 2, peer.builds.Load())

	err = r.Remove(ctx, "missing")
	require.ErrorIs(t, err, fleet.ErrNotFound)
}
