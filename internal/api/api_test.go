package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pochtmanr/dopplerland-sub001/internal/backend"
	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
	"github.com/pochtmanr/dopplerland-sub001/internal/query"
	"github.com/pochtmanr/dopplerland-sub001/internal/reconciler"
	"github.com/pochtmanr/dopplerland-sub001/internal/registry"
	"github.com/pochtmanr/dopplerland-sub001/internal/store"
	"github.com/pochtmanr/dopplerland-sub001/internal/syncer"
)

var testSecret = []byte("0123456789abcdef0123")

type fakeRec struct {
	provision    func(reconciler.ProvisionRequest) (reconciler.ProvisionResult, error)
	disconnect   func(reconciler.DisconnectRequest) (reconciler.DisconnectResult, error)
	update       func(string, backend.Patch) (fleet.Identity, error)
	updateHandle func(string, string, backend.Patch) (backend.Identity, error)
	removeOrphan func(string, string) error
}

func (f *fakeRec) Provision(_ context.Context, req reconciler.ProvisionRequest) (reconciler.ProvisionResult, error) {
	return f.provision(req)
}

func (f *fakeRec) Disconnect(_ context.Context, req reconciler.DisconnectRequest) (reconciler.DisconnectResult, error) {
	return f.disconnect(req)
}

func (f *fakeRec) Update(_ context.Context, id string, p backend.Patch) (fleet.Identity, error) {
	return f.update(id, p)
}

func (f *fakeRec) UpdateHandle(_ context.Context, sel, handle string, p backend.Patch) (backend.Identity, error) {
	return f.updateHandle(sel, handle, p)
}

func (f *fakeRec) RemoveOrphan(_ context.Context, sel, handle string) error {
	return f.removeOrphan(sel, handle)
}

type fakeQuery struct {
	filter   fleet.IdentityFilter
	page     [2]int
	readArgs [2]string
	health   []registry.HealthStatus
	fresh    bool
}

func (q *fakeQuery) ListIdentities(_ context.Context, f fleet.IdentityFilter, offset, limit int) (query.Page, error) {
	q.filter, q.page = f, [2]int{offset, limit}
	return query.Page{Total: 1, Offset: offset, Limit: limit, Rows: []query.Row{{ServerName: "S1"}}}, nil
}

func (q *fakeQuery) ReadOneIdentity(_ context.Context, selector, handle string) (backend.Identity, error) {
	q.readArgs = [2]string{selector, handle}
	return backend.Identity{Handle: handle, Status: "active"}, nil
}

func (q *fakeQuery) Dashboard(_ context.Context, selector string, offset, limit int) (query.Dashboard, error) {
	if selector == "nowhere" {
		return query.Dashboard{}, fleet.ErrNoServerAvailable
	}
	return query.Dashboard{Total: 3}, nil
}

func (q *fakeQuery) Overview(context.Context) (query.Overview, error) {
	return query.Overview{Totals: query.Totals{TotalUsers: 4}}, nil
}

func (q *fakeQuery) Health(_ context.Context, fresh bool) []registry.HealthStatus {
	q.fresh = fresh
	return q.health
}

type fakeServers []fleet.BackendServer

func (f fakeServers) ListServers(_ context.Context, activeOnly bool) ([]fleet.BackendServer, error) {
	var out []fleet.BackendServer
	for _, s := range f {
		if !activeOnly || s.IsActive {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeRecords struct {
	rows    map[string]bool
	pingErr error
}

func (f *fakeRecords) DeleteIdentity(_ context.Context, id string) error {
	if !f.rows[id] {
		return fmt.Errorf("store: delete identity %s: %w", id, fleet.ErrNotFound)
	}
	delete(f.rows, id)
	return nil
}

func (f *fakeRecords) Ping(context.Context) error { return f.pingErr }

type fakeSyncer struct{}

func (fakeSyncer) SyncAll(context.Context) ([]syncer.Result, error) {
	return []syncer.Result{
		{ServerID: "a", Synced: 3, Untracked: 1},
		{ServerID: "b", Errors: 1, Error: "backend unreachable"},
	}, nil
}

type harness struct {
	srv     *Server
	rec     *fakeRec
	query   *fakeQuery
	records *fakeRecords
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{rec: &fakeRec{}, query: &fakeQuery{}, records: &fakeRecords{rows: map[string]bool{}}}
	servers := fakeServers{
		{ID: "s1", Name: "Frankfurt", Family: fleet.FamilyPeer, IsActive: true},
		{ID: "s2", Name: "Amsterdam", Family: fleet.FamilyAccount, IsActive: true},
		{ID: "s3", Name: "Retired", Family: fleet.FamilyPeer},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.srv = New(h.rec, h.query, servers, h.records, fakeSyncer{}, Options{JWTSecret: testSecret, Issuer: "fleetd"}, logger)
	return h
}

func (h *harness) do(t *testing.T, method, path, body, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func operatorToken(t *testing.T) string {
	t.Helper()
	tok, err := MintToken(testSecret, "fleetd", "alice", RoleOperator, time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

func TestOperatorAuth(t *testing.T) {
	h := newHarness(t)
	now := time.Now()

	wrongSecret, err := MintToken([]byte("another-secret-of-length"), "fleetd", "bob", RoleAdmin, time.Hour, now)
	require.NoError(t, err)
	expired, err := MintToken(testSecret, "fleetd", "bob", RoleAdmin, time.Hour, now.Add(-2*time.Hour))
	require.NoError(t, err)
	otherIssuer, err := MintToken(testSecret, "someone-else", "bob", RoleAdmin, time.Hour, now)
	require.NoError(t, err)
	viewer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "fleetd", Subject: "carol", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}).SignedString(testSecret)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		status int
		code   string
	}{
		{"missing", "", http.StatusUnauthorized, "unauthorized"},
		{"wrong secret", wrongSecret, http.StatusUnauthorized, "unauthorized"},
		{"expired", expired, http.StatusUnauthorized, "token_expired"},
		{"issuer", otherIssuer, http.StatusUnauthorized, "unauthorized"},
		{"role", viewer, http.StatusForbidden, "forbidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := h.do(t, http.MethodGet, "/api/admin/servers", "", tt.token)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, body["code"])
		})
	}

	rec, body := h.do(t, http.MethodGet, "/api/admin/servers", "", operatorToken(t))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["servers"], 3)
}

func TestMintTokenRejectsUnknownRole(t *testing.T) {
	_, err := MintToken(testSecret, "fleetd", "x", "root", time.Hour, time.Now())
	require.Error(t, err)
}

func TestConnect(t *testing.T) {
	h := newHarness(t)
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	var got reconciler.ProvisionRequest
	h.rec.provision = func(req reconciler.ProvisionRequest) (reconciler.ProvisionResult, error) {
		got = req
		return reconciler.ProvisionResult{
			Server: fleet.BackendServer{ID: "s1", Name: "Frankfurt", Family: fleet.FamilyPeer},
			Identity: fleet.Identity{
				ID: "id-1", BackendUsername: "pubkey=", Protocol: "wireguard", Tier: "free",
				ConfigData: "[Interface]", ExpiresAt: &exp,
			},
		}, nil
	}

	rec, body := h.do(t, http.MethodPost, "/api/vpn/connect",
		`{"account_id":"VPN-AAAA-BBBB-CCCC","server_id":"de-fra","device_id":"dev","platform":"telegram"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "VPN-AAAA-BBBB-CCCC", got.Account)
	assert.Equal(t, "de-fra", got.Server)
	assert.Equal(t, fleet.PlatformTelegram, got.Platform)
	assert.Equal(t, "dev", got.DeviceID)

	assert.Equal(t, "pubkey=", body["public_key"])
	assert.Equal(t, "[Interface]", body["config"])
	assert.Equal(t, "2030-01-01T00:00:00Z", body["expires_at"])
	assert.Equal(t, false, body["existing"])
}

func TestConnectValidation(t *testing.T) {
	h := newHarness(t)
	rec, body := h.do(t, http.MethodPost, "/api/vpn/connect", `{"account_id":"x"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", body["code"])

	rec, _ = h.do(t, http.MethodPost, "/api/vpn/connect", `{`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/api/vpn/connect", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	rejected := &fleet.BackendError{Kind: fleet.ErrBackendRejected, Op: "create", Status: 409, Message: "User already exists"}
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", fmt.Errorf("reconciler: %w", fleet.ErrNotFound), 404, "not_found"},
		{"conflict", fleet.ErrConflict, 409, "conflict"},
		{"device limit", fleet.ErrDeviceLimit, 403, "device_limit"},
		{"no server", fleet.ErrNoServerAvailable, 503, "no_server_available"},
		{"unreachable", &fleet.BackendError{Kind: fleet.ErrBackendUnreachable, Op: "create"}, 504, "backend_unreachable"},
		{"rejected", rejected, 502, "backend_rejected"},
		{"misconfigured auth", fmt.Errorf("account: authenticating: %w (%w)", fleet.ErrMisconfiguredServer, rejected), 500, "server_misconfigured"},
		{"internal", fmt.Errorf("disk on fire"), 500, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.rec.provision = func(reconciler.ProvisionRequest) (reconciler.ProvisionResult, error) {
				return reconciler.ProvisionResult{}, tt.err
			}
			rec, body := h.do(t, http.MethodPost, "/api/vpn/connect", `{"account_id":"a","server_id":"s"}`, "")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, body["code"])
			switch tt.code {
			case "backend_rejected":
				assert.Equal(t, "User already exists", body["backend_message"])
			case "server_misconfigured":
				assert.Equal(t, "server not properly configured", body["error"])
			case "internal":
				assert.Equal(t, "internal error", body["error"])
			}
		})
	}
}

func TestPartialFailureResponse(t *testing.T) {
	h := newHarness(t)
	h.rec.provision = func(reconciler.ProvisionRequest) (reconciler.ProvisionResult, error) {
		return reconciler.ProvisionResult{}, &fleet.PartialFailure{
			Op: "provision", ServerID: "s1", Handle: "pk", BackendOK: true, LocalOK: false,
			Err: fmt.Errorf("database is locked"),
		}
	}
	rec, body := h.do(t, http.MethodPost, "/api/vpn/connect", `{"account_id":"a","server_id":"s1"}`, "")
	require.Equal(t, http.StatusFailedDependency, rec.Code)
	assert.Equal(t, "partial_failure", body["code"])
	assert.Equal(t, "s1", body["server_id"])
	assert.Equal(t, "pk", body["handle"])
	assert.Equal(t, true, body["backend_ok"])
	assert.Equal(t, false, body["local_ok"])
}

func TestDisconnectReportsBackendError(t *testing.T) {
	h := newHarness(t)
	var got reconciler.DisconnectRequest
	h.rec.disconnect = func(req reconciler.DisconnectRequest) (reconciler.DisconnectResult, error) {
		got = req
		return reconciler.DisconnectResult{
			Identity:   fleet.Identity{ID: "id-1"},
			BackendErr: &fleet.BackendError{Kind: fleet.ErrBackendUnreachable, Op: "delete"},
		}, nil
	}

	rec, body := h.do(t, http.MethodPost, "/api/vpn/disconnect", `{"account_id":"a","public_key":"pk"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reconciler.DisconnectRequest{Account: "a", Handle: "pk"}, got)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "backend_unreachable", body["backend_error_code"])

	rec, _ = h.do(t, http.MethodPost, "/api/vpn/disconnect", `{"account_id":"a"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdentityRoutes(t *testing.T) {
	h := newHarness(t)
	tok := operatorToken(t)

	// Deleting a record never touches the backend.
	h.rec.disconnect = func(req reconciler.DisconnectRequest) (reconciler.DisconnectResult, error) {
		t.Errorf("unexpected disconnect of %+v", req)
		return reconciler.DisconnectResult{}, nil
	}
	h.records.rows["id-9"] = true
	rec, body := h.do(t, http.MethodDelete, "/api/admin/identities/id-9", "", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["deleted"])
	assert.Empty(t, h.records.rows)

	rec, body = h.do(t, http.MethodDelete, "/api/admin/identities/id-9", "", tok)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["code"])

	var patch backend.Patch
	h.rec.update = func(id string, p backend.Patch) (fleet.Identity, error) {
		patch = p
		return fleet.Identity{ID: id, Status: fleet.StatusInactive, ConfigData: "secret"}, nil
	}
	rec, body = h.do(t, http.MethodPatch, "/api/admin/identities/id-9", `{"status":"disabled","expire":0}`, tok)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, patch.Status)
	assert.Equal(t, "disabled", *patch.Status)
	require.NotNil(t, patch.ExpiresAt)
	assert.True(t, patch.ExpiresAt.IsZero())
	assert.Nil(t, patch.DataLimitBytes)
	assert.Nil(t, body["config"])

	rec, _ = h.do(t, http.MethodPatch, "/api/admin/identities/id-9", `{"status":"paused"}`, tok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = h.do(t, http.MethodPatch, "/api/admin/identities/id-9", `{}`, tok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListIdentitiesParams(t *testing.T) {
	h := newHarness(t)
	tok := operatorToken(t)

	rec, body := h.do(t, http.MethodGet,
		"/api/admin/identities?server_id=s1&protocol=vless&platform=app&status=active&search=ab&offset=10&limit=500", "", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, fleet.IdentityFilter{ServerID: "s1", Protocol: "vless", Platform: "app", Status: "active", TextSearch: "ab"}, h.query.filter)
	assert.Equal(t, [2]int{10, query.MaxLimit}, h.query.page)
	assert.EqualValues(t, 1, body["total"])

	rec, _ = h.do(t, http.MethodGet, "/api/admin/identities?offset=-1", "", tok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBackendRoutes(t *testing.T) {
	h := newHarness(t)
	tok := operatorToken(t)

	rec, _ := h.do(t, http.MethodGet, "/api/admin/backend/abc%2Bdef%2F%3D?server=de-fra", "", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [2]string{"de-fra", "abc+def/="}, h.query.readArgs)

	rec, body := h.do(t, http.MethodGet, "/api/admin/backend?server=nowhere", "", tok)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "no_server_available", body["code"])

	var created reconciler.ProvisionRequest
	h.rec.provision = func(req reconciler.ProvisionRequest) (reconciler.ProvisionResult, error) {
		created = req
		return reconciler.ProvisionResult{Identity: fleet.Identity{ID: "n", BackendUsername: req.Handle}}, nil
	}
	rec, _ = h.do(t, http.MethodPost, "/api/admin/backend?server=nl-ams",
		`{"username":"alice","protocol":"trojan","data_limit":1073741824,"expire":1893456000,"note":"vip"}`, tok)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "nl-ams", created.Server)
	assert.Equal(t, "alice", created.Handle)
	assert.Equal(t, "trojan", created.Protocol)
	require.NotNil(t, created.DataLimitBytes)
	assert.EqualValues(t, 1<<30, *created.DataLimitBytes)
	require.NotNil(t, created.ExpiresAt)
	assert.EqualValues(t, 1893456000, created.ExpiresAt.Unix())

	h.rec.updateHandle = func(sel, handle string, p backend.Patch) (backend.Identity, error) {
		assert.Equal(t, "nl-ams", sel)
		assert.Equal(t, "alice", handle)
		require.NotNil(t, p.DataLimitBytes)
		return backend.Identity{Handle: handle, DataLimitBytes: p.DataLimitBytes}, nil
	}
	rec, _ = h.do(t, http.MethodPut, "/api/admin/backend/alice?server=nl-ams", `{"data_limit":5}`, tok)
	assert.Equal(t, http.StatusOK, rec.Code)

	h.rec.removeOrphan = func(sel, handle string) error {
		if handle == "alice" {
			return fmt.Errorf("reconciler: alice is active: %w", fleet.ErrConflict)
		}
		return nil
	}
	rec, body = h.do(t, http.MethodDelete, "/api/admin/backend/alice?server=nl-ams", "", tok)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", body["code"])
	rec, body = h.do(t, http.MethodDelete, "/api/admin/backend/orphan?server=nl-ams", "", tok)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
}

func TestClientServersMergesHealth(t *testing.T) {
	h := newHarness(t)
	h.query.health = []registry.HealthStatus{{ServerID: "s1", State: registry.StateHealthy}}

	rec, body := h.do(t, http.MethodGet, "/api/vpn/servers", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	servers := body["servers"].([]any)
	require.Len(t, servers, 2)
	assert.Equal(t, "healthy", servers[0].(map[string]any)["status"])
	assert.Equal(t, "unknown", servers[1].(map[string]any)["status"])
	assert.False(t, h.query.fresh)
}

func TestHealthAndSync(t *testing.T) {
	h := newHarness(t)
	tok := operatorToken(t)

	rec, _ := h.do(t, http.MethodGet, "/api/admin/health?fresh=1", "", tok)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, h.query.fresh)

	rec, body := h.do(t, http.MethodPost, "/api/admin/sync", "", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, body["synced"])
	assert.EqualValues(t, 1, body["untracked"])
	assert.EqualValues(t, 1, body["errors"])

	rec, body = h.do(t, http.MethodGet, "/api/admin/overview", "", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 4, body["totals"].(map[string]any)["total_users"])
}

func TestDeleteIdentityRecord(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "fleet.sqlite"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	srv := fleet.BackendServer{Name: "Frankfurt", Family: fleet.FamilyPeer, IsActive: true,
		ConfigData: json.RawMessage(`{"api_url":"http://wg","api_key":"k"}`)}
	require.NoError(t, st.UpsertServer(ctx, &srv))
	active := fleet.Identity{ServerID: srv.ID, BackendUsername: "pk-active", Protocol: "wireguard"}
	old := fleet.Identity{ServerID: srv.ID, BackendUsername: "pk-old", Protocol: "wireguard"}
	require.NoError(t, st.InsertIdentity(ctx, &active))
	require.NoError(t, st.InsertIdentity(ctx, &old))
	require.NoError(t, st.DeactivateIdentity(ctx, old.ID))

	h := &harness{rec: &fakeRec{}, query: &fakeQuery{}}
	h.srv = New(h.rec, h.query, fakeServers{}, st, fakeSyncer{}, Options{JWTSecret: testSecret, Issuer: "fleetd"}, logger)
	tok := operatorToken(t)

	for _, id := range []string{active.ID, old.ID} {
		rec, _ := h.do(t, http.MethodDelete, "/api/admin/identities/"+id, "", tok)
		require.Equal(t, http.StatusOK, rec.Code)
		_, err := st.GetIdentity(ctx, id)
		require.ErrorIs(t, err, fleet.ErrNotFound)
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	h.records.pingErr = errors.New("database is closed")
	rec, body = h.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", body["status"])
}
