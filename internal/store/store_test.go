package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := Open(path, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testServer(t *testing.T, s *Store, name string, family fleet.Family, active bool, position int) fleet.BackendServer {
	t.Helper()
	srv := fleet.BackendServer{
		Name:        name,
		ExternalID:  "ext-" + name,
		Family:      family,
		Country:     "Germany",
		CountryCode: "DE",
		ConfigData:  json.RawMessage(`{"api_url":"http://127.0.0.1:1","api_key":"k"}`),
		IsActive:    active,
		Position:    position,
	}
	if err := s.UpsertServer(context.Background(), &srv); err != nil {
		t.Fatalf("UpsertServer(%s): %v", name, err)
	}
	return srv
}

func TestListServersOrderAndActive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s2 := testServer(t, s, "s2", fleet.FamilyAccount, false, 2)
	s1 := testServer(t, s, "s1", fleet.FamilyPeer, true, 1)

	all, err := s.ListServers(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != s1.ID || all[1].ID != s2.ID {
		t.Fatalf("unexpected order: %+v", all)
	}

	active, err := s.ListServers(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != s1.ID {
		t.Fatalf("active servers: %+v", active)
	}

	got, err := s.GetServer(ctx, s2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsActive || got.Family != fleet.FamilyAccount {
		t.Fatalf("GetServer: %+v", got)
	}

	if _, err := s.GetServer(ctx, "missing"); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("GetServer(missing): got %v, want ErrNotFound", err)
	}
}

func TestInsertIdentityActiveUniqueness(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	srv := testServer(t, s, "s1", fleet.FamilyAccount, true, 0)

	first := fleet.Identity{ServerID: srv.ID, BackendUsername: "u1", Protocol: "vless"}
	if err := s.InsertIdentity(ctx, &first); err != nil {
		t.Fatal(err)
	}

	dup := fleet.Identity{ServerID: srv.ID, BackendUsername: "u1", Protocol: "vless"}
	if err := s.InsertIdentity(ctx, &dup); !errors.Is(err, fleet.ErrConflict) {
		t.Fatalf("second active insert: got %v, want ErrConflict", err)
	}

	if err := s.DeactivateIdentity(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	// Deactivated history rows do not block a new active row.
	again := fleet.Identity{ServerID: srv.ID, BackendUsername: "u1", Protocol: "vless"}
	if err := s.InsertIdentity(ctx, &again); err != nil {
		t.Fatalf("insert after deactivate: %v", err)
	}

	if err := s.DeactivateIdentity(ctx, first.ID); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("double deactivate: got %v, want ErrNotFound", err)
	}
}

func TestFindActiveIdentity(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	srv := testServer(t, s, "s1", fleet.FamilyPeer, true, 0)

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	limit := int64(1 << 30)
	ident := fleet.Identity{
		AccountID:       "acc-1",
		ServerID:        srv.ID,
		BackendUsername: "pk1",
		Protocol:        "wireguard",
		DeviceID:        "dev-1",
		ExpiresAt:       &exp,
		DataLimitBytes:  &limit,
	}
	if err := s.InsertIdentity(ctx, &ident); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindActiveIdentity(ctx, ActiveQuery{AccountID: "acc-1", Handle: "pk1"})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != ident.ID || got.DeviceID != "dev-1" || got.Status != fleet.StatusActive {
		t.Fatalf("FindActiveIdentity: %+v", got)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Fatalf("expires_at: got %v, want %v", got.ExpiresAt, exp)
	}
	if got.DataLimitBytes == nil || *got.DataLimitBytes != limit {
		t.Fatalf("data_limit_bytes: got %v", got.DataLimitBytes)
	}

	if _, err := s.FindActiveIdentity(ctx, ActiveQuery{AccountID: "acc-2", Handle: "pk1"}); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("other account: got %v, want ErrNotFound", err)
	}

	if err := s.DeactivateIdentity(ctx, ident.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FindActiveIdentity(ctx, ActiveQuery{IdentityID: ident.ID}); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("after deactivate: got %v, want ErrNotFound", err)
	}
}

func TestListIdentitiesFiltersAndPagination(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s1 := testServer(t, s, "s1", fleet.FamilyAccount, true, 0)
	s2 := testServer(t, s, "s2", fleet.FamilyAccount, true, 1)

	for i := 0; i < 30; i++ {
		srv := s1
		if i%3 == 0 {
			srv = s2
		}
		proto := "vless"
		if i%2 == 0 {
			proto = "trojan"
		}
		ident := fleet.Identity{
			ServerID:        srv.ID,
			BackendUsername: fmt.Sprintf("TG_user_%02d", i),
			Protocol:        proto,
		}
		if err := s.InsertIdentity(ctx, &ident); err != nil {
			t.Fatal(err)
		}
	}

	rows, total, err := s.ListIdentities(ctx, fleet.IdentityFilter{}, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if total != 30 || len(rows) != 10 {
		t.Fatalf("unfiltered: total=%d rows=%d", total, len(rows))
	}

	rows, total, err = s.ListIdentities(ctx, fleet.IdentityFilter{ServerID: s2.ID, Protocol: "trojan"}, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	// i in {0,6,12,18,24}
	if total != 5 || len(rows) != 5 {
		t.Fatalf("server+protocol: total=%d rows=%d", total, len(rows))
	}

	rows, total, err = s.ListIdentities(ctx, fleet.IdentityFilter{TextSearch: "user_1"}, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if total != 10 || len(rows) != 10 {
		t.Fatalf("search: total=%d rows=%d", total, len(rows))
	}

	// "_" must match literally, not as a wildcard.
	_, total, err = s.ListIdentities(ctx, fleet.IdentityFilter{TextSearch: "tg_"}, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if total != 30 {
		t.Fatalf("case-insensitive search: total=%d", total)
	}
	_, total, err = s.ListIdentities(ctx, fleet.IdentityFilter{TextSearch: "tgxuser"}, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Fatalf("literal underscore: total=%d", total)
	}

	rows, total, err = s.ListIdentities(ctx, fleet.IdentityFilter{}, 25, 10)
	if err != nil {
		t.Fatal(err)
	}
	if total != 30 || len(rows) != 5 {
		t.Fatalf("last page: total=%d rows=%d", total, len(rows))
	}
}

func TestUsageCounts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	srv := testServer(t, s, "s1", fleet.FamilyAccount, true, 0)

	for i, p := range []fleet.Platform{fleet.PlatformTelegram, fleet.PlatformTelegram, fleet.PlatformApp} {
		ident := fleet.Identity{ServerID: srv.ID, BackendUsername: fmt.Sprintf("u%d", i), Protocol: "vless", Platform: p}
		if err := s.InsertIdentity(ctx, &ident); err != nil {
			t.Fatal(err)
		}
		if i == 2 {
			if err := s.DeactivateIdentity(ctx, ident.ID); err != nil {
				t.Fatal(err)
			}
		}
	}

	counts, err := s.UsageCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	c := counts[srv.ID]
	if c.Total != 3 || c.Active != 2 {
		t.Fatalf("counts: %+v", c)
	}
	if c.ByPlatform["telegram"] != 2 || c.ByProtocol["vless"] != 3 {
		t.Fatalf("breakdown: %+v", c)
	}
}

func TestFlushUsage(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	srv := testServer(t, s, "s1", fleet.FamilyPeer, true, 0)

	ident := fleet.Identity{ServerID: srv.ID, BackendUsername: "pk1", Protocol: "wireguard"}
	if err := s.InsertIdentity(ctx, &ident); err != nil {
		t.Fatal(err)
	}

	seen := time.Unix(1000, 0)
	res, err := s.FlushUsage(ctx, srv.ID, []fleet.UsageSnapshot{
		{Handle: "pk1", TrafficBytes: 100, LastOnlineAt: &seen},
		{Handle: "stranger", TrafficBytes: 5},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 1 || len(res.Untracked) != 1 || res.Untracked[0] != "stranger" {
		t.Fatalf("first flush result: %+v", res)
	}

	// Second flush: delta accumulation.
	if _, err := s.FlushUsage(ctx, srv.ID, []fleet.UsageSnapshot{{Handle: "pk1", TrafficBytes: 150}}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetIdentity(ctx, ident.ID)
	if got.UsedTrafficBytes != 150 {
		t.Fatalf("used traffic: got %d, want 150", got.UsedTrafficBytes)
	}
	if got.LastOnlineAt == nil || !got.LastOnlineAt.Equal(seen) {
		t.Fatalf("last online kept: %v", got.LastOnlineAt)
	}

	// Third flush: counter reset on the backend.
	if _, err := s.FlushUsage(ctx, srv.ID, []fleet.UsageSnapshot{{Handle: "pk1", TrafficBytes: 30}}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetIdentity(ctx, ident.ID)
	// 150 (prev) + 30 (new baseline) = 180
	if got.UsedTrafficBytes != 180 {
		t.Fatalf("used traffic after reset: got %d, want 180", got.UsedTrafficBytes)
	}
	// Inactive rows are not updated.
	if err := s.DeactivateIdentity(ctx, ident.ID); err != nil {
		t.Fatal(err)
	}
	res, err = s.FlushUsage(ctx, srv.ID, []fleet.UsageSnapshot{{Handle: "pk1", TrafficBytes: 500}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 0 || len(res.Untracked) != 1 {
		t.Fatalf("flush after deactivate: %+v", res)
	}
}

func TestAccounts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	acc := fleet.Account{Code: "vpn-abcd-efgh-ijkl", SubscriptionTier: "pro", MaxDevices: 3}
	if err := s.UpsertAccount(ctx, &acc); err != nil {
		t.Fatal(err)
	}

	byCode, err := s.AccountByCode(ctx, "VPN-ABCD-EFGH-IJKL")
	if err != nil {
		t.Fatal(err)
	}
	if byCode.ID != acc.ID || byCode.MaxDevices != 3 {
		t.Fatalf("AccountByCode: %+v", byCode)
	}
	byID, err := s.AccountByID(ctx, acc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if byID.Code != "VPN-ABCD-EFGH-IJKL" {
		t.Fatalf("AccountByID: %+v", byID)
	}

	dup := fleet.Account{Code: "VPN-ABCD-EFGH-IJKL"}
	if err := s.UpsertAccount(ctx, &dup); !errors.Is(err, fleet.ErrConflict) {
		t.Fatalf("duplicate code: got %v, want ErrConflict", err)
	}
}

func TestSchemaVersion(t *testing.T) {
	s := testStore(t)
	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 3 {
		t.Fatalf("schema version = %d, want 3", v)
	}
}

func TestListIdentitiesSearchFoldsUnicode(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	srv := testServer(t, s, "s1", fleet.FamilyAccount, true, 0)

	for _, h := range []string{"Ünal_app", "ALICE_tg", "öZGÜR_app"} {
		ident := fleet.Identity{ServerID: srv.ID, BackendUsername: h, Protocol: "vless"}
		if err := s.InsertIdentity(ctx, &ident); err != nil {
			t.Fatal(err)
		}
	}

	for _, tc := range []struct {
		search string
		want   int
	}{
		{"ünal", 1},
		{"Ünal", 1},
		{"ÜNAL_APP", 1},
		{"özgür", 1},
		{"alice", 1},
		{"_app", 2},
	} {
		rows, total, err := s.ListIdentities(ctx, fleet.IdentityFilter{TextSearch: tc.search}, 0, 10)
		if err != nil {
			t.Fatal(err)
		}
		if total != tc.want || len(rows) != tc.want {
			t.Errorf("search %q: total=%d rows=%d, want %d", tc.search, total, len(rows), tc.want)
		}
	}
}

func TestInsertIdentitySeedsUsageBaseline(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	srv := testServer(t, s, "s1", fleet.FamilyAccount, true, 0)

	// The backend already reported 500 bytes when the row was created.
	ident := fleet.Identity{ServerID: srv.ID, BackendUsername: "u1", Protocol: "vless", UsedTrafficBytes: 500}
	if err := s.InsertIdentity(ctx, &ident); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FlushUsage(ctx, srv.ID, []fleet.UsageSnapshot{{Handle: "u1", TrafficBytes: 700}}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetIdentity(ctx, ident.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UsedTrafficBytes != 700 {
		t.Fatalf("used traffic: got %d, want 700", got.UsedTrafficBytes)
	}
}

func TestDeleteIdentity(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	srv := testServer(t, s, "s1", fleet.FamilyAccount, true, 0)

	active := fleet.Identity{ServerID: srv.ID, BackendUsername: "u1", Protocol: "vless"}
	old := fleet.Identity{ServerID: srv.ID, BackendUsername: "u2", Protocol: "vless"}
	for _, ident := range []*fleet.Identity{&active, &old} {
		if err := s.InsertIdentity(ctx, ident); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.DeactivateIdentity(ctx, old.ID); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{active.ID, old.ID} {
		if err := s.DeleteIdentity(ctx, id); err != nil {
			t.Fatalf("delete %s: %v", id, err)
		}
		if _, err := s.GetIdentity(ctx, id); !errors.Is(err, fleet.ErrNotFound) {
			t.Fatalf("get after delete: got %v, want ErrNotFound", err)
		}
	}
	if err := s.DeleteIdentity(ctx, old.ID); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestDeleteServer(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	used := testServer(t, s, "used", fleet.FamilyAccount, true, 0)
	empty := testServer(t, s, "empty", fleet.FamilyAccount, true, 1)

	ident := fleet.Identity{ServerID: used.ID, BackendUsername: "u1", Protocol: "vless"}
	if err := s.InsertIdentity(ctx, &ident); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteServer(ctx, used.ID); !errors.Is(err, fleet.ErrConflict) {
		t.Fatalf("delete referenced server: got %v, want ErrConflict", err)
	}

	if err := s.DeleteServer(ctx, empty.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetServer(ctx, empty.ID); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("get after delete: got %v, want ErrNotFound", err)
	}
	if err := s.DeleteServer(ctx, empty.ID); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestPing(t *testing.T) {
	s := testStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Close()
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("ping after close succeeded")
	}
}
