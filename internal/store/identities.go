package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
)

type dbIdentity struct {
	ID               string         `db:"id"`
	AccountID        sql.NullString `db:"account_id"`
	ServerID         string         `db:"server_id"`
	BackendUsername  string         `db:"backend_username"`
	UsernameFold     string         `db:"username_fold"`
	Protocol         string         `db:"protocol"`
	Platform         string         `db:"platform"`
	DeviceID         sql.NullString `db:"device_id"`
	Tier             string         `db:"tier"`
	Status           string         `db:"status"`
	UsedTrafficBytes int64          `db:"used_traffic_bytes"`
	TrafficLastSeen  int64          `db:"traffic_last_seen"`
	DataLimitBytes   sql.NullInt64  `db:"data_limit_bytes"`
	ExpiresAt        sql.NullInt64  `db:"expires_at"`
	LastOnlineAt     sql.NullInt64  `db:"last_online_at"`
	ConfigData       string         `db:"config_data"`
	ConfigURL        string         `db:"config_url"`
	CreatedAt        int64          `db:"created_at"`
	UpdatedAt        int64          `db:"updated_at"`
}

func (r dbIdentity) toDomain() fleet.Identity {
	return fleet.Identity{
		ID:               r.ID,
		AccountID:        r.AccountID.String,
		ServerID:         r.ServerID,
		BackendUsername:  r.BackendUsername,
		Protocol:         r.Protocol,
		Platform:         fleet.Platform(r.Platform),
		DeviceID:         r.DeviceID.String,
		Tier:             r.Tier,
		Status:           fleet.Status(r.Status),
		UsedTrafficBytes: r.UsedTrafficBytes,
		DataLimitBytes:   fromNullInt(r.DataLimitBytes),
		ExpiresAt:        fromUnix(r.ExpiresAt),
		LastOnlineAt:     fromUnix(r.LastOnlineAt),
		ConfigData:       r.ConfigData,
		ConfigURL:        r.ConfigURL,
		CreatedAt:        time.Unix(r.CreatedAt, 0),
		UpdatedAt:        time.Unix(r.UpdatedAt, 0),
	}
}

const identityColumns = `id, account_id, server_id, backend_username, protocol, platform,
	device_id, tier, status, used_traffic_bytes, traffic_last_seen, data_limit_bytes,
	expires_at, last_online_at, config_data, config_url, created_at, updated_at`

// InsertIdentity inserts a new identity row. A second active row for the same
// (server_id, backend_username) fails with fleet.ErrConflict.
func (s *Store) InsertIdentity(ctx context.Context, ident *fleet.Identity) error {
	if ident.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("store: generating identity id: %w", err)
		}
		ident.ID = id.String()
	}
	now := time.Now()
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = now
	}
	ident.UpdatedAt = now
	if ident.Status == "" {
		ident.Status = fleet.StatusActive
	}
	if ident.Platform == "" {
		ident.Platform = fleet.PlatformUnknown
	}

	row := dbIdentity{
		ID:               ident.ID,
		AccountID:        nullString(ident.AccountID),
		ServerID:         ident.ServerID,
		BackendUsername:  ident.BackendUsername,
		UsernameFold:     foldUsername(ident.BackendUsername),
		Protocol:         ident.Protocol,
		Platform:         string(ident.Platform),
		DeviceID:         nullString(ident.DeviceID),
		Tier:             ident.Tier,
		Status:           string(ident.Status),
		UsedTrafficBytes: ident.UsedTrafficBytes,
		TrafficLastSeen:  ident.UsedTrafficBytes,
		DataLimitBytes:   nullInt(ident.DataLimitBytes),
		ExpiresAt:        toUnix(ident.ExpiresAt),
		LastOnlineAt:     toUnix(ident.LastOnlineAt),
		ConfigData:       ident.ConfigData,
		ConfigURL:        ident.ConfigURL,
		CreatedAt:        ident.CreatedAt.Unix(),
		UpdatedAt:        ident.UpdatedAt.Unix(),
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO identities (`+identityColumns+`, username_fold)
		 VALUES (:id, :account_id, :server_id, :backend_username, :protocol, :platform,
		         :device_id, :tier, :status, :used_traffic_bytes, :traffic_last_seen,
		         :data_limit_bytes, :expires_at, :last_online_at, :config_data,
		         :config_url, :created_at, :updated_at, :username_fold)`, row)
	if err != nil {
		return fmt.Errorf("store: insert identity %s on %s: %w", ident.BackendUsername, ident.ServerID, mapErr(err))
	}
	return nil
}

// foldUsername is the case folding used for text search. SQLite LOWER only
// folds ASCII, so the folded form is computed here and stored.
func foldUsername(s string) string {
	return strings.ToLower(s)
}

// GetIdentity returns the identity with the given id regardless of status.
func (s *Store) GetIdentity(ctx context.Context, id string) (fleet.Identity, error) {
	var row dbIdentity
	err := s.db.GetContext(ctx, &row, `SELECT `+identityColumns+` FROM identities WHERE id = ?`, id)
	if err != nil {
		return fleet.Identity{}, fmt.Errorf("store: get identity %s: %w", id, mapErr(err))
	}
	return row.toDomain(), nil
}

// ActiveQuery selects the currently active identity. Empty fields are
// ignored, but at least one of IdentityID and Handle or AccountID must be set.
type ActiveQuery struct {
	IdentityID string
	AccountID  string
	ServerID   string
	Handle     string
}

// FindActiveIdentity returns the newest active identity matching q.
func (s *Store) FindActiveIdentity(ctx context.Context, q ActiveQuery) (fleet.Identity, error) {
	if q.IdentityID == "" && q.Handle == "" && q.AccountID == "" {
		return fleet.Identity{}, fmt.Errorf("store: find active identity: empty query: %w", fleet.ErrNotFound)
	}

	where := []string{"status = 'active'"}
	var args []any
	add := func(col, val string) {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}
	add("id", q.IdentityID)
	add("account_id", q.AccountID)
	add("server_id", q.ServerID)
	add("backend_username", q.Handle)

	var row dbIdentity
	err := s.db.GetContext(ctx, &row,
		`SELECT `+identityColumns+` FROM identities WHERE `+strings.Join(where, " AND ")+
			` ORDER BY created_at DESC, id DESC LIMIT 1`, args...)
	if err != nil {
		return fleet.Identity{}, fmt.Errorf("store: find active identity: %w", mapErr(err))
	}
	return row.toDomain(), nil
}

// DeactivateIdentity flips an active identity to inactive. It returns
// fleet.ErrNotFound when no active row has that id.
func (s *Store) DeactivateIdentity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE identities SET status = 'inactive', updated_at = ? WHERE id = ? AND status = 'active'`,
		time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("store: deactivate identity %s: %w", id, mapErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: deactivate identity %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("store: deactivate identity %s: %w", id, fleet.ErrNotFound)
	}
	return nil
}

// IdentityUpdate holds the mirrored backend fields of an identity.
type IdentityUpdate struct {
	Status         fleet.Status
	DataLimitBytes *int64
	ExpiresAt      *time.Time
}

// UpdateIdentity stores status, data limit and expiry of an identity.
func (s *Store) UpdateIdentity(ctx context.Context, id string, u IdentityUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE identities SET status = ?, data_limit_bytes = ?, expires_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(u.Status), nullInt(u.DataLimitBytes), toUnix(u.ExpiresAt), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("store: update identity %s: %w", id, mapErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update identity %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("store: update identity %s: %w", id, fleet.ErrNotFound)
	}
	return nil
}

// SetConfigURL records where the identity's client config was published.
func (s *Store) SetConfigURL(ctx context.Context, id, url string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE identities SET config_url = ?, updated_at = ? WHERE id = ?`,
		url, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("store: set config url %s: %w", id, err)
	}
	return nil
}

// DeleteIdentity physically removes an identity row. This is an operator
// action; the backend shadow copy is left alone.
func (s *Store) DeleteIdentity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete identity %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete identity %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("store: delete identity %s: %w", id, fleet.ErrNotFound)
	}
	return nil
}

// CountActiveIdentities returns the number of active identities of an account.
func (s *Store) CountActiveIdentities(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM identities WHERE account_id = ? AND status = 'active'`, accountID)
	if err != nil {
		return 0, fmt.Errorf("store: count active identities for %s: %w", accountID, err)
	}
	return n, nil
}

// ListIdentities returns one page of identities matching f, newest first,
// and the total number of matching rows.
func (s *Store) ListIdentities(ctx context.Context, f fleet.IdentityFilter, offset, limit int) ([]fleet.Identity, int, error) {
	var where []string
	var args []any
	eq := func(col, val string) {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}
	eq("server_id", f.ServerID)
	eq("protocol", f.Protocol)
	eq("platform", f.Platform)
	eq("status", f.Status)
	if f.TextSearch != "" {
		where = append(where, `username_fold LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(foldUsername(f.TextSearch))+"%")
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM identities`+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("store: count identities: %w", err)
	}

	if offset < 0 {
		offset = 0
	}
	var rows []dbIdentity
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+identityColumns+` FROM identities`+clause+
			` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list identities: %w", err)
	}

	out := make([]fleet.Identity, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, total, nil
}

// UsageCounts aggregates identity rows per server.
func (s *Store) UsageCounts(ctx context.Context) (map[string]fleet.UsageCounts, error) {
	var rows []struct {
		ServerID string `db:"server_id"`
		Platform string `db:"platform"`
		Protocol string `db:"protocol"`
		Status   string `db:"status"`
		N        int    `db:"n"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT server_id, platform, protocol, status, COUNT(*) AS n
		 FROM identities GROUP BY server_id, platform, protocol, status`)
	if err != nil {
		return nil, fmt.Errorf("store: usage counts: %w", err)
	}

	out := make(map[string]fleet.UsageCounts)
	for _, r := range rows {
		c, ok := out[r.ServerID]
		if !ok {
			c = fleet.UsageCounts{ByPlatform: map[string]int{}, ByProtocol: map[string]int{}}
		}
		c.Total += r.N
		if r.Status == string(fleet.StatusActive) {
			c.Active += r.N
		}
		c.ByPlatform[r.Platform] += r.N
		c.ByProtocol[r.Protocol] += r.N
		out[r.ServerID] = c
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
