package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
)

type dbServer struct {
	ID          string `db:"id"`
	ExternalID  string `db:"external_id"`
	Name        string `db:"name"`
	Family      string `db:"protocol_family"`
	Country     string `db:"country"`
	CountryCode string `db:"country_code"`
	City        string `db:"city"`
	IPAddress   string `db:"ip_address"`
	ConfigData  string `db:"config_data"`
	IsActive    bool   `db:"is_active"`
	Position    int    `db:"position"`
	CreatedAt   int64  `db:"created_at"`
}

func (r dbServer) toDomain() fleet.BackendServer {
	return fleet.BackendServer{
		ID:          r.ID,
		ExternalID:  r.ExternalID,
		Name:        r.Name,
		Family:      fleet.Family(r.Family),
		Country:     r.Country,
		CountryCode: r.CountryCode,
		City:        r.City,
		IPAddress:   r.IPAddress,
		ConfigData:  json.RawMessage(r.ConfigData),
		IsActive:    r.IsActive,
		Position:    r.Position,
		CreatedAt:   time.Unix(r.CreatedAt, 0),
	}
}

const serverColumns = `id, external_id, name, protocol_family, country, country_code,
	city, ip_address, config_data, is_active, position, created_at`

// ListServers returns servers in stored order. activeOnly drops servers whose
// is_active flag is unset.
func (s *Store) ListServers(ctx context.Context, activeOnly bool) ([]fleet.BackendServer, error) {
	query := `SELECT ` + serverColumns + ` FROM backend_servers`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY position, created_at, id`

	var rows []dbServer
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("store: list servers: %w", err)
	}
	out := make([]fleet.BackendServer, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// GetServer returns the server with the given local id, active or not.
func (s *Store) GetServer(ctx context.Context, id string) (fleet.BackendServer, error) {
	var row dbServer
	err := s.db.GetContext(ctx, &row, `SELECT `+serverColumns+` FROM backend_servers WHERE id = ?`, id)
	if err != nil {
		return fleet.BackendServer{}, fmt.Errorf("store: get server %s: %w", id, mapErr(err))
	}
	return row.toDomain(), nil
}

// UpsertServer creates the server or replaces the stored fields of an
// existing one. An empty ID is assigned a new one.
func (s *Store) UpsertServer(ctx context.Context, srv *fleet.BackendServer) error {
	if !srv.Family.Valid() {
		return fmt.Errorf("store: upsert server %q: unknown protocol family %q", srv.Name, srv.Family)
	}
	if srv.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("store: generating server id: %w", err)
		}
		srv.ID = id.String()
	}
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = time.Now()
	}
	cfg := string(srv.ConfigData)
	if cfg == "" {
		cfg = "{}"
	}

	row := dbServer{
		ID:          srv.ID,
		ExternalID:  srv.ExternalID,
		Name:        srv.Name,
		Family:      string(srv.Family),
		Country:     srv.Country,
		CountryCode: srv.CountryCode,
		City:        srv.City,
		IPAddress:   srv.IPAddress,
		ConfigData:  cfg,
		IsActive:    srv.IsActive,
		Position:    srv.Position,
		CreatedAt:   srv.CreatedAt.Unix(),
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO backend_servers (`+serverColumns+`)
		 VALUES (:id, :external_id, :name, :protocol_family, :country, :country_code,
		         :city, :ip_address, :config_data, :is_active, :position, :created_at)
		 ON CONFLICT(id) DO UPDATE SET
		   external_id = excluded.external_id, name = excluded.name,
		   protocol_family = excluded.protocol_family, country = excluded.country,
		   country_code = excluded.country_code, city = excluded.city,
		   ip_address = excluded.ip_address, config_data = excluded.config_data,
		   is_active = excluded.is_active, position = excluded.position`, row)
	if err != nil {
		return fmt.Errorf("store: upsert server %s: %w", srv.ID, mapErr(err))
	}
	return nil
}

// DeleteServer removes a server. It fails while identities still reference it.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM backend_servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete server %s: %w", id, mapErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete server %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("store: delete server %s: %w", id, fleet.ErrNotFound)
	}
	return nil
}
