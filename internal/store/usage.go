package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
)

// FlushResult summarises one usage flush.
type FlushResult struct {
	Updated   int
	Untracked []string
}

// FlushUsage performs delta-accumulation of backend usage counters into the
// active identities of serverID. A counter lower than the stored baseline is
// treated as a backend reset and its whole value counts as the delta.
// Handles without an active local identity are reported as untracked and
// never inserted.
func (s *Store) FlushUsage(ctx context.Context, serverID string, snaps []fleet.UsageSnapshot) (FlushResult, error) {
	var res FlushResult

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	selStmt, err := tx.PreparexContext(ctx,
		`SELECT id, used_traffic_bytes, traffic_last_seen, last_online_at
		 FROM identities
		 WHERE server_id = ? AND backend_username = ? AND status = 'active'`)
	if err != nil {
		return res, fmt.Errorf("store: prepare select: %w", err)
	}
	defer selStmt.Close()

	updStmt, err := tx.PreparexContext(ctx,
		`UPDATE identities
		 SET used_traffic_bytes = ?, traffic_last_seen = ?, last_online_at = ?, updated_at = ?
		 WHERE id = ?`)
	if err != nil {
		return res, fmt.Errorf("store: prepare update: %w", err)
	}
	defer updStmt.Close()

	now := time.Now().Unix()
	for _, snap := range snaps {
		var (
			id              string
			total, lastSeen int64
			dbLastOnline    sql.NullInt64
		)
		err := selStmt.QueryRowContext(ctx, serverID, snap.Handle).Scan(&id, &total, &lastSeen, &dbLastOnline)
		if errors.Is(err, sql.ErrNoRows) {
			res.Untracked = append(res.Untracked, snap.Handle)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("store: select usage %s: %w", snap.Handle, err)
		}

		delta := snap.TrafficBytes - lastSeen
		if delta < 0 {
			delta = snap.TrafficBytes
		}

		lastOnline := dbLastOnline
		if t := toUnix(snap.LastOnlineAt); t.Valid && (!lastOnline.Valid || t.Int64 > lastOnline.Int64) {
			lastOnline = t
		}

		if _, err := updStmt.ExecContext(ctx, total+delta, snap.TrafficBytes, lastOnline, now, id); err != nil {
			return res, fmt.Errorf("store: update usage %s: %w", snap.Handle, err)
		}
		res.Updated++
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("store: commit usage flush: %w", err)
	}
	return res, nil
}
