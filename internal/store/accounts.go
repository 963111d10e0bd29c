package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
)

type dbAccount struct {
	ID               string `db:"id"`
	Code             string `db:"account_code"`
	SubscriptionTier string `db:"subscription_tier"`
	MaxDevices       int    `db:"max_devices"`
	CreatedAt        int64  `db:"created_at"`
}

func (r dbAccount) toDomain() fleet.Account {
	return fleet.Account{
		ID:               r.ID,
		Code:             r.Code,
		SubscriptionTier: r.SubscriptionTier,
		MaxDevices:       r.MaxDevices,
		CreatedAt:        time.Unix(r.CreatedAt, 0),
	}
}

// AccountByID looks an account up by its uuid.
func (s *Store) AccountByID(ctx context.Context, id string) (fleet.Account, error) {
	var row dbAccount
	err := s.db.GetContext(ctx, &row,
		`SELECT id, account_code, subscription_tier, max_devices, created_at FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fleet.Account{}, fmt.Errorf("store: account %s: %w", id, mapErr(err))
	}
	return row.toDomain(), nil
}

// AccountByCode looks an account up by its VPN-XXXX-XXXX-XXXX code.
func (s *Store) AccountByCode(ctx context.Context, code string) (fleet.Account, error) {
	var row dbAccount
	err := s.db.GetContext(ctx, &row,
		`SELECT id, account_code, subscription_tier, max_devices, created_at FROM accounts WHERE account_code = ?`,
		strings.ToUpper(code))
	if err != nil {
		return fleet.Account{}, fmt.Errorf("store: account code %s: %w", code, mapErr(err))
	}
	return row.toDomain(), nil
}

// UpsertAccount writes an account row. Accounts are owned by the billing
// side; fleetd only writes them from tooling and tests.
func (s *Store) UpsertAccount(ctx context.Context, a *fleet.Account) error {
	if a.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("store: generating account id: %w", err)
		}
		a.ID = id.String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.Code = strings.ToUpper(a.Code)
	if a.SubscriptionTier == "" {
		a.SubscriptionTier = "free"
	}

	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO accounts (id, account_code, subscription_tier, max_devices, created_at)
		 VALUES (:id, :account_code, :subscription_tier, :max_devices, :created_at)
		 ON CONFLICT(id) DO UPDATE SET
		   account_code = excluded.account_code,
		   subscription_tier = excluded.subscription_tier,
		   max_devices = excluded.max_devices`,
		dbAccount{
			ID:               a.ID,
			Code:             a.Code,
			SubscriptionTier: a.SubscriptionTier,
			MaxDevices:       a.MaxDevices,
			CreatedAt:        a.CreatedAt.Unix(),
		})
	if err != nil {
		return fmt.Errorf("store: upsert account %s: %w", a.Code, mapErr(err))
	}
	return nil
}
