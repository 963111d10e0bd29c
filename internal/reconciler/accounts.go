package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
)

// accountMatcher is one strategy for turning caller input into an account.
// Strategies are tried in order; the first one that applies and finds a row
// wins.
type accountMatcher struct {
	name    string
	applies func(string) bool
	find    func(Store, context.Context, string) (fleet.Account, error)
}

var accountMatchers = []accountMatcher{
	{
		name: "id",
		applies: func(s string) bool {
			_, err := uuid.Parse(s)
			return err == nil
		},
		find: Store.AccountByID,
	},
	{
		name:    "code",
		applies: func(s string) bool { return s != "" },
		find:    Store.AccountByCode,
	},
}

func (r *Reconciler) lookupAccount(ctx context.Context, ref string) (fleet.Account, error) {
	ref = strings.TrimSpace(ref)
	for _, m := range accountMatchers {
		if !m.applies(ref) {
			continue
		}
		acct, err := m.find(r.store, ctx, ref)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, fleet.ErrNotFound) {
			return fleet.Account{}, fmt.Errorf("reconciler: account lookup by %s: %w", m.name, err)
		}
	}
	return fleet.Account{}, fmt.Errorf("reconciler: account %q: %w", ref, fleet.ErrNotFound)
}
