// Package reconciler drives identity lifecycles across a backend control
// plane and the local record store. The backend is always called first and
// the local store only mirrors what the backend accepted; when the two halves
// disagree afterwards the caller gets a *fleet.PartialFailure.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pochtmanr/dopplerland-sub001/internal/backend"
	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
	"github.com/pochtmanr/dopplerland-sub001/internal/metrics"
	"github.com/pochtmanr/dopplerland-sub001/internal/store"
)

// Store is the subset of the record store the reconciler writes through.
type Store interface {
	AccountByID(ctx context.Context, id string) (fleet.Account, error)
	AccountByCode(ctx context.Context, code string) (fleet.Account, error)
	GetIdentity(ctx context.Context, id string) (fleet.Identity, error)
	FindActiveIdentity(ctx context.Context, q store.ActiveQuery) (fleet.Identity, error)
	CountActiveIdentities(ctx context.Context, accountID string) (int, error)
	InsertIdentity(ctx context.Context, ident *fleet.Identity) error
	DeactivateIdentity(ctx context.Context, id string) error
	UpdateIdentity(ctx context.Context, id string, u store.IdentityUpdate) error
	SetConfigURL(ctx context.Context, id, url string) error
}

// Registry resolves servers and their adapters.
type Registry interface {
	Resolve(ctx context.Context, selector string) (fleet.BackendServer, error)
	Get(ctx context.Context, id string) (fleet.BackendServer, error)
	Adapter(s fleet.BackendServer) (backend.Adapter, error)
}

// Publisher stores rendered client configs somewhere clients can fetch them.
type Publisher interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	PublicURL(key string) string
}

// Options tune provisioning defaults.
type Options struct {
	BackendTimeout    time.Duration
	RetryDelay        time.Duration
	FreeTTL           time.Duration
	PaidTTL           time.Duration
	DefaultMaxDevices int
	DefaultProtocol   string
	HandlePrefix      string
	ConfigPrefix      string
	// OnPartialFailure is called after a partial failure is logged. It
	// runs on the request goroutine and must not block.
	OnPartialFailure func(*fleet.PartialFailure)
}

func (o *Options) setDefaults() {
	if o.BackendTimeout <= 0 {
		o.BackendTimeout = backend.DefaultTimeout
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.FreeTTL <= 0 {
		o.FreeTTL = 24 * time.Hour
	}
	if o.PaidTTL <= 0 {
		o.PaidTTL = 30 * 24 * time.Hour
	}
	if o.DefaultMaxDevices <= 0 {
		o.DefaultMaxDevices = 10
	}
	if o.DefaultProtocol == "" {
		o.DefaultProtocol = "vless"
	}
	if o.ConfigPrefix == "" {
		o.ConfigPrefix = "configs"
	}
}

// Reconciler is safe for concurrent use; it keeps no per-session memory.
type Reconciler struct {
	store     Store
	registry  Registry
	publisher Publisher
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a reconciler. publisher may be nil.
func New(st Store, reg Registry, publisher Publisher, opts Options, logger *slog.Logger) *Reconciler {
	opts.setDefaults()
	return &Reconciler{
		store:     st,
		registry:  reg,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// ProvisionRequest asks for a new identity.
type ProvisionRequest struct {
	// Account is an account id or account code. Empty provisions an
	// anonymous identity.
	Account string
	// Server is a server selector; empty picks the first active server.
	Server string
	// Handle requests a specific backend username. Peer backends assign
	// their own handle.
	Handle         string
	Protocol       string
	Platform       fleet.Platform
	DeviceID       string
	Tier           string
	DataLimitBytes *int64
	ExpiresAt      *time.Time
	Note           string
}

// ProvisionResult is the outcome of a successful Provision.
type ProvisionResult struct {
	Identity fleet.Identity
	Server   fleet.BackendServer
	// Backend is the backend's view at creation; zero when Existing.
	Backend  backend.Identity
	Existing bool
	Session  *Session
}

// Provision creates an identity on the backend and records it locally.
func (r *Reconciler) Provision(ctx context.Context, req ProvisionRequest) (ProvisionResult, error) {
	res, err := r.provision(ctx, req)
	r.observe("provision", err)
	return res, err
}

func (r *Reconciler) provision(ctx context.Context, req ProvisionRequest) (ProvisionResult, error) {
	sess := newSession(StateRequested)
	res := ProvisionResult{Session: sess}
	fail := func(err error) (ProvisionResult, error) {
		_ = sess.advance(StateFailed)
		return res, err
	}

	var acct *fleet.Account
	if req.Account != "" {
		a, err := r.lookupAccount(ctx, req.Account)
		if err != nil {
			return fail(err)
		}
		acct = &a
	}

	server, err := r.registry.Resolve(ctx, req.Server)
	if err != nil {
		return fail(err)
	}
	res.Server = server
	sess.ServerID = server.ID

	if acct != nil {
		if req.Handle == "" {
			existing, ok, err := r.reuse(ctx, acct.ID, server.ID)
			if err != nil {
				return fail(err)
			}
			if ok {
				res.Identity = existing
				res.Existing = true
				sess.IdentityID, sess.Handle = existing.ID, existing.BackendUsername
				sess.State, sess.Path = StateActive, []State{StateActive}
				return res, nil
			}
		}
		if err := r.checkDeviceLimit(ctx, *acct); err != nil {
			return fail(err)
		}
	}

	adapter, err := r.registry.Adapter(server)
	if err != nil {
		return fail(err)
	}

	spec, tier := r.createSpec(req, acct, server.Family)

	// The backend leg and the local write that follows it must not be cut
	// short by the caller going away, or the backend copy is orphaned.
	bctx := context.WithoutCancel(ctx)

	var created backend.Identity
	err = r.withRetry(bctx, "create", func(ctx context.Context) error {
		var err error
		created, err = adapter.CreateIdentity(ctx, spec)
		return err
	})
	if err != nil {
		r.logger.Warn("reconciler: backend create failed",
			"server_id", server.ID, "handle", spec.Handle, "err", err)
		return fail(fmt.Errorf("reconciler: create on %s: %w", server.Name, err))
	}
	_ = sess.advance(StateProvisioned)
	res.Backend = created
	sess.Handle = created.Handle

	ident := fleet.Identity{
		ServerID:         server.ID,
		BackendUsername:  created.Handle,
		Protocol:         firstNonEmpty(created.Protocol, spec.Protocol),
		Platform:         req.Platform,
		DeviceID:         req.DeviceID,
		Tier:             tier,
		Status:           fleet.StatusActive,
		UsedTrafficBytes: created.UsedTrafficBytes,
		DataLimitBytes:   spec.DataLimitBytes,
		ExpiresAt:        spec.ExpiresAt,
		ConfigData:       created.Config,
	}
	if acct != nil {
		ident.AccountID = acct.ID
	}

	if err := r.store.InsertIdentity(bctx, &ident); err != nil {
		if errors.Is(err, fleet.ErrConflict) {
			r.logger.Warn("reconciler: handle already active locally",
				"server_id", server.ID, "handle", created.Handle)
			return fail(fmt.Errorf("reconciler: provision %s on %s: %w", created.Handle, server.Name, err))
		}
		pf := &fleet.PartialFailure{
			Op:        "provision",
			ServerID:  server.ID,
			Handle:    created.Handle,
			BackendOK: true,
			LocalOK:   false,
			Err:       err,
		}
		r.reportPartial(pf)
		return fail(pf)
	}
	_ = sess.advance(StateActive)
	sess.IdentityID = ident.ID

	r.publish(bctx, server, &ident)

	res.Identity = ident
	r.logger.Info("reconciler: identity provisioned",
		"identity_id", ident.ID, "server_id", server.ID, "handle", ident.BackendUsername,
		"account_id", ident.AccountID, "expires_at", ident.ExpiresAt)
	return res, nil
}

// reuse returns the account's live identity on the server. An expired one is
// deactivated so a fresh identity can replace it.
func (r *Reconciler) reuse(ctx context.Context, accountID, serverID string) (fleet.Identity, bool, error) {
	existing, err := r.store.FindActiveIdentity(ctx, store.ActiveQuery{AccountID: accountID, ServerID: serverID})
	if errors.Is(err, fleet.ErrNotFound) {
		return fleet.Identity{}, false, nil
	}
	if err != nil {
		return fleet.Identity{}, false, fmt.Errorf("reconciler: %w", err)
	}
	if !existing.Expired(r.now()) {
		return existing, true, nil
	}

	if err := r.store.DeactivateIdentity(ctx, existing.ID); err != nil && !errors.Is(err, fleet.ErrNotFound) {
		return fleet.Identity{}, false, fmt.Errorf("reconciler: retiring expired identity: %w", err)
	}
	r.logger.Info("reconciler: expired identity retired",
		"identity_id", existing.ID, "server_id", serverID, "handle", existing.BackendUsername)
	return fleet.Identity{}, false, nil
}

func (r *Reconciler) checkDeviceLimit(ctx context.Context, acct fleet.Account) error {
	n, err := r.store.CountActiveIdentities(ctx, acct.ID)
	if err != nil {
		return fmt.Errorf("reconciler: %w", err)
	}
	limit := acct.MaxDevices
	if limit <= 0 {
		limit = r.opts.DefaultMaxDevices
	}
	if n >= limit {
		return fmt.Errorf("reconciler: account %s has %d of %d devices: %w", acct.Code, n, limit, fleet.ErrDeviceLimit)
	}
	return nil
}

func (r *Reconciler) createSpec(req ProvisionRequest, acct *fleet.Account, family fleet.Family) (backend.CreateSpec, string) {
	tier := req.Tier
	if acct != nil && acct.SubscriptionTier != "" {
		tier = acct.SubscriptionTier
	}
	if tier == "" {
		tier = "free"
	}

	spec := backend.CreateSpec{
		Handle:         req.Handle,
		Protocol:       req.Protocol,
		DataLimitBytes: req.DataLimitBytes,
		ExpiresAt:      req.ExpiresAt,
		Note:           req.Note,
	}
	if spec.ExpiresAt == nil {
		ttl := r.opts.PaidTTL
		if tier == "free" {
			ttl = r.opts.FreeTTL
		}
		exp := r.now().Add(ttl).Truncate(time.Second)
		spec.ExpiresAt = &exp
	}
	if family == fleet.FamilyAccount {
		if spec.Protocol == "" {
			spec.Protocol = r.opts.DefaultProtocol
		}
		if spec.Handle == "" {
			spec.Handle = r.newHandle(req.Platform)
		}
	}
	return spec, tier
}

func (r *Reconciler) newHandle(p fleet.Platform) string {
	if p == "" {
		p = fleet.PlatformUnknown
	}
	id := uuid.New()
	return fmt.Sprintf("%s%s_%x", r.opts.HandlePrefix, p, id[:4])
}

func (r *Reconciler) publish(ctx context.Context, server fleet.BackendServer, ident *fleet.Identity) {
	if r.publisher == nil || server.Family != fleet.FamilyPeer || ident.ConfigData == "" {
		return
	}
	key := r.opts.ConfigPrefix + "/" + ident.ID + ".conf"
	pctx, cancel := context.WithTimeout(ctx, r.opts.BackendTimeout)
	defer cancel()

	if err := r.publisher.Put(pctx, key, []byte(ident.ConfigData), "text/plain; charset=utf-8"); err != nil {
		r.logger.Warn("reconciler: publishing client config failed", "identity_id", ident.ID, "err", err)
		return
	}
	url := r.publisher.PublicURL(key)
	if err := r.store.SetConfigURL(ctx, ident.ID, url); err != nil {
		r.logger.Warn("reconciler: recording config url failed", "identity_id", ident.ID, "err", err)
		return
	}
	ident.ConfigURL = url
}

// DisconnectRequest names the active identity to tear down: either by id, or
// by handle optionally narrowed to an account and server.
type DisconnectRequest struct {
	IdentityID string
	Account    string
	Server     string
	Handle     string
}

// DisconnectResult is the outcome of a Disconnect that deactivated the local
// row. BackendErr is set when the backend copy could not be removed.
type DisconnectResult struct {
	Identity    fleet.Identity
	BackendErr  error
	AlreadyGone bool
	Session     *Session
}

// Disconnect deactivates the active identity matching req. A backend delete
// failure never blocks local deactivation; it is reported in BackendErr.
func (r *Reconciler) Disconnect(ctx context.Context, req DisconnectRequest) (DisconnectResult, error) {
	res, err := r.disconnect(ctx, req)
	outcomeErr := err
	if err == nil && res.BackendErr != nil {
		outcomeErr = res.BackendErr
	}
	r.observe("disconnect", outcomeErr)
	return res, err
}

func (r *Reconciler) disconnect(ctx context.Context, req DisconnectRequest) (DisconnectResult, error) {
	ident, err := r.findActive(ctx, req)
	if err != nil {
		return DisconnectResult{}, err
	}

	sess := newSession(StateActive)
	sess.IdentityID, sess.ServerID, sess.Handle = ident.ID, ident.ServerID, ident.BackendUsername
	res := DisconnectResult{Identity: ident, Session: sess}
	_ = sess.advance(StateDisconnecting)

	server, err := r.registry.Get(ctx, ident.ServerID)
	if err != nil {
		_ = sess.advance(StateFailed)
		return res, err
	}
	adapter, err := r.registry.Adapter(server)
	if err != nil {
		_ = sess.advance(StateFailed)
		r.logger.Error("reconciler: cannot disconnect from misconfigured server",
			"server_id", server.ID, "handle", ident.BackendUsername, "err", err)
		return res, err
	}

	bctx := context.WithoutCancel(ctx)
	backendErr := r.withRetry(bctx, "delete", func(ctx context.Context) error {
		return adapter.DeleteIdentity(ctx, ident.BackendUsername)
	})
	if errors.Is(backendErr, fleet.ErrNotFound) {
		res.AlreadyGone = true
		backendErr = nil
	}
	if backendErr != nil {
		backendErr = fmt.Errorf("reconciler: delete %s on %s: %w", ident.BackendUsername, server.Name, backendErr)
	}

	localErr := r.store.DeactivateIdentity(bctx, ident.ID)
	switch {
	case localErr == nil:
		_ = sess.advance(StateDisconnected)
		res.Identity.Status = fleet.StatusInactive
		res.BackendErr = backendErr
		if backendErr != nil {
			metrics.BackendCleanupFailuresTotal.Inc()
			r.logger.Warn("reconciler: identity deactivated but backend copy remains",
				"identity_id", ident.ID, "server_id", server.ID, "handle", ident.BackendUsername, "err", backendErr)
		} else {
			r.logger.Info("reconciler: identity disconnected",
				"identity_id", ident.ID, "server_id", server.ID, "handle", ident.BackendUsername,
				"already_gone", res.AlreadyGone)
		}
		return res, nil

	case backendErr == nil:
		_ = sess.advance(StateFailed)
		pf := &fleet.PartialFailure{
			Op:        "disconnect",
			ServerID:  server.ID,
			Handle:    ident.BackendUsername,
			BackendOK: true,
			LocalOK:   false,
			Err:       localErr,
		}
		r.reportPartial(pf)
		return res, pf

	default:
		_ = sess.advance(StateFailed)
		r.logger.Error("reconciler: disconnect failed on both sides",
			"identity_id", ident.ID, "server_id", server.ID, "handle", ident.BackendUsername,
			"backend_err", backendErr, "local_err", localErr)
		return res, errors.Join(backendErr, localErr)
	}
}

func (r *Reconciler) findActive(ctx context.Context, req DisconnectRequest) (fleet.Identity, error) {
	q := store.ActiveQuery{IdentityID: req.IdentityID, Handle: req.Handle}
	if q.IdentityID == "" && q.Handle == "" {
		return fleet.Identity{}, fmt.Errorf("reconciler: identity id or handle required: %w", fleet.ErrNotFound)
	}
	if req.Account != "" {
		acct, err := r.lookupAccount(ctx, req.Account)
		if err != nil {
			return fleet.Identity{}, err
		}
		q.AccountID = acct.ID
	}
	if req.Server != "" {
		server, err := r.registry.Resolve(ctx, req.Server)
		if err != nil {
			return fleet.Identity{}, err
		}
		q.ServerID = server.ID
	}
	ident, err := r.store.FindActiveIdentity(ctx, q)
	if err != nil {
		return fleet.Identity{}, fmt.Errorf("reconciler: no active identity: %w", err)
	}
	return ident, nil
}

// Update applies patch on the backend and mirrors status, limit and expiry
// into the local row.
func (r *Reconciler) Update(ctx context.Context, identityID string, patch backend.Patch) (fleet.Identity, error) {
	ident, err := r.update(ctx, identityID, patch)
	r.observe("update", err)
	return ident, err
}

func (r *Reconciler) update(ctx context.Context, identityID string, patch backend.Patch) (fleet.Identity, error) {
	ident, err := r.store.GetIdentity(ctx, identityID)
	if err != nil {
		return fleet.Identity{}, fmt.Errorf("reconciler: %w", err)
	}
	server, err := r.registry.Get(ctx, ident.ServerID)
	if err != nil {
		return fleet.Identity{}, err
	}
	_, ident, err = r.apply(ctx, server, ident, patch)
	return ident, err
}

// UpdateHandle applies patch to handle on the selected server. An active
// local row for the handle is mirrored as in Update; a handle without one
// is changed on the backend only.
func (r *Reconciler) UpdateHandle(ctx context.Context, selector, handle string, patch backend.Patch) (backend.Identity, error) {
	server, err := r.registry.Resolve(ctx, selector)
	if err != nil {
		r.observe("update", err)
		return backend.Identity{}, err
	}
	ident, err := r.store.FindActiveIdentity(ctx, store.ActiveQuery{ServerID: server.ID, Handle: handle})
	switch {
	case err == nil:
		updated, _, err := r.apply(ctx, server, ident, patch)
		r.observe("update", err)
		return updated, err
	case !errors.Is(err, fleet.ErrNotFound):
		return backend.Identity{}, fmt.Errorf("reconciler: %w", err)
	}

	updated, err := r.backendUpdate(ctx, server, handle, patch)
	r.observe("update", err)
	return updated, err
}

func (r *Reconciler) backendUpdate(ctx context.Context, server fleet.BackendServer, handle string, patch backend.Patch) (backend.Identity, error) {
	adapter, err := r.registry.Adapter(server)
	if err != nil {
		return backend.Identity{}, err
	}
	var updated backend.Identity
	err = r.withRetry(context.WithoutCancel(ctx), "update", func(ctx context.Context) error {
		var err error
		updated, err = adapter.UpdateIdentity(ctx, handle, patch)
		return err
	})
	if err != nil {
		return backend.Identity{}, fmt.Errorf("reconciler: update %s on %s: %w", handle, server.Name, err)
	}
	return updated, nil
}

func (r *Reconciler) apply(ctx context.Context, server fleet.BackendServer, ident fleet.Identity, patch backend.Patch) (backend.Identity, fleet.Identity, error) {
	updated, err := r.backendUpdate(ctx, server, ident.BackendUsername, patch)
	if err != nil {
		return backend.Identity{}, fleet.Identity{}, err
	}
	bctx := context.WithoutCancel(ctx)

	u := store.IdentityUpdate{
		Status:         ident.Status,
		DataLimitBytes: ident.DataLimitBytes,
		ExpiresAt:      ident.ExpiresAt,
	}
	if patch.Status != nil {
		u.Status = fleet.StatusInactive
		if updated.Status == "active" || (updated.Status == "" && *patch.Status == "active") {
			u.Status = fleet.StatusActive
		}
	}
	if patch.DataLimitBytes != nil {
		u.DataLimitBytes = nil
		if *patch.DataLimitBytes > 0 {
			v := *patch.DataLimitBytes
			u.DataLimitBytes = &v
		}
	}
	if patch.ExpiresAt != nil {
		u.ExpiresAt = nil
		if !patch.ExpiresAt.IsZero() {
			t := patch.ExpiresAt.Truncate(time.Second)
			u.ExpiresAt = &t
		}
	}

	if err := r.store.UpdateIdentity(bctx, ident.ID, u); err != nil {
		pf := &fleet.PartialFailure{
			Op:        "update",
			ServerID:  server.ID,
			Handle:    ident.BackendUsername,
			BackendOK: true,
			LocalOK:   false,
			Err:       err,
		}
		r.reportPartial(pf)
		return updated, fleet.Identity{}, pf
	}

	ident.Status, ident.DataLimitBytes, ident.ExpiresAt = u.Status, u.DataLimitBytes, u.ExpiresAt
	r.logger.Info("reconciler: identity updated",
		"identity_id", ident.ID, "server_id", server.ID, "handle", ident.BackendUsername, "status", ident.Status)
	return updated, ident, nil
}

// RemoveOrphan deletes a backend identity that has no active local row, the
// manual cleanup for a provision that failed locally. A handle that is still
// active locally must go through Disconnect instead.
func (r *Reconciler) RemoveOrphan(ctx context.Context, selector, handle string) error {
	server, err := r.registry.Resolve(ctx, selector)
	if err != nil {
		return err
	}
	_, err = r.store.FindActiveIdentity(ctx, store.ActiveQuery{ServerID: server.ID, Handle: handle})
	switch {
	case err == nil:
		return fmt.Errorf("reconciler: %s is active on %s, disconnect it instead: %w", handle, server.Name, fleet.ErrConflict)
	case !errors.Is(err, fleet.ErrNotFound):
		return fmt.Errorf("reconciler: %w", err)
	}

	adapter, err := r.registry.Adapter(server)
	if err != nil {
		return err
	}
	err = r.withRetry(context.WithoutCancel(ctx), "delete", func(ctx context.Context) error {
		return adapter.DeleteIdentity(ctx, handle)
	})
	if err != nil {
		return fmt.Errorf("reconciler: remove %s on %s: %w", handle, server.Name, err)
	}
	r.logger.Info("reconciler: orphaned backend identity removed", "server_id", server.ID, "handle", handle)
	return nil
}

// withRetry runs fn under the backend timeout and retries once, after
// RetryDelay, when the backend was unreachable.
func (r *Reconciler) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	err := r.attempt(ctx, fn)
	if !errors.Is(err, fleet.ErrBackendUnreachable) {
		return err
	}

	metrics.BackendRetriesTotal.WithLabelValues(op).Inc()
	r.logger.Warn("reconciler: backend unreachable, retrying once", "op", op, "err", err)
	if r.opts.RetryDelay > 0 {
		t := time.NewTimer(r.opts.RetryDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return err
		}
	}
	return r.attempt(ctx, fn)
}

func (r *Reconciler) attempt(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.BackendTimeout)
	defer cancel()
	err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, fleet.ErrBackendUnreachable) {
		return &fleet.BackendError{Kind: fleet.ErrBackendUnreachable, Op: "timeout", Err: err}
	}
	return err
}

func (r *Reconciler) reportPartial(pf *fleet.PartialFailure) {
	metrics.PartialFailuresTotal.WithLabelValues(pf.Op).Inc()
	r.logger.Error("reconciler: partial failure, manual reconciliation required",
		"op", pf.Op, "server_id", pf.ServerID, "handle", pf.Handle,
		"backend_ok", pf.BackendOK, "local_ok", pf.LocalOK, "err", pf.Err)
	if r.opts.OnPartialFailure != nil {
		r.opts.OnPartialFailure(pf)
	}
}

func (r *Reconciler) observe(op string, err error) {
	metrics.SessionsTotal.WithLabelValues(op, outcome(err)).Inc()
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if _, ok := fleet.IsPartialFailure(err); ok {
		return "partial_failure"
	}
	for _, k := range []struct {
		err  error
		name string
	}{
		{fleet.ErrNotFound, "not_found"},
		{fleet.ErrConflict, "conflict"},
		{fleet.ErrDeviceLimit, "device_limit"},
		{fleet.ErrNoServerAvailable, "no_server"},
		{fleet.ErrMisconfiguredServer, "misconfigured"},
		{fleet.ErrBackendUnreachable, "unreachable"},
		{fleet.ErrBackendRejected, "rejected"},
	} {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "error"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
