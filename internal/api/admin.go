package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pochtmanr/dopplerland-sub001/internal/backend"
	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
	"github.com/pochtmanr/dopplerland-sub001/internal/query"
	"github.com/pochtmanr/dopplerland-sub001/internal/reconciler"
)

func (s *Server) handleAdminServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	servers, err := s.servers.ListServers(r.Context(), false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": servers})
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ov, err := s.query.Overview(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

// handleHealth returns cached probe results; ?fresh=1 probes now.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh"))
	writeJSON(w, http.StatusOK, map[string]any{"servers": s.query.Health(r.Context(), fresh)})
}

func pageParams(q url.Values) (offset, limit int, err error) {
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, invalid("offset must be a non-negative integer")
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, invalid("limit must be a non-negative integer")
		}
	}
	return offset, query.ClampLimit(limit), nil
}

func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	offset, limit, err := pageParams(q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.query.ListIdentities(r.Context(), fleet.IdentityFilter{
		ServerID:   q.Get("server_id"),
		Protocol:   q.Get("protocol"),
		Platform:   q.Get("platform"),
		Status:     q.Get("status"),
		TextSearch: q.Get("search"),
	}, offset, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleIdentityRoute dispatches DELETE and PATCH /api/admin/identities/<id>.
// DELETE removes the local record only; backend teardown goes through the
// disconnect and backend routes.
func (s *Server) handleIdentityRoute(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/admin/identities/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := s.records.DeleteIdentity(r.Context(), id); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.logger.Info("api: identity record deleted by operator", "operator", operatorFrom(r.Context()), "identity_id", id)
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "id": id})
	case http.MethodPatch:
		patch, err := decodePatch(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ident, err := s.rec.Update(r.Context(), id, patch)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ident.ConfigData = ""
		writeJSON(w, http.StatusOK, ident)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// patchRequest uses the panel's field names. expire is a unix time and 0
// clears it; data_limit 0 means unlimited.
type patchRequest struct {
	Status    *string `json:"status"`
	DataLimit *int64  `json:"data_limit"`
	Expire    *int64  `json:"expire"`
}

func decodePatch(r *http.Request) (backend.Patch, error) {
	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return backend.Patch{}, invalid("invalid request body")
	}
	var p backend.Patch
	if req.Status != nil {
		if *req.Status != "active" && *req.Status != "disabled" {
			return backend.Patch{}, invalid(`status must be "active" or "disabled"`)
		}
		p.Status = req.Status
	}
	if req.DataLimit != nil {
		if *req.DataLimit < 0 {
			return backend.Patch{}, invalid("data_limit cannot be negative")
		}
		p.DataLimitBytes = req.DataLimit
	}
	if req.Expire != nil {
		var t time.Time
		if *req.Expire > 0 {
			t = time.Unix(*req.Expire, 0).UTC()
		}
		p.ExpiresAt = &t
	}
	if p.Status == nil && p.DataLimitBytes == nil && p.ExpiresAt == nil {
		return backend.Patch{}, invalid("nothing to update")
	}
	return p, nil
}

// handleBackendRoute serves GET (dashboard) and POST (create) on
// /api/admin/backend?server=<selector>.
func (s *Server) handleBackendRoute(w http.ResponseWriter, r *http.Request) {
	selector := r.URL.Query().Get("server")
	switch r.Method {
	case http.MethodGet:
		offset, limit, err := pageParams(r.URL.Query())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		dash, err := s.query.Dashboard(r.Context(), selector, offset, limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, dash)
	case http.MethodPost:
		s.handleBackendCreate(w, r, selector)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type createRequest struct {
	Username  string `json:"username"`
	Protocol  string `json:"protocol"`
	DataLimit int64  `json:"data_limit"`
	Expire    int64  `json:"expire"`
	Note      string `json:"note"`
	AccountID string `json:"account_id"`
	Platform  string `json:"platform"`
}

func (s *Server) handleBackendCreate(w http.ResponseWriter, r *http.Request, selector string) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, invalid("invalid request body"))
		return
	}
	if req.DataLimit < 0 || req.Expire < 0 {
		s.writeError(w, r, invalid("data_limit and expire cannot be negative"))
		return
	}

	pr := reconciler.ProvisionRequest{
		Account:  req.AccountID,
		Server:   selector,
		Handle:   req.Username,
		Protocol: req.Protocol,
		Platform: parsePlatform(req.Platform),
		Note:     req.Note,
	}
	if req.DataLimit > 0 {
		pr.DataLimitBytes = &req.DataLimit
	}
	if req.Expire > 0 {
		t := time.Unix(req.Expire, 0).UTC()
		pr.ExpiresAt = &t
	}

	res, err := s.rec.Provision(r.Context(), pr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("api: identity created by operator", "operator", operatorFrom(r.Context()),
		"server_id", res.Server.ID, "handle", res.Identity.BackendUsername)
	writeJSON(w, http.StatusCreated, map[string]any{
		"identity": res.Identity,
		"backend":  res.Backend,
	})
}

// handleBackendItemRoute serves GET, PUT and DELETE on
// /api/admin/backend/<handle>?server=<selector>.
func (s *Server) handleBackendItemRoute(w http.ResponseWriter, r *http.Request) {
	handle, err := url.PathUnescape(strings.TrimPrefix(r.URL.EscapedPath(), "/api/admin/backend/"))
	if err != nil || handle == "" {
		http.NotFound(w, r)
		return
	}
	selector := r.URL.Query().Get("server")

	switch r.Method {
	case http.MethodGet:
		ident, err := s.query.ReadOneIdentity(r.Context(), selector, handle)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ident)
	case http.MethodPut:
		patch, err := decodePatch(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ident, err := s.rec.UpdateHandle(r.Context(), selector, handle, patch)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ident)
	case http.MethodDelete:
		if err := s.rec.RemoveOrphan(r.Context(), selector, handle); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.logger.Info("api: backend identity removed by operator", "operator", operatorFrom(r.Context()),
			"server", selector, "handle", handle)
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	results, err := s.syncer.SyncAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var synced, untracked, errs int
	for _, res := range results {
		synced += res.Synced
		untracked += res.Untracked
		errs += res.Errors
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"synced":    synced,
		"untracked": untracked,
		"errors":    errs,
		"servers":   results,
	})
}
