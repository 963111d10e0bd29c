package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
	"github.com/pochtmanr/dopplerland-sub001/internal/reconciler"
)

type serverView struct {
	fleet.BackendServer
	Status string `json:"status"`
}

// handleClientServers lists active servers with their last known health.
func (s *Server) handleClientServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	servers, err := s.servers.ListServers(r.Context(), true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	states := make(map[string]string)
	for _, h := range s.query.Health(r.Context(), false) {
		states[h.ServerID] = string(h.State)
	}

	out := make([]serverView, 0, len(servers))
	for _, srv := range servers {
		state := states[srv.ID]
		if state == "" {
			state = "unknown"
		}
		out = append(out, serverView{BackendServer: srv, Status: state})
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}

type connectRequest struct {
	AccountID string `json:"account_id"`
	ServerID  string `json:"server_id"`
	DeviceID  string `json:"device_id"`
	Platform  string `json:"platform"`
	Protocol  string `json:"protocol"`
}

type connectResponse struct {
	IdentityID string     `json:"identity_id"`
	ServerID   string     `json:"server_id"`
	Server     string     `json:"server"`
	Handle     string     `json:"handle"`
	PublicKey  string     `json:"public_key,omitempty"`
	Protocol   string     `json:"protocol"`
	Config     string     `json:"config"`
	ConfigURL  string     `json:"config_url,omitempty"`
	Links      []string   `json:"links,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at"`
	Tier       string     `json:"tier"`
	Existing   bool       `json:"existing"`
}

func parsePlatform(p string) fleet.Platform {
	switch fleet.Platform(p) {
	case fleet.PlatformApp, fleet.PlatformTelegram:
		return fleet.Platform(p)
	default:
		return fleet.PlatformUnknown
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, invalid("invalid request body"))
		return
	}
	if req.AccountID == "" || req.ServerID == "" {
		s.writeError(w, r, invalid("account_id and server_id required"))
		return
	}

	res, err := s.rec.Provision(r.Context(), reconciler.ProvisionRequest{
		Account:  req.AccountID,
		Server:   req.ServerID,
		Protocol: req.Protocol,
		Platform: parsePlatform(req.Platform),
		DeviceID: req.DeviceID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ident := res.Identity
	out := connectResponse{
		IdentityID: ident.ID,
		ServerID:   res.Server.ID,
		Server:     res.Server.Name,
		Handle:     ident.BackendUsername,
		Protocol:   ident.Protocol,
		Config:     ident.ConfigData,
		ConfigURL:  ident.ConfigURL,
		Links:      res.Backend.Links,
		ExpiresAt:  ident.ExpiresAt,
		Tier:       ident.Tier,
		Existing:   res.Existing,
	}
	if res.Server.Family == fleet.FamilyPeer {
		out.PublicKey = ident.BackendUsername
	}
	writeJSON(w, http.StatusOK, out)
}

type disconnectRequest struct {
	AccountID string `json:"account_id"`
	PublicKey string `json:"public_key"`
	ConfigID  string `json:"config_id"`
	ServerID  string `json:"server_id"`
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req disconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, invalid("invalid request body"))
		return
	}
	if req.AccountID == "" || (req.PublicKey == "" && req.ConfigID == "") {
		s.writeError(w, r, invalid("account_id and (public_key or config_id) required"))
		return
	}

	res, err := s.rec.Disconnect(r.Context(), reconciler.DisconnectRequest{
		IdentityID: req.ConfigID,
		Account:    req.AccountID,
		Server:     req.ServerID,
		Handle:     req.PublicKey,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, disconnectView(res))
}

func disconnectView(res reconciler.DisconnectResult) map[string]any {
	out := map[string]any{
		"success":      true,
		"identity_id":  res.Identity.ID,
		"already_gone": res.AlreadyGone,
	}
	if res.BackendErr != nil {
		_, code := classify(res.BackendErr)
		out["backend_error"] = res.BackendErr.Error()
		out["backend_error_code"] = code
	}
	return out
}
