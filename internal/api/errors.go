package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
)

type errorBody struct {
	Error          string `json:"error"`
	Code           string `json:"code"`
	BackendMessage string `json:"backend_message,omitempty"`
	ServerID       string `json:"server_id,omitempty"`
	Handle         string `json:"handle,omitempty"`
	BackendOK      *bool  `json:"backend_ok,omitempty"`
	LocalOK        *bool  `json:"local_ok,omitempty"`
}

// badRequest marks caller input errors.
type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

func invalid(msg string) error { return badRequest{msg: msg} }

// classify maps an error to its HTTP status and machine code. Misconfigured
// is checked before the backend kinds because a credential failure wraps
// both.
func classify(err error) (int, string) {
	var br badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, fleet.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, fleet.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, fleet.ErrDeviceLimit):
		return http.StatusForbidden, "device_limit"
	case errors.Is(err, fleet.ErrNoServerAvailable):
		return http.StatusServiceUnavailable, "no_server_available"
	case errors.Is(err, fleet.ErrMisconfiguredServer):
		return http.StatusInternalServerError, "server_misconfigured"
	case errors.Is(err, fleet.ErrBackendUnreachable):
		return http.StatusGatewayTimeout, "backend_unreachable"
	case errors.Is(err, fleet.ErrBackendRejected):
		return http.StatusBadGateway, "backend_rejected"
	case errors.Is(err, context.Canceled):
		return 499, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if pf, ok := fleet.IsPartialFailure(err); ok {
		backendOK, localOK := pf.BackendOK, pf.LocalOK
		writeJSON(w, http.StatusFailedDependency, errorBody{
			Error:     "backend and local record disagree, manual reconciliation required",
			Code:      "partial_failure",
			ServerID:  pf.ServerID,
			Handle:    pf.Handle,
			BackendOK: &backendOK,
			LocalOK:   &localOK,
		})
		return
	}

	status, code := classify(err)
	body := errorBody{Error: err.Error(), Code: code}
	switch code {
	case "server_misconfigured":
		body.Error = fleet.ErrMisconfiguredServer.Error()
	case "backend_rejected", "backend_unreachable", "not_found":
		body.BackendMessage = fleet.BackendMessage(err)
	case "internal":
		body.Error = "internal error"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("api: request failed", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
