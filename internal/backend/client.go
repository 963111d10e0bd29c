package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
	"github.com/pochtmanr/dopplerland-sub001/internal/metrics"
)

// DefaultTimeout bounds every backend call when no timeout is configured.
const DefaultTimeout = 10 * time.Second

const maxBodySize = 1 << 20

// Client is a thin HTTP client for a backend control-plane API.
type Client struct {
	name    string
	family  fleet.Family
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL. A zero timeout means DefaultTimeout.
func NewClient(name string, family fleet.Family, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		name:    name,
		family:  family,
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the label used in errors.
func (c *Client) Name() string {
	return c.name
}

// Request describes one backend call.
type Request struct {
	Op     string
	Method string
	Path   string
	Query  url.Values
	JSON   any
	Form   url.Values
	Header http.Header
}

// Do performs req and decodes a JSON response into out (which may be nil).
// Failures are returned as *fleet.BackendError.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	start := time.Now()
	err := c.do(ctx, req, out)
	metrics.ObserveBackendRequest(string(c.family), req.Op, outcome(err), time.Since(start))
	return err
}

func (c *Client) do(ctx context.Context, req Request, out any) error {
	u := c.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.JSON != nil:
		payload, err := json.Marshal(req.JSON)
		if err != nil {
			return c.fail(req.Op, fleet.ErrBackendRejected, 0, "", fmt.Errorf("encoding request: %w", err))
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return c.fail(req.Op, fleet.ErrBackendRejected, 0, "", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")

	res, err := c.http.Do(httpReq)
	if err != nil {
		return c.fail(req.Op, fleet.ErrBackendUnreachable, 0, "", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return c.fail(req.Op, fleet.ErrBackendUnreachable, res.StatusCode, "", fmt.Errorf("reading response: %w", err))
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := errorMessage(data)
		switch {
		case res.StatusCode >= 500:
			return c.fail(req.Op, fleet.ErrBackendUnreachable, res.StatusCode, msg, nil)
		case res.StatusCode == http.StatusNotFound:
			return c.fail(req.Op, fleet.ErrNotFound, res.StatusCode, msg, nil)
		default:
			return c.fail(req.Op, fleet.ErrBackendRejected, res.StatusCode, msg, nil)
		}
	}

	if out == nil || res.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return c.fail(req.Op, fleet.ErrBackendRejected, res.StatusCode, "invalid response body", err)
	}
	return nil
}

func (c *Client) fail(op string, kind error, status int, msg string, err error) error {
	return &fleet.BackendError{
		Kind:    kind,
		Op:      op,
		Server:  c.name,
		Status:  status,
		Message: msg,
		Err:     err,
	}
}

// errorMessage extracts a human readable message from an error body. The
// panels answer with {"detail": ...}, {"error": ...} or plain text.
func errorMessage(data []byte) string {
	var body struct {
		Detail  json.RawMessage `json:"detail"`
		Error   string          `json:"error"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		switch {
		case body.Error != "":
			return body.Error
		case body.Message != "":
			return body.Message
		case len(body.Detail) > 0:
			var s string
			if json.Unmarshal(body.Detail, &s) == nil {
				return s
			}
			return string(body.Detail)
		}
	}
	return strings.TrimSpace(string(data))
}

// StatusCode returns the HTTP status carried by a backend error, or 0.
func StatusCode(err error) int {
	var be *fleet.BackendError
	if errors.As(err, &be) {
		return be.Status
	}
	return 0
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, fleet.ErrNotFound):
		return "not_found"
	case errors.Is(err, fleet.ErrBackendUnreachable):
		return "unreachable"
	default:
		return "rejected"
	}
}
