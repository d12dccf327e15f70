// Package dashboard fetches admin dashboard data from the frontend's
// /api/admin/dashboard routes.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/singleflight"

	"ncr-proxy-go/internal/client"
)

// BasePath is the route family dashboard data is served from.
const BasePath = "/api/admin/dashboard"

// Query selects one dashboard resource. Both fields are optional.
type Query struct {
	Param   string
	StoreID string
}

// Path returns BasePath, then "/"+Param when Param is set, then
// "?storeID="+StoreID when StoreID is set.
func (q Query) Path() string {
	p := BasePath
	if q.Param != "" {
		p += "/" + q.Param
	}
	if q.StoreID != "" {
		p += "?storeID=" + url.QueryEscape(q.StoreID)
	}
	return p
}

// State is the outcome of a fetch as seen by a dashboard view.
type State struct {
	Data json.RawMessage
	Err  error
}

// IsLoading reports whether neither data nor an error has arrived yet.
func (s State) IsLoading() bool {
	return s.Err == nil && s.Data == nil
}

// IsError reports whether the fetch failed; the cause is in Err.
func (s State) IsError() bool {
	return s.Err != nil
}

// StatusError is returned when the dashboard route answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dashboard: unexpected status %d", e.StatusCode)
}

// ErrNotJSON is returned when a 2xx response body is not valid JSON.
var ErrNotJSON = errors.New("dashboard: response is not valid JSON")

// Client issues dashboard GETs. Concurrent fetches of the same path share a
// single request.
type Client struct {
	backend *client.BackendClient
	baseURL string
	logger  *slog.Logger
	group   singleflight.Group

	// beforeFetch, when set, runs as each caller is about to join or start
	// the shared fetch. Tests use it to line callers up.
	beforeFetch func(path string)
}

// NewClient creates a Client for the frontend at baseURL.
func NewClient(bc *client.BackendClient, baseURL string, logger *slog.Logger) *Client {
	return &Client{
		backend: bc,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("component", "dashboard_client"),
	}
}

// Fetch retrieves q and returns the resulting State. It never returns a
// loading state: the call blocks until data or an error is available.
func (c *Client) Fetch(ctx context.Context, q Query) State {
	path := q.Path()
	if c.beforeFetch != nil {
		c.beforeFetch(path)
	}
	v, err, shared := c.group.Do(path, func() (any, error) {
		return c.fetch(ctx, path)
	})
	c.logger.Debug("dashboard fetch", "path", path, "shared", shared, "err", err)
	if err != nil {
		return State{Err: err}
	}
	return State{Data: v.(json.RawMessage)}
}

func (c *Client) fetch(ctx context.Context, path string) (json.RawMessage, error) {
	header := http.Header{"Accept": {"application/json"}}
	resp, err := c.backend.DoStream(ctx, http.MethodGet, c.baseURL+path, header, nil)
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dashboard: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if !json.Valid(raw) {
		return nil, ErrNotJSON
	}
	return json.RawMessage(raw), nil
}
