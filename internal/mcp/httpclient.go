package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/meltforce/repform/internal/exercise"
	"github.com/meltforce/repform/internal/faults"
	"github.com/meltforce/repform/internal/models"
	"github.com/meltforce/repform/internal/scoring"
	"github.com/meltforce/repform/internal/tracker"
)

// HTTPClient implements DataSource by calling the repform REST API.
// Used for remote MCP mode where the binary runs locally (stdio) but
// the analysis runs on the remote server (accessed over Tailscale).
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Compile-time check: HTTPClient satisfies DataSource.
var _ DataSource = (*HTTPClient)(nil)

// NewHTTPClient creates an HTTPClient targeting the given base URL. apiKey
// is only needed for score_form.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends a request and decodes a JSON response into out. Statuses other
// than 200 are errors unless listed in accept.
func (c *HTTPClient) do(ctx context.Context, method, path string, params url.Values, body any, out any, accept ...int) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("httpclient: encode %s: %w", path, err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return fmt.Errorf("httpclient: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("httpclient: %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("httpclient: read body: %w", err)
	}

	ok := resp.StatusCode == http.StatusOK
	for _, s := range accept {
		ok = ok || resp.StatusCode == s
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("httpclient: %s: %w", path, ErrNotFound)
	case !ok:
		return fmt.Errorf("httpclient: %s returned %d: %s", path, resp.StatusCode, bytes.TrimSpace(data))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("httpclient: decode %s: %w", path, err)
	}
	return nil
}

func (c *HTTPClient) ActiveSessions(ctx context.Context) ([]tracker.SessionSnapshot, error) {
	var out []tracker.SessionSnapshot
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) SessionProgress(ctx context.Context, sessionID string) (*scoring.SessionProgress, error) {
	var p scoring.SessionProgress
	path := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/progress"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SystemHealth accepts the 503 the server answers with when unhealthy.
func (c *HTTPClient) SystemHealth(ctx context.Context) (*faults.Health, error) {
	var h faults.Health
	if err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, nil, &h, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *HTTPClient) ErrorStats(ctx context.Context) (*faults.Stats, error) {
	var s faults.Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/errors/stats", nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *HTTPClient) Exercises(ctx context.Context) ([]exercise.Definition, error) {
	var defs []exercise.Definition
	if err := c.do(ctx, http.MethodGet, "/api/v1/exercises", nil, nil, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

func (c *HTTPClient) ScoreForm(ctx context.Context, req ScoreRequest) (*scoring.FormScore, error) {
	var fs scoring.FormScore
	if err := c.do(ctx, http.MethodPost, "/api/v1/score", nil, req, &fs); err != nil {
		return nil, err
	}
	return &fs, nil
}

func (c *HTTPClient) SessionHistory(ctx context.Context, limit int) ([]models.SessionRow, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var rows []models.SessionRow
	if err := c.do(ctx, http.MethodGet, "/api/v1/history/sessions", params, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *HTTPClient) RepHistory(ctx context.Context, sessionID string) ([]models.RepRow, error) {
	var rows []models.RepRow
	path := "/api/v1/history/sessions/" + url.PathEscape(sessionID) + "/reps"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *HTTPClient) DataStats(ctx context.Context) (*models.DataStats, error) {
	var stats models.DataStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/history/stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}
