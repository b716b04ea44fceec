package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxErrorBody          = 2048
)

// Client talks to the job, checkpoint, file and tool endpoints of one
// backend base address.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens TokenProvider
	now    func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithNow overrides the clock used to stamp snapshots.
func WithNow(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient validates the base URL and returns a Client. The token
// provider is consulted only for endpoints that require bearer auth.
func NewClient(baseURL string, tokens TokenProvider, opts ...Option) (*Client, error) {
	raw := strings.TrimSpace(baseURL)
	if raw == "" {
		return nil, errors.New("base url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("base url must use http or https: %s", raw)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url missing host: %s", raw)
	}
	if tokens == nil {
		return nil, errors.New("token provider is required")
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")

	c := &Client{
		base: parsed,
		http: &http.Client{
			Timeout:   defaultRequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		tokens: tokens,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the configured base address.
func (c *Client) BaseURL() string {
	if c == nil {
		return ""
	}
	return c.base.String()
}

// GetJob fetches the current record for jobID.
func (c *Client) GetJob(ctx context.Context, jobID string) (*JobSnapshot, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, errors.New("job id is required")
	}

	var payload jobPayload
	if err := c.getJSON(ctx, c.endpoint("jobs", jobID), true, &payload); err != nil {
		return nil, err
	}
	return payload.snapshot(c.now().UTC()), nil
}

// ListCheckpoints fetches the checkpoint artifacts recorded for jobID.
func (c *Client) ListCheckpoints(ctx context.Context, jobID string) ([]CheckpointRecord, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, errors.New("job id is required")
	}

	var records []CheckpointRecord
	if err := c.getJSON(ctx, c.endpoint("checkpoints", jobID), false, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// PlotData fetches the derived plot dataset for jobID.
func (c *Client) PlotData(ctx context.Context, jobID string) ([]PlotPoint, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, errors.New("job id is required")
	}

	endpoint := c.endpoint("checkpoints", jobID, "get-data")
	var records []CheckpointRecord
	if err := c.getJSON(ctx, endpoint, false, &records); err != nil {
		return nil, err
	}

	points := make([]PlotPoint, 0, len(records))
	for _, rec := range records {
		point, err := NewPlotPoint(rec)
		if err != nil {
			return nil, &ParseError{Endpoint: endpoint, Err: err}
		}
		points = append(points, point)
	}
	return points, nil
}

// OpenArtifact issues the authenticated download request for cid and
// returns the response body. The caller must close it.
func (c *Client) OpenArtifact(ctx context.Context, cid string) (io.ReadCloser, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	if err := ValidateCID(cid); err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, c.endpoint("datafiles", strings.TrimSpace(cid), "download"), true)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// LogStreamURL returns the websocket address of the log stream for an
// external job identity.
func (c *Client) LogStreamURL(externalID string) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return "", errors.New("external job id is required")
	}

	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = c.base.Path + "/jobs/" + externalID + "/logs"
	u.RawPath = c.base.EscapedPath() + "/jobs/" + url.PathEscape(externalID) + "/logs"
	u.RawQuery = ""
	return u.String(), nil
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u := *c.base
	u.Path = c.base.Path + "/" + strings.Join(segments, "/")
	u.RawPath = c.base.EscapedPath() + "/" + strings.Join(escaped, "/")
	return u.String()
}

func (c *Client) getJSON(ctx context.Context, endpoint string, auth bool, out any) error {
	resp, err := c.do(ctx, endpoint, auth)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ParseError{Endpoint: endpoint, Err: err}
	}
	return nil
}

// do performs a GET and returns the response only for 2xx statuses.
func (c *Client) do(ctx context.Context, endpoint string, auth bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if auth {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, &AuthError{Err: err}
		}
		if strings.TrimSpace(token) == "" {
			return nil, &AuthError{Err: errors.New("empty token")}
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("get %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &FetchError{
			Method:     http.MethodGet,
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(data),
		}
	}
	return resp, nil
}

// errorMessage prefers the {"error": "..."} envelope and falls back to
// the trimmed body text.
func errorMessage(body []byte) string {
	var envelope struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && strings.TrimSpace(envelope.Error) != "" {
		return strings.TrimSpace(envelope.Error)
	}
	return strings.TrimSpace(string(body))
}
