package minerapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// httpSummary is the wire shape of the HTTP family's summary endpoint.
type httpSummary struct {
	Miner   string `json:"miner"`
	Version string `json:"version"`
	Algo    string `json:"algo"`
	Uptime  int64  `json:"uptime"`

	Hashrate struct {
		Total   []float64   `json:"total"`
		Threads [][]float64 `json:"threads"`
	} `json:"hashrate"`

	CPU struct {
		Brand    string `json:"brand"`
		Affinity []int  `json:"affinity"`
	} `json:"cpu"`

	Connection struct {
		Pool     string `json:"pool"`
		Accepted int64  `json:"accepted"`
		Rejected int64  `json:"rejected"`
	} `json:"connection"`
}

// HTTPClient talks to the HTTP+JSON miner API family.
type HTTPClient struct {
	endpoint   string
	baseURL    string
	httpClient *http.Client
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPTimeout sets the request timeout.
func WithHTTPTimeout(timeout time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		c.httpClient.Timeout = timeout
	}
}

// NewHTTPClient creates a client for the HTTP miner API at host:port.
func NewHTTPClient(host string, port int, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		endpoint: fmt.Sprintf("%s:%d", host, port),
		baseURL:  fmt.Sprintf("http://%s:%d", host, port),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Endpoint returns the host:port this client talks to.
func (c *HTTPClient) Endpoint() string {
	return c.endpoint
}

func (c *HTTPClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

// Summary fetches /2/summary, falling back to the older /api.json path,
// and maps the result to the generic form. Per-core IDs come from the CPU
// affinity list when the miner reports one; otherwise the thread index is
// used.
func (c *HTTPClient) Summary(ctx context.Context) (*Summary, error) {
	body, err := c.get(ctx, "/2/summary")
	if err != nil {
		var fallbackErr error
		body, fallbackErr = c.get(ctx, "/api.json")
		if fallbackErr != nil {
			return nil, err
		}
	}

	var raw httpSummary
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	summary := &Summary{
		Miner:         raw.Miner,
		Version:       raw.Version,
		Algorithm:     raw.Algo,
		UptimeSeconds: raw.Uptime,
		Pool:          raw.Connection.Pool,
		Accepted:      raw.Connection.Accepted,
		Rejected:      raw.Connection.Rejected,
	}

	if len(raw.Hashrate.Total) > 0 {
		summary.HashrateHS = raw.Hashrate.Total[0]
	}

	for i, rates := range raw.Hashrate.Threads {
		if len(rates) == 0 {
			continue
		}
		id := i
		if i < len(raw.CPU.Affinity) {
			id = raw.CPU.Affinity[i]
		}
		summary.Cores = append(summary.Cores, CoreRate{ID: id, RateHS: rates[0]})
	}

	return summary, nil
}

var _ Client = (*HTTPClient)(nil)
