// Package controlplane talks to the remote fleet API: it fetches the
// flightsheet assigned to this device and pushes telemetry snapshots back.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/powerhive/rig-agent/internal/telemetry"
	"github.com/powerhive/rig-agent/pkg/schedule"
)

// Request policy against the control plane. Transient failures are retried
// with linear backoff; the agent keeps running on its last known state when
// the control plane stays unreachable.
const (
	requestTimeout = 10 * time.Second
	maxAttempts    = 3
	retryBackoff   = 2 * time.Second
)

// FetchError is returned when the control plane answers with a non-success
// status. It carries the status code so callers can distinguish "device not
// provisioned" from a server-side failure.
type FetchError struct {
	StatusCode int
	Body       string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("control plane returned status %d: %s", e.StatusCode, e.Body)
}

// Flightsheet is the device assignment held by the control plane: which
// miner to run, its full configuration, and when to run it.
type Flightsheet struct {
	MinerSoftware string          `json:"miner_software"`
	Config        json.RawMessage `json:"config"`
	Schedule      schedule.Spec   `json:"schedules"`
}

// Client is an HTTP client for the control plane API.
type Client struct {
	baseURL    string
	token      string
	logger     *zap.Logger
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client. Used by tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a control plane client. The token is sent as a bearer
// credential on every request.
func NewClient(baseURL, token string, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		logger:  logger,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// do sends one request with bounded retry. Only transport errors and 5xx
// responses are retried; a 4xx is a deliberate answer and returns at once.
func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt-1) * retryBackoff
			c.logger.Warn("retrying control plane request",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := c.doOnce(ctx, method, path, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var fetchErr *FetchError
		if errors.As(err, &fetchErr) && fetchErr.StatusCode < http.StatusInternalServerError {
			return nil, err
		}
	}

	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &FetchError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return body, nil
}

// FetchFlightsheet returns the flightsheet the control plane currently
// assigns to the device.
func (c *Client) FetchFlightsheet(ctx context.Context, deviceID string) (*Flightsheet, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/devices/"+deviceID+"/flightsheet", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch flightsheet: %w", err)
	}

	var sheet Flightsheet
	if err := json.Unmarshal(body, &sheet); err != nil {
		return nil, fmt.Errorf("parse flightsheet: %w", err)
	}

	return &sheet, nil
}

// PushTelemetry uploads one telemetry snapshot for the device.
func (c *Client) PushTelemetry(ctx context.Context, deviceID string, snap *telemetry.External) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}

	if _, err := c.do(ctx, http.MethodPost, "/api/devices/"+deviceID+"/telemetry", payload); err != nil {
		return fmt.Errorf("push telemetry: %w", err)
	}

	return nil
}

// DevicePusher binds a client to one device ID so it satisfies the
// telemetry pusher interface.
type DevicePusher struct {
	client   *Client
	deviceID string
}

// ForDevice returns a pusher bound to the given device ID.
func (c *Client) ForDevice(deviceID string) *DevicePusher {
	return &DevicePusher{client: c, deviceID: deviceID}
}

// PushTelemetry uploads one telemetry snapshot for the bound device.
func (p *DevicePusher) PushTelemetry(ctx context.Context, snap *telemetry.External) error {
	return p.client.PushTelemetry(ctx, p.deviceID, snap)
}
