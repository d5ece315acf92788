package minerapi

import (
	"context"
	"errors"
	"time"
)

// ErrNoMinerAPI indicates none of the candidate endpoints answered.
var ErrNoMinerAPI = errors.New("no miner API detected")

// Detector probes a fixed list of endpoint candidates and returns a client
// for the first one that answers a summary request. Callers cache the
// resulting client and re-detect only after failures.
type Detector struct {
	candidates []Endpoint
	timeout    time.Duration
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithDetectTimeout sets the per-candidate probe timeout.
func WithDetectTimeout(timeout time.Duration) DetectorOption {
	return func(d *Detector) {
		d.timeout = timeout
	}
}

// NewDetector creates a detector over the given candidates. Candidates are
// tried in order, so the most likely endpoint should come first.
func NewDetector(candidates []Endpoint, opts ...DetectorOption) *Detector {
	d := &Detector{
		candidates: candidates,
		timeout:    3 * time.Second,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// clientFor builds a client for a single candidate.
func (d *Detector) clientFor(ep Endpoint) Client {
	switch ep.Protocol {
	case ProtocolTCP:
		return NewLineClient(ep.Host, ep.Port, WithLineTimeout(d.timeout))
	default:
		return NewHTTPClient(ep.Host, ep.Port, WithHTTPTimeout(d.timeout))
	}
}

// Detect probes each candidate in order and returns the first client whose
// summary request succeeds, together with the endpoint it answered on.
func (d *Detector) Detect(ctx context.Context) (Client, Endpoint, error) {
	var lastErr error

	for _, ep := range d.candidates {
		client := d.clientFor(ep)

		probeCtx, cancel := context.WithTimeout(ctx, d.timeout)
		_, err := client.Summary(probeCtx)
		cancel()

		if err == nil {
			return client, ep, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, Endpoint{}, ctx.Err()
		default:
		}
	}

	if lastErr != nil {
		return nil, Endpoint{}, lastErr
	}
	return nil, Endpoint{}, ErrNoMinerAPI
}
