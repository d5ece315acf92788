package probe

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/powerhive/rig-agent/pkg/cache"
)

// Cache TTLs for the network probes. Ping and external IP change slowly.
// The previous traffic counter sample is read without a TTL: the rate
// computation spans full collection cycles, so the sample must outlive the
// cycle interval. TrafficMaxAge bounds how old it may be before the rate
// resets to zero.
const (
	PingTTL       = 60 * time.Second
	ExternalIPTTL = 5 * time.Minute
	TrafficMaxAge = 3 * time.Minute
)

// TrafficSample is a raw per-interface counter reading.
type TrafficSample struct {
	RxBytes int64
	TxBytes int64
	At      time.Time
}

// InterfaceRate is the derived per-interface throughput between two
// consecutive counter samples.
type InterfaceRate struct {
	Name          string  `json:"name"`
	RxBytesPerSec float64 `json:"rx_bytes_per_sec"`
	TxBytesPerSec float64 `json:"tx_bytes_per_sec"`
}

// Network probes interface traffic, ping latency, and the external IP.
// Expensive lookups are cached so repeated collection cycles do not hammer
// the OS or external services.
type Network struct {
	runner     Runner
	readFile   func(string) ([]byte, error)
	httpClient *http.Client
	now        func() time.Time

	pingCache    *cache.Cache[string, float64]
	trafficCache *cache.Cache[string, TrafficSample]
	ipCache      *cache.Cache[string, string]

	externalIPURL string
}

// NetworkOption configures a Network prober.
type NetworkOption func(*Network)

// WithNetworkReadFile overrides filesystem reads. Used by tests.
func WithNetworkReadFile(fn func(string) ([]byte, error)) NetworkOption {
	return func(n *Network) {
		n.readFile = fn
	}
}

// WithExternalIPURL overrides the external IP lookup service.
func WithExternalIPURL(url string) NetworkOption {
	return func(n *Network) {
		n.externalIPURL = url
	}
}

// WithNetworkClock overrides the time source. Used by tests.
func WithNetworkClock(now func() time.Time) NetworkOption {
	return func(n *Network) {
		n.now = now
	}
}

// NewNetwork creates a network prober. The caches are owned by the caller
// so tests can construct isolated instances.
func NewNetwork(
	runner Runner,
	pingCache *cache.Cache[string, float64],
	trafficCache *cache.Cache[string, TrafficSample],
	ipCache *cache.Cache[string, string],
	opts ...NetworkOption,
) *Network {
	n := &Network{
		runner:        runner,
		readFile:      os.ReadFile,
		httpClient:    &http.Client{Timeout: 5 * time.Second},
		now:           time.Now,
		pingCache:     pingCache,
		trafficCache:  trafficCache,
		ipCache:       ipCache,
		externalIPURL: "https://api.ipify.org",
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// readCounters parses /proc/net/dev into per-interface samples, skipping
// the loopback device.
func (n *Network) readCounters() (map[string]TrafficSample, error) {
	data, err := n.readFile("/proc/net/dev")
	if err != nil {
		return nil, fmt.Errorf("read /proc/net/dev: %w", err)
	}

	samples := make(map[string]TrafficSample)
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	now := n.now()
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		if name == "" || name == "lo" {
			continue
		}
		fields := strings.Fields(line[idx+1:])
		if len(fields) < 10 {
			continue
		}
		rx, err1 := strconv.ParseInt(fields[0], 10, 64)
		tx, err2 := strconv.ParseInt(fields[8], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		samples[name] = TrafficSample{RxBytes: rx, TxBytes: tx, At: now}
	}
	return samples, nil
}

// TrafficRates returns per-interface throughput computed against the
// previous cached counter sample. Interfaces without a usable previous
// sample, or one older than TrafficMaxAge, report zero rates; the fresh
// sample is cached either way.
func (n *Network) TrafficRates() ([]InterfaceRate, error) {
	samples, err := n.readCounters()
	if err != nil {
		return nil, err
	}

	rates := make([]InterfaceRate, 0, len(samples))
	for name, sample := range samples {
		rate := InterfaceRate{Name: name}
		if prev, ok := n.trafficCache.Get(name, 0); ok {
			age := sample.At.Sub(prev.At)
			dt := age.Seconds()
			if dt > 0 && age <= TrafficMaxAge &&
				sample.RxBytes >= prev.RxBytes && sample.TxBytes >= prev.TxBytes {
				rate.RxBytesPerSec = float64(sample.RxBytes-prev.RxBytes) / dt
				rate.TxBytesPerSec = float64(sample.TxBytes-prev.TxBytes) / dt
			}
		}
		n.trafficCache.Set(name, sample)
		rates = append(rates, rate)
	}
	return rates, nil
}

var pingTimePattern = regexp.MustCompile(`time=([0-9.]+)`)

// PingLatency returns the round-trip latency to host in milliseconds,
// serving a cached value when one is fresh.
func (n *Network) PingLatency(ctx context.Context, host string) (float64, error) {
	if latency, ok := n.pingCache.Get(host, PingTTL); ok {
		return latency, nil
	}

	out, err := n.runner.Run(ctx, "ping", "-c", "1", "-W", "3", host)
	if err != nil {
		return 0, fmt.Errorf("ping %s: %w", host, err)
	}

	match := pingTimePattern.FindStringSubmatch(out)
	if match == nil {
		return 0, fmt.Errorf("ping %s: no time in output", host)
	}
	latency, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, fmt.Errorf("ping %s: parse time: %w", host, err)
	}

	n.pingCache.Set(host, latency)
	return latency, nil
}

// ExternalIP returns the public IP of this device, serving a cached value
// when one is fresh.
func (n *Network) ExternalIP(ctx context.Context) (string, error) {
	if ip, ok := n.ipCache.Get("external", ExternalIPTTL); ok {
		return ip, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.externalIPURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("external IP lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("external IP lookup: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", fmt.Errorf("external IP lookup: read: %w", err)
	}

	ip := strings.TrimSpace(string(body))
	if ip == "" {
		return "", fmt.Errorf("external IP lookup: empty response")
	}

	n.ipCache.Set("external", ip)
	return ip, nil
}
