package minerapi

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

// LineClient talks to the TCP line-protocol miner API family. Each request
// opens a short-lived connection, sends one command, and reads back a single
// line of key=value; pairs.
type LineClient struct {
	endpoint string
	timeout  time.Duration
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
}

// LineOption configures a LineClient.
type LineOption func(*LineClient)

// WithLineTimeout sets the per-request dial and I/O deadline.
func WithLineTimeout(timeout time.Duration) LineOption {
	return func(c *LineClient) {
		c.timeout = timeout
	}
}

// NewLineClient creates a client for the TCP miner API at host:port.
func NewLineClient(host string, port int, opts ...LineOption) *LineClient {
	c := &LineClient{
		endpoint: fmt.Sprintf("%s:%d", host, port),
		timeout:  5 * time.Second,
	}
	c.dial = (&net.Dialer{}).DialContext

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Endpoint returns the host:port this client talks to.
func (c *LineClient) Endpoint() string {
	return c.endpoint
}

// command sends one command and returns the response line's key=value pairs.
func (c *LineClient) command(ctx context.Context, cmd string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dial(ctx, "tcp", c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.endpoint, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", cmd); err != nil {
		return nil, fmt.Errorf("send %q: %w", cmd, err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("read response to %q: %w", cmd, err)
	}

	return parseLine(line), nil
}

// parseLine splits a "KEY=value;KEY=value;..." response line.
func parseLine(line string) map[string]string {
	pairs := make(map[string]string)
	for _, field := range strings.Split(strings.TrimSpace(line), ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		parts := strings.SplitN(field, "=", 2)
		if len(parts) != 2 {
			continue
		}
		pairs[strings.ToUpper(strings.TrimSpace(parts[0]))] = strings.TrimSpace(parts[1])
	}
	return pairs
}

// Summary issues the summary command and maps it to the generic form.
// Per-core rates arrive as CPU0=...;CPU1=... keys in kH/s. A response
// carrying neither NAME nor KHS is some other TCP service answering on the
// port, not a miner API.
func (c *LineClient) Summary(ctx context.Context) (*Summary, error) {
	pairs, err := c.command(ctx, "summary")
	if err != nil {
		return nil, err
	}

	if _, hasName := pairs["NAME"]; !hasName {
		if _, hasKHS := pairs["KHS"]; !hasKHS {
			return nil, fmt.Errorf("%s: response has no recognized summary keys", c.endpoint)
		}
	}

	summary := &Summary{
		Miner:     pairs["NAME"],
		Version:   pairs["VER"],
		Algorithm: pairs["ALGO"],
		Pool:      pairs["POOL"],
	}

	if v, err := strconv.ParseFloat(pairs["KHS"], 64); err == nil {
		summary.HashrateHS = v * 1000
	}
	if v, err := strconv.ParseInt(pairs["UPTIME"], 10, 64); err == nil {
		summary.UptimeSeconds = v
	}
	if v, err := strconv.ParseInt(pairs["ACC"], 10, 64); err == nil {
		summary.Accepted = v
	}
	if v, err := strconv.ParseInt(pairs["REJ"], 10, 64); err == nil {
		summary.Rejected = v
	}

	for key, value := range pairs {
		if !strings.HasPrefix(key, "CPU") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(key, "CPU"))
		if err != nil {
			continue
		}
		rate, err := strconv.ParseFloat(value, 64)
		if err != nil {
			continue
		}
		summary.Cores = append(summary.Cores, CoreRate{ID: id, RateHS: rate * 1000})
	}
	sort.Slice(summary.Cores, func(i, j int) bool { return summary.Cores[i].ID < summary.Cores[j].ID })

	return summary, nil
}

var _ Client = (*LineClient)(nil)
