// Package minerapi provides clients for the local miner process APIs. Two
// families are supported behind one interface: an HTTP+JSON API and a TCP
// line protocol exchanging key=value; pairs over a short-lived connection.
package minerapi

import "context"

// CoreRate is the hashrate contributed by a single core, keyed by the core
// identifier the miner reports. Joining to hardware metadata happens by ID,
// never by array position.
type CoreRate struct {
	ID     int     `json:"id"`
	RateHS float64 `json:"rate_hs"`
}

// Summary is a firmware-agnostic snapshot of the live miner API.
type Summary struct {
	Miner         string     `json:"miner"`
	Version       string     `json:"version"`
	Algorithm     string     `json:"algorithm"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	HashrateHS    float64    `json:"hashrate_hs"`
	Cores         []CoreRate `json:"cores"`
	Pool          string     `json:"pool"`
	Accepted      int64      `json:"accepted"`
	Rejected      int64      `json:"rejected"`
}

// Client abstracts miner API operations across protocol families.
type Client interface {
	// Endpoint returns the host:port this client talks to.
	Endpoint() string

	// Summary returns the miner's live statistics.
	Summary(ctx context.Context) (*Summary, error)
}

// Protocol identifies the API family an endpoint speaks.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolTCP  Protocol = "tcp"
)

// Endpoint is a host/port candidate for miner API discovery.
type Endpoint struct {
	Protocol Protocol `json:"protocol"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
}
