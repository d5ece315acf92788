// Package telemetry collects a per-minute snapshot of the device and the
// mining process. Every data source is wrapped with a fallback so a failing
// probe degrades the snapshot instead of breaking the cycle.
package telemetry

import (
	"time"

	"github.com/powerhive/rig-agent/internal/probe"
	"github.com/powerhive/rig-agent/internal/supervisor"
	"github.com/powerhive/rig-agent/pkg/schedule"
)

// MinerSoftware is the live miner state as reported by its local API.
// When the API is unreachable the zero value stands in: hashrate zero,
// status still comes from the supervisor, which is an independent signal.
type MinerSoftware struct {
	Name          string  `json:"name"`
	Version       string  `json:"version"`
	Algorithm     string  `json:"algorithm"`
	HashrateHS    float64 `json:"hashrate_hs"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	APIEndpoint   string  `json:"api_endpoint,omitempty"`
	Reachable     bool    `json:"reachable"`
}

// PoolInfo is the mining pool connection state.
type PoolInfo struct {
	URL      string `json:"url"`
	Accepted int64  `json:"accepted"`
	Rejected int64  `json:"rejected"`
}

// CoreStat is one CPU core with its hardware metadata and the hashrate the
// miner attributes to it. The join happens by core ID, never by position.
type CoreStat struct {
	ID         int     `json:"id"`
	Model      string  `json:"model"`
	HashrateHS float64 `json:"hashrate_hs"`
}

// DeviceInfo is the static and slow-moving hardware state.
type DeviceInfo struct {
	Profile  probe.Profile `json:"profile"`
	CPUTempC float64       `json:"cpu_temp_c"`
	Cores    []CoreStat    `json:"cores"`
}

// NetworkInfo is the device's network state.
type NetworkInfo struct {
	ExternalIP string                `json:"external_ip"`
	PingMS     float64               `json:"ping_ms"`
	Interfaces []probe.InterfaceRate `json:"interfaces"`
}

// Snapshot is one immutable telemetry result. It is the only entity
// persisted as the current telemetry file.
type Snapshot struct {
	CollectedAt time.Time         `json:"collected_at"`
	Status      supervisor.Status `json:"status"`
	Miner       MinerSoftware     `json:"miner_software"`
	Pool        PoolInfo          `json:"pool"`
	Device      DeviceInfo        `json:"device_info"`
	Network     NetworkInfo       `json:"network"`
	Battery     probe.Battery     `json:"battery"`
	Schedule    schedule.Spec     `json:"schedules"`
	History     []HistoryPoint    `json:"historical_hashrate"`
}

// External is the externally visible subset of a snapshot: everything but
// the raw schedule and history payloads.
type External struct {
	CollectedAt time.Time         `json:"collected_at"`
	Status      supervisor.Status `json:"status"`
	Miner       MinerSoftware     `json:"miner_software"`
	Pool        PoolInfo          `json:"pool"`
	Device      DeviceInfo        `json:"device_info"`
	Network     NetworkInfo       `json:"network"`
	Battery     probe.Battery     `json:"battery"`
}

// Externalize returns the externally visible subset.
func (s *Snapshot) Externalize() *External {
	return &External{
		CollectedAt: s.CollectedAt,
		Status:      s.Status,
		Miner:       s.Miner,
		Pool:        s.Pool,
		Device:      s.Device,
		Network:     s.Network,
		Battery:     s.Battery,
	}
}
