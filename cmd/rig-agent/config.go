package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/powerhive/rig-agent/pkg/minerapi"
)

// Config holds all configuration for the rig-agent daemon.
type Config struct {
	// Storage
	DataDir string
	AppsDir string

	// Identity and control plane
	DeviceID          string
	ControlPlaneURL   string
	ControlPlaneToken string

	// Local HTTP surface
	Port int

	// Loop intervals
	TelemetryInterval time.Duration
	ReconcileInterval time.Duration
	ScheduleInterval  time.Duration
	HealthInterval    time.Duration

	// Probing
	PingHost   string
	Candidates []minerapi.Endpoint
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		DataDir:           "storage",
		AppsDir:           "apps",
		Port:              8088,
		TelemetryInterval: 60 * time.Second,
		ReconcileInterval: 60 * time.Second,
		ScheduleInterval:  60 * time.Second,
		HealthInterval:    30 * time.Second,
		PingHost:          "8.8.8.8",
		Candidates: []minerapi.Endpoint{
			{Protocol: minerapi.ProtocolHTTP, Host: "127.0.0.1", Port: 44444},
			{Protocol: minerapi.ProtocolTCP, Host: "127.0.0.1", Port: 4048},
		},
	}
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if v := os.Getenv("RIG_AGENT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RIG_AGENT_APPS_DIR"); v != "" {
		cfg.AppsDir = v
	}
	if v := os.Getenv("RIG_AGENT_DEVICE_ID"); v != "" {
		cfg.DeviceID = v
	}
	if v := os.Getenv("CONTROL_PLANE_URL"); v != "" {
		cfg.ControlPlaneURL = strings.TrimSuffix(v, "/")
	}
	if v := os.Getenv("CONTROL_PLANE_TOKEN"); v != "" {
		cfg.ControlPlaneToken = v
	}
	if v := os.Getenv("RIG_AGENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Port = n
		}
	}
	if v := os.Getenv("RIG_AGENT_TELEMETRY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TelemetryInterval = d
		}
	}
	if v := os.Getenv("RIG_AGENT_RECONCILE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReconcileInterval = d
		}
	}
	if v := os.Getenv("RIG_AGENT_SCHEDULE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ScheduleInterval = d
		}
	}
	if v := os.Getenv("RIG_AGENT_HEALTH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HealthInterval = d
		}
	}
	if v := os.Getenv("RIG_AGENT_PING_HOST"); v != "" {
		cfg.PingHost = v
	}
	// Comma-separated candidate list, e.g. http:127.0.0.1:44444,tcp:127.0.0.1:4048
	if v := os.Getenv("RIG_AGENT_MINER_API_CANDIDATES"); v != "" {
		if candidates := parseCandidates(v); len(candidates) > 0 {
			cfg.Candidates = candidates
		}
	}

	return cfg
}

// parseCandidates parses protocol:host:port triples, skipping malformed
// entries.
func parseCandidates(raw string) []minerapi.Endpoint {
	var candidates []minerapi.Endpoint
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			continue
		}
		port, err := strconv.Atoi(parts[2])
		if err != nil || port <= 0 {
			continue
		}
		protocol := minerapi.Protocol(parts[0])
		if protocol != minerapi.ProtocolHTTP && protocol != minerapi.ProtocolTCP {
			continue
		}
		candidates = append(candidates, minerapi.Endpoint{
			Protocol: protocol,
			Host:     parts[1],
			Port:     port,
		})
	}
	return candidates
}
