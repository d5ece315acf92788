package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/powerhive/rig-agent/internal/probe"
	"github.com/powerhive/rig-agent/internal/supervisor"
	"github.com/powerhive/rig-agent/pkg/cache"
	"github.com/powerhive/rig-agent/pkg/minerapi"
	"github.com/powerhive/rig-agent/pkg/schedule"
)

// Retry policy for probes that depend on the local miner API.
const (
	minerAPIAttempts = 3
	minerAPIBackoff  = time.Second
)

const minerClientKey = "miner-api"

// StatusSource provides the supervisor's current status. Telemetry only
// reads it; it never touches the process handle.
type StatusSource interface {
	Status() supervisor.Status
}

// Pusher ships a collected snapshot to the control plane.
type Pusher interface {
	PushTelemetry(ctx context.Context, snap *External) error
}

// Collector orchestrates one telemetry cycle: concurrent probes, merge,
// history update, persistence, and the control-plane push.
type Collector struct {
	logger   *zap.Logger
	system   *probe.System
	network  *probe.Network
	status   StatusSource
	detector *minerapi.Detector
	clients  *cache.Cache[string, minerapi.Client]
	store    *Store
	history  *History
	pusher   Pusher

	pingHost string
	interval time.Duration
	now      func() time.Time

	mu        sync.RWMutex
	schedSpec schedule.Spec
	latest    *External
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithPusher enables best-effort control-plane pushes after each cycle.
func WithPusher(p Pusher) CollectorOption {
	return func(c *Collector) { c.pusher = p }
}

// WithPingHost sets the latency probe target.
func WithPingHost(host string) CollectorOption {
	return func(c *Collector) { c.pingHost = host }
}

// WithInterval sets the collection interval.
func WithInterval(d time.Duration) CollectorOption {
	return func(c *Collector) { c.interval = d }
}

// WithCollectorClock overrides the time source. Used by tests.
func WithCollectorClock(now func() time.Time) CollectorOption {
	return func(c *Collector) { c.now = now }
}

// NewCollector creates a collector. The history series is seeded from the
// store so hashrate charts survive agent restarts.
func NewCollector(
	logger *zap.Logger,
	system *probe.System,
	network *probe.Network,
	status StatusSource,
	detector *minerapi.Detector,
	store *Store,
	opts ...CollectorOption,
) *Collector {
	c := &Collector{
		logger:   logger,
		system:   system,
		network:  network,
		status:   status,
		detector: detector,
		clients:  cache.New[string, minerapi.Client](1),
		store:    store,
		history:  NewHistory(store.LoadHistory()),
		pingHost: "8.8.8.8",
		interval: 60 * time.Second,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SetScheduleSpec records the schedule payload embedded in snapshots.
// Called after each successful reconcile.
func (c *Collector) SetScheduleSpec(spec schedule.Spec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schedSpec = spec
}

// Latest returns the result of the most recent cycle, nil before the
// first one completes or after a totally failed cycle.
func (c *Collector) Latest() *External {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// minerSummary fetches the live miner API summary with retry, detecting
// the endpoint first when no cached client exists. Returns nil when the
// API stays unreachable; the cached client is dropped so the next cycle
// re-detects.
func (c *Collector) minerSummary(ctx context.Context) (*minerapi.Summary, string) {
	client, ok := c.clients.Get(minerClientKey, 0)
	if !ok {
		detected, endpoint, err := c.detector.Detect(ctx)
		if err != nil {
			c.logger.Warn("miner API not detected", zap.Error(err))
			return nil, ""
		}
		c.logger.Info("miner API detected",
			zap.String("endpoint", detected.Endpoint()),
			zap.String("protocol", string(endpoint.Protocol)))
		c.clients.Set(minerClientKey, detected)
		client = detected
	}

	summary := WithRetry(ctx, c.logger, "miner-summary",
		minerAPIAttempts, minerAPIBackoff, (*minerapi.Summary)(nil),
		func(ctx context.Context) (*minerapi.Summary, error) {
			return client.Summary(ctx)
		})

	if summary == nil {
		c.clients.Clear()
		return nil, client.Endpoint()
	}
	return summary, client.Endpoint()
}

// joinCores merges per-core hashrate from the miner API with per-core
// hardware metadata, matching by core identifier because the two sides
// may have different lengths or orders.
func joinCores(profile probe.Profile, rates []minerapi.CoreRate) []CoreStat {
	byID := make(map[int]*CoreStat, profile.CPUCores)
	order := make([]int, 0, profile.CPUCores)
	for i := 0; i < profile.CPUCores; i++ {
		byID[i] = &CoreStat{ID: i, Model: profile.CPUModel}
		order = append(order, i)
	}

	for _, rate := range rates {
		core, ok := byID[rate.ID]
		if !ok {
			core = &CoreStat{ID: rate.ID}
			byID[rate.ID] = core
			order = append(order, rate.ID)
		}
		core.HashrateHS = rate.RateHS
	}

	sort.Ints(order)
	cores := make([]CoreStat, 0, len(order))
	for _, id := range order {
		cores = append(cores, *byID[id])
	}
	return cores
}

// Collect runs one full cycle and returns the externally visible result,
// or nil if the cycle failed wholesale. Persisted state is untouched in
// the nil case.
func (c *Collector) Collect(ctx context.Context) (result *External) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("telemetry cycle panicked", zap.Any("panic", r))
			result = nil
		}
	}()

	collectedAt := c.now()
	profile := c.system.Profile(ctx)

	var (
		wg      sync.WaitGroup
		cpuTemp float64
		battery probe.Battery
		rates   []probe.InterfaceRate
		pingMS  float64
		extIP   string
		summary *minerapi.Summary
		miner   MinerSoftware
	)

	wg.Add(5)
	go func() {
		defer wg.Done()
		cpuTemp = Guard(c.logger, "cpu-temp", 0, c.system.CPUTemp)
	}()
	go func() {
		defer wg.Done()
		battery = Guard(c.logger, "battery", probe.Battery{Percentage: 100, Status: "ac"},
			func() (probe.Battery, error) { return c.system.ReadBattery(ctx) })
	}()
	go func() {
		defer wg.Done()
		rates = Guard(c.logger, "traffic", nil, c.network.TrafficRates)
		pingMS = Guard(c.logger, "ping", 0,
			func() (float64, error) { return c.network.PingLatency(ctx, c.pingHost) })
		extIP = Guard(c.logger, "external-ip", "",
			func() (string, error) { return c.network.ExternalIP(ctx) })
	}()
	go func() {
		defer wg.Done()
		var endpoint string
		summary, endpoint = c.minerSummary(ctx)
		miner = MinerSoftware{APIEndpoint: endpoint}
		if summary != nil {
			miner.Name = summary.Miner
			miner.Version = summary.Version
			miner.Algorithm = summary.Algorithm
			miner.HashrateHS = summary.HashrateHS
			miner.UptimeSeconds = summary.UptimeSeconds
			miner.Reachable = true
		}
	}()
	var status supervisor.Status
	go func() {
		defer wg.Done()
		status = c.status.Status()
	}()
	wg.Wait()

	var pool PoolInfo
	var coreRates []minerapi.CoreRate
	if summary != nil {
		pool = PoolInfo{URL: summary.Pool, Accepted: summary.Accepted, Rejected: summary.Rejected}
		coreRates = summary.Cores
	}

	c.history.Append(collectedAt, miner.HashrateHS)

	c.mu.RLock()
	schedSpec := c.schedSpec
	c.mu.RUnlock()

	snap := &Snapshot{
		CollectedAt: collectedAt,
		Status:      status,
		Miner:       miner,
		Pool:        pool,
		Device: DeviceInfo{
			Profile:  profile,
			CPUTempC: cpuTemp,
			Cores:    joinCores(profile, coreRates),
		},
		Network: NetworkInfo{
			ExternalIP: extIP,
			PingMS:     pingMS,
			Interfaces: rates,
		},
		Battery:  battery,
		Schedule: schedSpec,
		History:  c.history.Points(),
	}

	if err := c.store.Persist(snap, c.history.Points()); err != nil {
		// Live status must survive a disk failure; the cycle result is
		// still returned to callers.
		c.logger.Error("failed to persist telemetry", zap.Error(err))
	}

	external := snap.Externalize()

	c.mu.Lock()
	c.latest = external
	c.mu.Unlock()

	if c.pusher != nil {
		if err := c.pusher.PushTelemetry(ctx, external); err != nil {
			c.logger.Warn("failed to push telemetry to control plane", zap.Error(err))
		}
	}

	return external
}

// Run collects once immediately, then on every interval tick until ctx is
// cancelled.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}
