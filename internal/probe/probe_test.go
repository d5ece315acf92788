package probe

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerhive/rig-agent/pkg/cache"
)

// fakeRunner serves canned command output keyed by command name.
type fakeRunner struct {
	outputs map[string]string
	errs    map[string]error
	calls   []string
}

func (f *fakeRunner) Run(_ context.Context, name string, _ ...string) (string, error) {
	f.calls = append(f.calls, name)
	if err, ok := f.errs[name]; ok {
		return "", err
	}
	if out, ok := f.outputs[name]; ok {
		return out, nil
	}
	return "", fmt.Errorf("command %q not found", name)
}

func fakeFS(files map[string]string) func(string) ([]byte, error) {
	return func(path string) ([]byte, error) {
		if content, ok := files[path]; ok {
			return []byte(content), nil
		}
		return nil, os.ErrNotExist
	}
}

const cpuinfo = `processor	: 0
model name	: ARMv8 Processor rev 2
processor	: 1
model name	: ARMv8 Processor rev 2
processor	: 2
model name	: ARMv8 Processor rev 2
processor	: 3
model name	: ARMv8 Processor rev 2
`

func TestProfile(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"uname": "Android",
		"id":    "0",
	}}
	sys := NewSystem(runner,
		WithReadFile(fakeFS(map[string]string{
			"/proc/cpuinfo":            cpuinfo,
			"/proc/meminfo":            "MemTotal:        3882924 kB\nMemFree: 100 kB\n",
			"/proc/sys/vm/nr_hugepages": "128\n",
		})),
		WithGetenv(func(string) string { return "" }),
	)

	profile := sys.Profile(context.Background())

	assert.Equal(t, "ARMv8 Processor rev 2", profile.CPUModel)
	assert.Equal(t, 4, profile.CPUCores)
	assert.Equal(t, int64(3882924*1024), profile.TotalMemoryBytes)
	assert.True(t, profile.IsMobileConstrained)
	assert.True(t, profile.HasRoot)
	assert.True(t, profile.HasHugePageSupport)
	assert.Equal(t, runtime.GOOS, profile.OS)
}

func TestProfileComputedOnce(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"uname": "Linux", "id": "1000"}}
	sys := NewSystem(runner,
		WithReadFile(fakeFS(nil)),
		WithGetenv(func(string) string { return "" }),
	)

	first := sys.Profile(context.Background())
	callsAfterFirst := len(runner.calls)
	second := sys.Profile(context.Background())

	assert.Equal(t, first, second)
	assert.Equal(t, callsAfterFirst, len(runner.calls), "second call must not re-probe")
}

func TestProfileTermuxEnv(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"uname": "Linux", "id": "1000"}}
	sys := NewSystem(runner,
		WithReadFile(fakeFS(nil)),
		WithGetenv(func(key string) string {
			if key == "TERMUX_VERSION" {
				return "0.118"
			}
			return ""
		}),
	)

	assert.True(t, sys.Profile(context.Background()).IsMobileConstrained)
}

func TestCPUTempPicksHottestZone(t *testing.T) {
	sys := NewSystem(&fakeRunner{},
		WithReadFile(fakeFS(map[string]string{
			"/sys/class/thermal/thermal_zone0/temp": "45000\n",
			"/sys/class/thermal/thermal_zone1/temp": "61250\n",
		})),
		WithGlob(func(string) ([]string, error) {
			return []string{"/sys/class/thermal/thermal_zone0", "/sys/class/thermal/thermal_zone1"}, nil
		}),
	)

	temp, err := sys.CPUTemp()
	require.NoError(t, err)
	assert.InDelta(t, 61.25, temp, 0.001)
}

func TestCPUTempNoZones(t *testing.T) {
	sys := NewSystem(&fakeRunner{},
		WithGlob(func(string) ([]string, error) { return nil, nil }),
	)

	_, err := sys.CPUTemp()
	assert.Error(t, err)
}

func TestReadBatteryTermux(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"termux-battery-status": `{"percentage": 87, "status": "CHARGING", "temperature": 31.5}`,
	}}
	sys := NewSystem(runner, WithReadFile(fakeFS(nil)))

	battery, err := sys.ReadBattery(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 87, battery.Percentage)
	assert.Equal(t, "charging", battery.Status)
	assert.InDelta(t, 31.5, battery.TemperatureC, 0.001)
}

func TestReadBatterySysfsFallback(t *testing.T) {
	sys := NewSystem(&fakeRunner{},
		WithReadFile(fakeFS(map[string]string{
			"/sys/class/power_supply/battery/capacity": "64\n",
			"/sys/class/power_supply/battery/status":   "Discharging\n",
		})),
	)

	battery, err := sys.ReadBattery(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 64, battery.Percentage)
	assert.Equal(t, "discharging", battery.Status)
}

func TestReadBatteryUnavailable(t *testing.T) {
	sys := NewSystem(&fakeRunner{}, WithReadFile(fakeFS(nil)))

	_, err := sys.ReadBattery(context.Background())
	assert.Error(t, err)
}

const procNetDev = `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo: 1000     10    0    0    0     0          0         0     1000     10    0    0    0     0       0          0
 wlan0: 5000     50    0    0    0     0          0         0     2000     20    0    0    0     0       0          0
`

const procNetDevLater = `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo: 1000     10    0    0    0     0          0         0     1000     10    0    0    0     0       0          0
 wlan0: 15000     60    0    0    0     0          0         0     7000     30    0    0    0     0       0          0
`

func newTestNetwork(t *testing.T, runner Runner, opts ...NetworkOption) *Network {
	t.Helper()
	return NewNetwork(runner,
		cache.New[string, float64](8),
		cache.New[string, TrafficSample](8),
		cache.New[string, string](2),
		opts...,
	)
}

// trafficNetwork builds a Network whose prober and traffic cache share one
// fake clock, matching the production setup where both see real time.
func trafficNetwork(t *testing.T, now *time.Time, content *string) *Network {
	t.Helper()

	clock := func() time.Time { return *now }
	return NewNetwork(&fakeRunner{},
		cache.New[string, float64](8),
		cache.New(8, cache.WithClock[string, TrafficSample](clock)),
		cache.New[string, string](2),
		WithNetworkReadFile(func(string) ([]byte, error) { return []byte(*content), nil }),
		WithNetworkClock(clock),
	)
}

func TestTrafficRates(t *testing.T) {
	now := time.Now()
	content := procNetDev
	net := trafficNetwork(t, &now, &content)

	// First read has no previous sample: zero rates, loopback skipped.
	rates, err := net.TrafficRates()
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.Equal(t, "wlan0", rates[0].Name)
	assert.Zero(t, rates[0].RxBytesPerSec)

	// Second read a full collection cycle later must still see the previous
	// sample and derive the rate from the counter delta.
	content = procNetDevLater
	now = now.Add(60 * time.Second)

	rates, err = net.TrafficRates()
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.InDelta(t, 10000.0/60, rates[0].RxBytesPerSec, 0.001)
	assert.InDelta(t, 5000.0/60, rates[0].TxBytesPerSec, 0.001)
}

func TestTrafficRatesStaleSampleResets(t *testing.T) {
	now := time.Now()
	content := procNetDev
	net := trafficNetwork(t, &now, &content)

	_, err := net.TrafficRates()
	require.NoError(t, err)

	// After a long gap the counter delta is meaningless; the rate resets
	// and the fresh sample re-seeds the cache.
	content = procNetDevLater
	now = now.Add(TrafficMaxAge + time.Minute)

	rates, err := net.TrafficRates()
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.Zero(t, rates[0].RxBytesPerSec)
	assert.Zero(t, rates[0].TxBytesPerSec)
}

func TestTrafficRatesUnreadable(t *testing.T) {
	net := newTestNetwork(t, &fakeRunner{},
		WithNetworkReadFile(fakeFS(nil)),
	)

	_, err := net.TrafficRates()
	assert.Error(t, err)
}

func TestPingLatencyCached(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"ping": "64 bytes from 1.1.1.1: icmp_seq=1 ttl=57 time=12.4 ms",
	}}
	net := newTestNetwork(t, runner)

	latency, err := net.PingLatency(context.Background(), "1.1.1.1")
	require.NoError(t, err)
	assert.InDelta(t, 12.4, latency, 0.001)

	// Second call must be served from cache.
	_, err = net.PingLatency(context.Background(), "1.1.1.1")
	require.NoError(t, err)
	assert.Len(t, runner.calls, 1)
}

func TestPingLatencyFailure(t *testing.T) {
	net := newTestNetwork(t, &fakeRunner{errs: map[string]error{"ping": fmt.Errorf("unreachable")}})

	_, err := net.PingLatency(context.Background(), "203.0.113.1")
	assert.Error(t, err)
}

func TestExternalIP(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprint(w, "198.51.100.7")
	}))
	defer srv.Close()

	net := newTestNetwork(t, &fakeRunner{}, WithExternalIPURL(srv.URL))

	ip, err := net.ExternalIP(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", ip)

	_, err = net.ExternalIP(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, hits, "second lookup must hit the cache")
}

func TestExternalIPServiceDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	net := newTestNetwork(t, &fakeRunner{}, WithExternalIPURL(srv.URL))

	_, err := net.ExternalIP(context.Background())
	assert.Error(t, err)
}
