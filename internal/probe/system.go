package probe

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// Profile describes the environment the agent runs in. It is computed once
// per process lifetime and used only for conservative, compatibility-only
// configuration adjustments.
type Profile struct {
	OS                  string `json:"os"`
	Arch                string `json:"arch"`
	IsMobileConstrained bool   `json:"is_mobile_constrained"`
	CPUModel            string `json:"cpu_model"`
	CPUCores            int    `json:"cpu_cores"`
	TotalMemoryBytes    int64  `json:"total_memory_bytes"`
	HasRoot             bool   `json:"has_root"`
	HasHugePageSupport  bool   `json:"has_hugepage_support"`
}

// System probes static machine capabilities.
type System struct {
	runner   Runner
	readFile func(string) ([]byte, error)
	glob     func(string) ([]string, error)
	getenv   func(string) string

	once    sync.Once
	profile Profile
}

// SystemOption configures a System.
type SystemOption func(*System)

// WithReadFile overrides filesystem reads. Used by tests.
func WithReadFile(fn func(string) ([]byte, error)) SystemOption {
	return func(s *System) {
		s.readFile = fn
	}
}

// WithGlob overrides path globbing. Used by tests.
func WithGlob(fn func(string) ([]string, error)) SystemOption {
	return func(s *System) {
		s.glob = fn
	}
}

// WithGetenv overrides environment lookups. Used by tests.
func WithGetenv(fn func(string) string) SystemOption {
	return func(s *System) {
		s.getenv = fn
	}
}

// NewSystem creates a system prober backed by the given command runner.
func NewSystem(runner Runner, opts ...SystemOption) *System {
	s := &System{
		runner:   runner,
		readFile: os.ReadFile,
		glob:     filepath.Glob,
		getenv:   os.Getenv,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Profile returns the environment profile, computing it on first call.
func (s *System) Profile(ctx context.Context) Profile {
	s.once.Do(func() {
		model, cores := s.cpuInfo()
		s.profile = Profile{
			OS:                  runtime.GOOS,
			Arch:                runtime.GOARCH,
			IsMobileConstrained: s.isMobile(ctx),
			CPUModel:            model,
			CPUCores:            cores,
			TotalMemoryBytes:    s.totalMemory(),
			HasRoot:             s.hasRoot(ctx),
			HasHugePageSupport:  s.hasHugePages(),
		}
	})
	return s.profile
}

// isMobile detects Termux or another Android userland.
func (s *System) isMobile(ctx context.Context) bool {
	if s.getenv("TERMUX_VERSION") != "" {
		return true
	}
	if out, err := s.runner.Run(ctx, "uname", "-o"); err == nil {
		return strings.Contains(strings.ToLower(out), "android")
	}
	return false
}

// cpuInfo parses the first block of /proc/cpuinfo. Falls back to
// runtime.NumCPU when the core count is missing.
func (s *System) cpuInfo() (model string, cores int) {
	cores = runtime.NumCPU()

	data, err := s.readFile("/proc/cpuinfo")
	if err != nil {
		return "", cores
	}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	seen := make(map[string]bool)
	processors := 0
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		switch key {
		case "model name", "Hardware":
			if model == "" {
				model = value
			}
		case "processor":
			if !seen[value] {
				seen[value] = true
				processors++
			}
		}
	}
	if processors > 0 {
		cores = processors
	}
	return model, cores
}

// totalMemory parses MemTotal from /proc/meminfo, in bytes.
func (s *System) totalMemory() int64 {
	data, err := s.readFile("/proc/meminfo")
	if err != nil {
		return 0
	}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}

// hasRoot checks the effective user id.
func (s *System) hasRoot(ctx context.Context) bool {
	out, err := s.runner.Run(ctx, "id", "-u")
	if err != nil {
		return os.Geteuid() == 0
	}
	return strings.TrimSpace(out) == "0"
}

// hasHugePages checks whether the kernel exposes a nonzero hugepage pool.
func (s *System) hasHugePages() bool {
	data, err := s.readFile("/proc/sys/vm/nr_hugepages")
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	return err == nil && n > 0
}

// CPUTemp reads the hottest thermal zone in Celsius.
func (s *System) CPUTemp() (float64, error) {
	zones, _ := s.glob("/sys/class/thermal/thermal_zone*")
	if len(zones) == 0 {
		return 0, fmt.Errorf("no thermal zones exposed")
	}

	var max float64
	found := false
	for _, zone := range zones {
		data, err := s.readFile(filepath.Join(zone, "temp"))
		if err != nil {
			continue
		}
		milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			continue
		}
		celsius := milli
		if celsius > 1000 {
			celsius /= 1000
		}
		if !found || celsius > max {
			max = celsius
			found = true
		}
	}

	if !found {
		return 0, fmt.Errorf("no readable thermal zone")
	}
	return max, nil
}
