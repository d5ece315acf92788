// Package flightsheet reconciles the on-disk miner configuration against
// the flightsheet assigned by the control plane. The configuration is
// treated as opaque JSON: only an allow-listed set of paths can trigger a
// miner restart, and local environment adjustments never touch mining
// parameters.
package flightsheet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/powerhive/rig-agent/internal/controlplane"
	"github.com/powerhive/rig-agent/internal/probe"
	"github.com/powerhive/rig-agent/pkg/schedule"
)

// significantPaths are the config paths whose change requires a miner
// restart. Everything outside this list is cosmetic: it is still written
// to disk but the running process is left alone.
var significantPaths = []string{
	"pools",
	"cpu.threads",
	"randomx.mode",
	"opencl.enabled",
	"cuda.enabled",
	"algo",
}

// Environment adjustments applied on mobile-constrained devices. The local
// API must not listen on all interfaces there, and chatty log output burns
// battery.
const (
	mobileAPIHost       = "127.0.0.1"
	mobilePrintInterval = 300
)

// Fetcher provides the flightsheet assigned to a device.
type Fetcher interface {
	FetchFlightsheet(ctx context.Context, deviceID string) (*controlplane.Flightsheet, error)
}

// Result reports what one reconcile pass did and what the caller must do
// next.
type Result struct {
	// MinerSoftware is the software the flightsheet assigns.
	MinerSoftware string

	// ConfigPath is the on-disk location of the reconciled config.
	ConfigPath string

	// Written is true when the on-disk config was updated.
	Written bool

	// RestartRequired is true when a significant path changed, or when no
	// config existed before this pass.
	RestartRequired bool

	// Schedule is the schedule payload carried by the flightsheet.
	Schedule schedule.Spec
}

// Reconciler fetches the assigned flightsheet and converges the on-disk
// miner configuration to it.
type Reconciler struct {
	logger  *zap.Logger
	fetcher Fetcher
	system  *probe.System
	appsDir string
}

// New creates a reconciler writing configs under appsDir, laid out as
// apps/<software>/config.json.
func New(logger *zap.Logger, fetcher Fetcher, system *probe.System, appsDir string) *Reconciler {
	return &Reconciler{
		logger:  logger,
		fetcher: fetcher,
		system:  system,
		appsDir: appsDir,
	}
}

// adjustForEnvironment applies local environment adjustments to the config.
// Only presentation and API-binding settings are touched; mining parameters
// pass through untouched.
func (r *Reconciler) adjustForEnvironment(ctx context.Context, config []byte) ([]byte, error) {
	profile := r.system.Profile(ctx)
	if !profile.IsMobileConstrained {
		return config, nil
	}

	adjusted := config
	var err error

	if gjson.GetBytes(adjusted, "http").Exists() {
		adjusted, err = sjson.SetBytes(adjusted, "http.host", mobileAPIHost)
		if err != nil {
			return nil, fmt.Errorf("adjust http.host: %w", err)
		}
	}
	for _, key := range []string{"print-time", "health-print-time"} {
		adjusted, err = sjson.SetBytes(adjusted, key, mobilePrintInterval)
		if err != nil {
			return nil, fmt.Errorf("adjust %s: %w", key, err)
		}
	}

	return adjusted, nil
}

// jsonEqual compares two JSON documents by value, ignoring formatting.
func jsonEqual(a, b []byte) bool {
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return bytes.Equal(a, b)
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

// pathEqual compares one dotted path across two configs by value. A path
// missing on both sides counts as equal.
func pathEqual(a, b []byte, path string) bool {
	ra := gjson.GetBytes(a, path)
	rb := gjson.GetBytes(b, path)
	if ra.Exists() != rb.Exists() {
		return false
	}
	if !ra.Exists() {
		return true
	}
	return jsonEqual([]byte(ra.Raw), []byte(rb.Raw))
}

// significantDiff reports whether any allow-listed path differs between the
// two configs.
func significantDiff(current, desired []byte) (bool, []string) {
	var changed []string
	for _, path := range significantPaths {
		if !pathEqual(current, desired, path) {
			changed = append(changed, path)
		}
	}
	return len(changed) > 0, changed
}

// writeConfig writes the config atomically via a temp file in the target
// directory.
func writeConfig(path string, config []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(config); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Reconcile fetches the flightsheet for the device and converges the
// on-disk config. The write happens before the result is returned, so a
// RestartRequired result always refers to a config already on disk.
func (r *Reconciler) Reconcile(ctx context.Context, deviceID string) (Result, error) {
	sheet, err := r.fetcher.FetchFlightsheet(ctx, deviceID)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: %w", err)
	}
	if sheet.MinerSoftware == "" {
		return Result{}, fmt.Errorf("reconcile: flightsheet names no miner software")
	}

	desired, err := r.adjustForEnvironment(ctx, sheet.Config)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: %w", err)
	}

	result := Result{
		MinerSoftware: sheet.MinerSoftware,
		ConfigPath:    filepath.Join(r.appsDir, sheet.MinerSoftware, "config.json"),
		Schedule:      sheet.Schedule,
	}

	current, err := os.ReadFile(result.ConfigPath)
	switch {
	case os.IsNotExist(err):
		// First deployment of this software: everything is new.
		result.Written = true
		result.RestartRequired = true
	case err != nil:
		return Result{}, fmt.Errorf("reconcile: read current config: %w", err)
	case jsonEqual(current, desired):
		r.logger.Debug("config already converged",
			zap.String("path", result.ConfigPath))
		return result, nil
	default:
		result.Written = true
		significant, changed := significantDiff(current, desired)
		result.RestartRequired = significant
		if significant {
			r.logger.Info("significant config change",
				zap.Strings("paths", changed))
		} else {
			r.logger.Info("cosmetic config change, no restart needed",
				zap.String("path", result.ConfigPath))
		}
	}

	if err := writeConfig(result.ConfigPath, desired); err != nil {
		return Result{}, fmt.Errorf("reconcile: %w", err)
	}

	return result, nil
}
