package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Battery is the device battery state. Mains-powered hosts report a full,
// static battery via the fallback value at the call site.
type Battery struct {
	Percentage   int     `json:"percentage"`
	Status       string  `json:"status"`
	TemperatureC float64 `json:"temperature_c"`
}

// termuxBattery is the JSON shape printed by termux-battery-status.
type termuxBattery struct {
	Percentage  int     `json:"percentage"`
	Status      string  `json:"status"`
	Temperature float64 `json:"temperature"`
}

// ReadBattery probes the battery, trying the Termux API first and the
// power-supply sysfs tree second.
func (s *System) ReadBattery(ctx context.Context) (Battery, error) {
	if out, err := s.runner.Run(ctx, "termux-battery-status"); err == nil {
		var tb termuxBattery
		if err := json.Unmarshal([]byte(out), &tb); err == nil {
			return Battery{
				Percentage:   tb.Percentage,
				Status:       strings.ToLower(tb.Status),
				TemperatureC: tb.Temperature,
			}, nil
		}
	}

	capData, err := s.readFile("/sys/class/power_supply/battery/capacity")
	if err != nil {
		return Battery{}, fmt.Errorf("no battery source available: %w", err)
	}
	pct, err := strconv.Atoi(strings.TrimSpace(string(capData)))
	if err != nil {
		return Battery{}, fmt.Errorf("parse battery capacity: %w", err)
	}

	status := "unknown"
	if data, err := s.readFile("/sys/class/power_supply/battery/status"); err == nil {
		status = strings.ToLower(strings.TrimSpace(string(data)))
	}

	return Battery{Percentage: pct, Status: status}, nil
}
