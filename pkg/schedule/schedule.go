// Package schedule models the mining schedule fetched from the control plane:
// weekly time windows during which the miner should run, plus point-in-time
// restart triggers. All times are local wall-clock HH:MM.
package schedule

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// RunIntent is the schedule-derived desired state of the mining process.
type RunIntent int

const (
	// ShouldRun means the current time falls inside a mining window, or
	// scheduling is disabled entirely.
	ShouldRun RunIntent = iota

	// ShouldNotRun means scheduling is enabled and no window covers the
	// current time.
	ShouldNotRun
)

// String implements fmt.Stringer.
func (r RunIntent) String() string {
	if r == ShouldRun {
		return "should-run"
	}
	return "should-not-run"
}

// Window is a weekly mining window. Start and End are minutes since
// midnight. A Start after End represents a window crossing midnight: the
// window covers Start..24:00 on each listed day and 00:00..End on the
// following day. Start is inclusive, End exclusive.
type Window struct {
	Days  map[time.Weekday]bool
	Start int
	End   int
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	minute := t.Hour()*60 + t.Minute()

	if w.Start <= w.End {
		return w.Days[t.Weekday()] && minute >= w.Start && minute < w.End
	}

	// Crosses midnight: evening side on a listed day, morning side on the
	// day after a listed day.
	if w.Days[t.Weekday()] && minute >= w.Start {
		return true
	}
	prev := (t.Weekday() + 6) % 7
	return w.Days[prev] && minute < w.End
}

// Restart is a point-in-time restart trigger, independent of windows.
// Time is minutes since midnight. An empty Days set means every day.
type Restart struct {
	Days map[time.Weekday]bool
	Time int
}

// DueAt reports whether the trigger fires during the minute containing t.
func (r Restart) DueAt(t time.Time) bool {
	if len(r.Days) > 0 && !r.Days[t.Weekday()] {
		return false
	}
	return t.Hour()*60+t.Minute() == r.Time
}

// Schedule is the full mining schedule. It is immutable once built; a new
// fetch from the control plane replaces it wholesale.
type Schedule struct {
	Enabled  bool
	Windows  []Window
	Restarts []Restart
}

// Intent computes the run intent at t. A disabled schedule places no
// restriction on mining, so the intent is ShouldRun.
func (s *Schedule) Intent(t time.Time) RunIntent {
	if s == nil || !s.Enabled {
		return ShouldRun
	}
	for _, w := range s.Windows {
		if w.Contains(t) {
			return ShouldRun
		}
	}
	return ShouldNotRun
}

// RestartDueAt reports whether any scheduled restart fires during the
// minute containing t.
func (s *Schedule) RestartDueAt(t time.Time) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Restarts {
		if r.DueAt(t) {
			return true
		}
	}
	return false
}

// NextChange returns the next instant after t at which the run intent
// flips, or the zero time if the intent never changes (disabled schedule
// or no windows).
func (s *Schedule) NextChange(t time.Time) time.Time {
	if s == nil || !s.Enabled || len(s.Windows) == 0 {
		return time.Time{}
	}

	current := s.Intent(t)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())

	var candidates []time.Time
	for dayOffset := 0; dayOffset <= 7; dayOffset++ {
		day := midnight.AddDate(0, 0, dayOffset)
		for _, w := range s.Windows {
			if !w.Days[day.Weekday()] {
				continue
			}
			candidates = append(candidates, day.Add(time.Duration(w.Start)*time.Minute))
			end := day.Add(time.Duration(w.End) * time.Minute)
			if w.Start > w.End {
				end = end.AddDate(0, 0, 1)
			}
			candidates = append(candidates, end)
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })

	for _, c := range candidates {
		if c.After(t) && s.Intent(c) != current {
			return c
		}
	}
	return time.Time{}
}

// WindowSpec is the wire form of a mining window as sent by the control
// plane.
type WindowSpec struct {
	Days  []string `json:"days"`
	Start string   `json:"start"`
	End   string   `json:"end"`
}

// RestartSpec is the wire form of a scheduled restart.
type RestartSpec struct {
	Days []string `json:"days"`
	Time string   `json:"time"`
}

// Spec is the wire form of the whole schedule.
type Spec struct {
	Enabled  bool          `json:"enabled"`
	Windows  []WindowSpec  `json:"windows"`
	Restarts []RestartSpec `json:"restarts"`
}

var dayTokens = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseClock parses an HH:MM string into minutes since midnight.
func ParseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q out of range", s)
	}
	return h*60 + m, nil
}

func parseDays(tokens []string) (map[time.Weekday]bool, error) {
	days := make(map[time.Weekday]bool, len(tokens))
	for _, tok := range tokens {
		day, ok := dayTokens[strings.ToLower(strings.TrimSpace(tok))]
		if !ok {
			return nil, fmt.Errorf("unknown day %q", tok)
		}
		days[day] = true
	}
	return days, nil
}

// FromSpec builds a Schedule from its wire form. Malformed windows or
// restarts make the whole schedule invalid; the caller keeps the previous
// schedule in that case.
func FromSpec(spec Spec) (*Schedule, error) {
	s := &Schedule{Enabled: spec.Enabled}

	for i, ws := range spec.Windows {
		days, err := parseDays(ws.Days)
		if err != nil {
			return nil, fmt.Errorf("window %d: %w", i, err)
		}
		start, err := ParseClock(ws.Start)
		if err != nil {
			return nil, fmt.Errorf("window %d: %w", i, err)
		}
		end, err := ParseClock(ws.End)
		if err != nil {
			return nil, fmt.Errorf("window %d: %w", i, err)
		}
		s.Windows = append(s.Windows, Window{Days: days, Start: start, End: end})
	}

	for i, rs := range spec.Restarts {
		days, err := parseDays(rs.Days)
		if err != nil {
			return nil, fmt.Errorf("restart %d: %w", i, err)
		}
		at, err := ParseClock(rs.Time)
		if err != nil {
			return nil, fmt.Errorf("restart %d: %w", i, err)
		}
		s.Restarts = append(s.Restarts, Restart{Days: days, Time: at})
	}

	return s, nil
}
