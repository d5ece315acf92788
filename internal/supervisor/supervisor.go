// Package supervisor owns the mining process lifecycle: it spawns and
// terminates the miner binary, evaluates the mining schedule once per
// minute, and auto-restarts after crashes unless an operator manually
// stopped the process.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/powerhive/rig-agent/pkg/schedule"
)

// State is the supervisor's view of the mining process.
type State string

const (
	StateStopped         State = "stopped"
	StateRunning         State = "running"
	StateManuallyStopped State = "manually_stopped"
)

// SpawnError indicates the miner process could not be started.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn miner: %v", e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// TerminationError indicates the miner process could not be terminated.
type TerminationError struct {
	Err error
}

func (e *TerminationError) Error() string { return fmt.Sprintf("terminate miner: %v", e.Err) }
func (e *TerminationError) Unwrap() error { return e.Err }

// ErrNoCommand is returned by Start before a miner command is configured.
var ErrNoCommand = errors.New("no miner command configured")

// Status is the read-only view returned to the telemetry pipeline and the
// HTTP surface.
type Status struct {
	State              State     `json:"state"`
	DesiredState       State     `json:"desired_state"`
	PID                int       `json:"pid,omitempty"`
	NextScheduleChange time.Time `json:"next_schedule_change,omitzero"`
}

// Supervisor is the process lifecycle state machine. All mutation happens
// under one mutex; Restart holds it across stop and start so observers
// never see a half-restarted state.
type Supervisor struct {
	logger   *zap.Logger
	launcher Launcher

	mu         sync.Mutex
	cmd        Command
	sched      *schedule.Schedule
	state      State
	manualStop bool
	proc       Process

	graceTimeout   time.Duration
	evalInterval   time.Duration
	healthInterval time.Duration
	now            func() time.Time
	eventHook      func(kind, detail string)

	// Guards against a scheduled restart firing twice within its minute.
	lastRestartMark string
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithGraceTimeout sets how long to wait after SIGTERM before SIGKILL.
func WithGraceTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.graceTimeout = d }
}

// WithIntervals sets the schedule-evaluation and health-check intervals.
func WithIntervals(eval, health time.Duration) Option {
	return func(s *Supervisor) {
		s.evalInterval = eval
		s.healthInterval = health
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithEventHook registers a callback invoked on every lifecycle event,
// used to feed the journal.
func WithEventHook(hook func(kind, detail string)) Option {
	return func(s *Supervisor) { s.eventHook = hook }
}

// New creates a stopped supervisor.
func New(logger *zap.Logger, launcher Launcher, opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:         logger,
		launcher:       launcher,
		state:          StateStopped,
		graceTimeout:   10 * time.Second,
		evalInterval:   60 * time.Second,
		healthInterval: 30 * time.Second,
		now:            time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// SetCommand replaces the miner command used by subsequent starts.
func (s *Supervisor) SetCommand(cmd Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmd = cmd
}

// SetSchedule swaps the mining schedule wholesale. Called after each
// successful reconcile; a fetch failure keeps the previous schedule.
func (s *Supervisor) SetSchedule(sched *schedule.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sched = sched
}

func (s *Supervisor) emit(kind, detail string) {
	if s.eventHook != nil {
		s.eventHook(kind, detail)
	}
}

// Start launches the miner process. It clears the sticky manual-stop flag
// and is a no-op when the process already runs.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked("api start")
}

func (s *Supervisor) startLocked(reason string) error {
	if s.state == StateRunning {
		s.manualStop = false
		return nil
	}
	if s.cmd.Path == "" {
		return &SpawnError{Err: ErrNoCommand}
	}

	proc, err := s.launcher.Launch(s.cmd)
	if err != nil {
		s.logger.Error("failed to spawn miner process",
			zap.String("path", s.cmd.Path), zap.Error(err))
		return &SpawnError{Err: err}
	}

	s.proc = proc
	s.state = StateRunning
	s.manualStop = false
	s.logger.Info("miner process started",
		zap.String("path", s.cmd.Path), zap.Int("pid", proc.PID()), zap.String("reason", reason))
	s.emit("start", reason)
	return nil
}

// Stop terminates the miner process. When manual is true the sticky
// override flag is set: schedule evaluation will not start the process
// again until an explicit Start. No-op when already stopped.
func (s *Supervisor) Stop(manual bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason := "schedule stop"
	if manual {
		reason = "manual stop"
	}
	return s.stopLocked(manual, reason)
}

func (s *Supervisor) stopLocked(manual bool, reason string) error {
	if s.state != StateRunning {
		if manual {
			s.manualStop = true
			s.state = StateManuallyStopped
		}
		return nil
	}

	err := s.terminateLocked()
	s.proc = nil
	if manual {
		s.manualStop = true
		s.state = StateManuallyStopped
	} else {
		s.state = StateStopped
	}

	if err != nil {
		s.logger.Error("failed to terminate miner process", zap.Error(err))
		return &TerminationError{Err: err}
	}

	s.logger.Info("miner process stopped", zap.String("reason", reason))
	s.emit("stop", reason)
	return nil
}

// terminateLocked performs the graceful-then-forceful two-step. It always
// returns within the grace timeout plus a small poll margin.
func (s *Supervisor) terminateLocked() error {
	if s.proc == nil || !s.proc.Alive() {
		return nil
	}

	if err := s.proc.Terminate(); err != nil {
		// Graceful signal refused, go straight to kill.
		return s.proc.Kill()
	}

	deadline := s.now().Add(s.graceTimeout)
	for s.now().Before(deadline) {
		if !s.proc.Alive() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return s.proc.Kill()
}

// Restart stops and starts the process as one unit. The mutex is held for
// the whole sequence so concurrent schedule ticks or status reads observe
// either the pre- or post-restart state.
func (s *Supervisor) Restart() error {
	return s.restart("api restart")
}

func (s *Supervisor) restart(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stopLocked(false, reason); err != nil {
		return err
	}
	if err := s.startLocked(reason); err != nil {
		return err
	}
	s.emit("restart", reason)
	return nil
}

// EvaluateSchedule applies the schedule to the current state. Called every
// evaluation tick and immediately after a detected crash.
func (s *Supervisor) EvaluateSchedule() {
	now := s.now()

	s.mu.Lock()
	restartDue := s.sched.RestartDueAt(now)
	mark := now.Format("2006-01-02 15:04")
	if restartDue && mark != s.lastRestartMark {
		s.lastRestartMark = mark
		s.mu.Unlock()

		s.logger.Info("scheduled restart due", zap.String("at", mark))
		if err := s.restart("scheduled restart"); err != nil {
			s.logger.Error("scheduled restart failed", zap.Error(err))
		}
		return
	}
	defer s.mu.Unlock()

	intent := s.sched.Intent(now)
	switch {
	case intent == schedule.ShouldRun && !s.manualStop && s.state == StateStopped:
		if err := s.startLocked("schedule window open"); err != nil {
			s.logger.Error("schedule start failed", zap.Error(err))
		}
	case intent == schedule.ShouldNotRun && s.state == StateRunning:
		if err := s.stopLocked(false, "schedule window closed"); err != nil {
			s.logger.Error("schedule stop failed", zap.Error(err))
		}
	}
}

// CheckHealth detects a crashed process and re-applies schedule
// evaluation, which restarts the miner unless it was manually stopped.
func (s *Supervisor) CheckHealth() {
	s.mu.Lock()
	crashed := s.state == StateRunning && (s.proc == nil || !s.proc.Alive())
	if crashed {
		s.logger.Warn("miner process died unexpectedly")
		s.proc = nil
		s.state = StateStopped
		s.emit("crash", "process no longer alive")
	}
	s.mu.Unlock()

	if crashed {
		s.EvaluateSchedule()
	}
}

// Status returns the current read-only view. It never mutates state; a
// status read racing a crash simply reports the state of a moment ago.
func (s *Supervisor) Status() Status {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	desired := StateRunning
	if s.manualStop || s.sched.Intent(now) == schedule.ShouldNotRun {
		desired = StateStopped
	}

	st := Status{
		State:              s.state,
		DesiredState:       desired,
		NextScheduleChange: s.sched.NextChange(now),
	}
	if s.proc != nil && s.state == StateRunning {
		st.PID = s.proc.PID()
	}
	return st
}

// Run drives the evaluation and health tickers until ctx is cancelled,
// then stops the miner process gracefully.
func (s *Supervisor) Run(ctx context.Context) error {
	evalTicker := time.NewTicker(s.evalInterval)
	defer evalTicker.Stop()
	healthTicker := time.NewTicker(s.healthInterval)
	defer healthTicker.Stop()

	s.EvaluateSchedule()

	for {
		select {
		case <-ctx.Done():
			if err := s.Stop(false); err != nil {
				s.logger.Error("shutdown stop failed", zap.Error(err))
			}
			return ctx.Err()
		case <-evalTicker.C:
			s.EvaluateSchedule()
		case <-healthTicker.C:
			s.CheckHealth()
		}
	}
}
