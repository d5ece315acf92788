package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Command describes the miner process to launch.
type Command struct {
	// Path is the miner binary, e.g. apps/xrig/xrig.
	Path string
	// Args are passed verbatim, typically ["--config", "apps/xrig/config.json"].
	Args []string
	// Dir is the working directory for the process.
	Dir string
}

// Process is a handle to a running miner process. It is owned exclusively
// by the Supervisor and never shared.
type Process interface {
	// PID returns the OS process id.
	PID() int

	// Alive reports whether the process is still running.
	Alive() bool

	// Terminate sends the graceful termination signal.
	Terminate() error

	// Kill force-kills the process.
	Kill() error
}

// Launcher spawns miner processes. Tests inject a fake.
type Launcher interface {
	Launch(cmd Command) (Process, error)
}

// osProcess wraps an exec.Cmd and tracks its exit.
type osProcess struct {
	cmd *exec.Cmd

	mu   sync.Mutex
	done bool
}

// PID returns the OS process id.
func (p *osProcess) PID() int {
	return p.cmd.Process.Pid
}

// Alive reports whether the process has exited.
func (p *osProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.done
}

// Terminate sends SIGTERM.
func (p *osProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

// Kill sends SIGKILL.
func (p *osProcess) Kill() error {
	return p.cmd.Process.Kill()
}

// OSLauncher spawns real OS processes.
type OSLauncher struct{}

// Launch validates the binary and starts the process. The miner's own
// output is discarded; it writes its log file itself.
func (l *OSLauncher) Launch(cmd Command) (Process, error) {
	info, err := os.Stat(cmd.Path)
	if err != nil {
		return nil, fmt.Errorf("miner binary %s: %w", cmd.Path, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return nil, fmt.Errorf("miner binary %s is not executable", cmd.Path)
	}

	c := exec.Command(cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", cmd.Path, err)
	}

	p := &osProcess{cmd: c}
	go func() {
		_ = c.Wait()
		p.mu.Lock()
		p.done = true
		p.mu.Unlock()
	}()

	return p, nil
}

var _ Launcher = (*OSLauncher)(nil)
