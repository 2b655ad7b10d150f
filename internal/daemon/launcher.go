package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Spec describes one daemon launch: the binary, its environment, and where
// its output goes.
type Spec struct {
	Binary     string
	Args       []string
	Env        map[string]string
	WorkingDir string
	LogPath    string
}

// Handle pairs a spawned daemon's pid with its exit notification. For pids
// recovered from the registry there is no handle; liveness is probed by
// signal instead.
type Handle struct {
	PID    int
	exited <-chan error
}

// NewHandle builds a handle for alternate Launcher implementations. exited
// must deliver the process's exit error once it terminates.
func NewHandle(pid int, exited <-chan error) *Handle {
	return &Handle{PID: pid, exited: exited}
}

// Exited reports whether the process behind the handle has exited within
// wait, and its exit error if so.
func (h *Handle) Exited(wait time.Duration) (bool, error) {
	select {
	case err := <-h.exited:
		return true, err
	case <-time.After(wait):
		return false, nil
	}
}

// Launcher is the capability the supervisor depends on: spawning the
// external daemon, probing a recorded pid, and terminating one. The daemon's
// own behavior stays behind this boundary.
type Launcher interface {
	Spawn(spec Spec) (*Handle, error)
	Alive(pid int) bool
	Terminate(pid int, grace time.Duration) error
}

// ExecLauncher runs the real syftbox binary as a detached child process.
type ExecLauncher struct{}

// Spawn starts the daemon in its own session with stdout and stderr
// appended to the environment's log file.
func (ExecLauncher) Spawn(spec Spec) (*Handle, error) {
	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// New session so the daemon survives sbenv exiting and signals sent to
	// the sbenv process group don't reach it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("launching %s: %w", spec.Binary, err)
	}
	_ = logFile.Close()

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	return &Handle{PID: cmd.Process.Pid, exited: exited}, nil
}

// Alive probes whether pid denotes a live process using signal 0.
func (ExecLauncher) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Terminate sends SIGTERM, waits up to grace for the process to exit, and
// escalates to SIGKILL. It returns an error only if the process survives
// even the kill.
func (l ExecLauncher) Terminate(pid int, grace time.Duration) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		return nil
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !l.Alive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = proc.Signal(syscall.SIGKILL)
	for i := 0; i < 20; i++ {
		if !l.Alive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("pid %d survived SIGKILL", pid)
}
