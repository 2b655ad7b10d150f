// Package daemon starts, stops, and probes the external syftbox daemon for
// each environment. The registry's stored pid is never trusted on its own:
// every decision is backed by an OS-level liveness probe, since records go
// stale across reboots, external kills, and crashes.
package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/OpenMined/sbenv/internal/config"
	"github.com/OpenMined/sbenv/internal/logtail"
	"github.com/OpenMined/sbenv/internal/registry"
)

const (
	// DefaultGraceInterval is how long Start waits before re-probing a
	// freshly spawned daemon.
	DefaultGraceInterval = 750 * time.Millisecond

	// DefaultStopTimeout is how long Stop waits after SIGTERM before
	// escalating to SIGKILL.
	DefaultStopTimeout = 10 * time.Second
)

// Supervisor manages daemon lifecycle per environment.
type Supervisor struct {
	store    *registry.Store
	cfg      *config.Config
	launcher Launcher

	GraceInterval time.Duration
	StopTimeout   time.Duration
}

// NewSupervisor creates a supervisor over the given store and launcher.
func NewSupervisor(store *registry.Store, cfg *config.Config, launcher Launcher) *Supervisor {
	return &Supervisor{
		store:         store,
		cfg:           cfg,
		launcher:      launcher,
		GraceInterval: DefaultGraceInterval,
		StopTimeout:   DefaultStopTimeout,
	}
}

// buildSpec derives the daemon invocation from an environment record.
func (s *Supervisor) buildSpec(env *registry.Environment) Spec {
	auth := "1"
	if env.DevMode {
		auth = "0"
	}
	return Spec{
		Binary:     s.cfg.Binary,
		WorkingDir: env.RootDir,
		LogPath:    env.LogPath,
		Env: map[string]string{
			"SYFTBOX_PORT":         strconv.Itoa(env.Port),
			"SYFTBOX_AUTH_ENABLED": auth,
			"SYFTBOX_CONFIG_PATH":  env.ConfigPath,
			"SYFTBOX_SERVER_URL":   env.ServerURL,
		},
	}
}

// setState persists a status/pid change through the locked registry path.
func (s *Supervisor) setState(name string, status registry.Status, pid *int) error {
	return s.store.Mutate(func(reg *registry.Registry) error {
		env, err := reg.Get(name)
		if err != nil {
			return err
		}
		env.Status = status
		env.PID = pid
		return nil
	})
}

// Start spawns the daemon for an environment. While the spawn is in flight
// the record holds a starting status with the pid of the process performing
// the start, claimed under the registry lock, so a concurrent Start sees a
// live claim and refuses. The lock is released before the grace wait so a
// slow-starting daemon does not block other environments.
func (s *Supervisor) Start(name string) (*registry.Environment, error) {
	var env registry.Environment
	err := s.store.Mutate(func(reg *registry.Registry) error {
		rec, err := reg.Get(name)
		if err != nil {
			return err
		}
		// Clears a claim left behind by a dead prior invocation.
		s.reconcileRecord(rec)
		switch rec.Status {
		case registry.StatusStarting:
			return fmt.Errorf("%w: %s (start in flight)", registry.ErrAlreadyRunning, name)
		case registry.StatusRunning:
			return fmt.Errorf("%w: %s (pid %d)", registry.ErrAlreadyRunning, name, *rec.PID)
		}
		self := os.Getpid()
		rec.Status = registry.StatusStarting
		rec.PID = &self
		env = *rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	spec := s.buildSpec(&env)
	log.Debug().Str("env", name).Str("binary", spec.Binary).Int("port", env.Port).Msg("spawning daemon")

	handle, err := s.launcher.Spawn(spec)
	if err != nil {
		// Nothing was spawned; the environment is still cleanly stopped.
		_ = s.setState(name, registry.StatusStopped, nil)
		return nil, fmt.Errorf("%w: %v", registry.ErrSpawnFailed, err)
	}

	if exited, exitErr := handle.Exited(s.GraceInterval); exited {
		_ = s.setState(name, registry.StatusCrashed, nil)
		if exitErr != nil {
			return nil, fmt.Errorf("%w: daemon exited during startup: %v", registry.ErrSpawnFailed, exitErr)
		}
		return nil, fmt.Errorf("%w: daemon exited during startup with status 0", registry.ErrSpawnFailed)
	}

	pid := handle.PID
	if err := s.setState(name, registry.StatusRunning, &pid); err != nil {
		return nil, err
	}
	log.Debug().Str("env", name).Int("pid", pid).Msg("daemon running")

	env.Status = registry.StatusRunning
	env.PID = &pid
	return &env, nil
}

// Stop terminates the daemon for an environment, escalating from SIGTERM to
// SIGKILL after StopTimeout. A stored pid that no longer resolves to a live
// process is reconciled to stopped and reported as ErrNotRunning.
func (s *Supervisor) Stop(name string) error {
	reg, err := s.store.Snapshot()
	if err != nil {
		return err
	}
	rec, err := reg.Get(name)
	if err != nil {
		return err
	}

	pid := 0
	if rec.PID != nil {
		pid = *rec.PID
	}

	// A starting record holds the claimant's pid, not the daemon's.
	if rec.Status == registry.StatusStarting {
		if pid > 0 && s.launcher.Alive(pid) {
			return fmt.Errorf("%w: %s (start in flight)", registry.ErrAlreadyRunning, name)
		}
		_ = s.setState(name, registry.StatusStopped, nil)
		return fmt.Errorf("%w: %s", registry.ErrNotRunning, name)
	}

	if pid == 0 || !s.launcher.Alive(pid) {
		if rec.Status == registry.StatusRunning {
			_ = s.setState(name, registry.StatusStopped, nil)
		}
		return fmt.Errorf("%w: %s", registry.ErrNotRunning, name)
	}

	log.Debug().Str("env", name).Int("pid", pid).Msg("stopping daemon")
	if err := s.launcher.Terminate(pid, s.StopTimeout); err != nil {
		return fmt.Errorf("%w: %v", registry.ErrNotResponding, err)
	}
	return s.setState(name, registry.StatusStopped, nil)
}

// reconcileRecord checks a stored running/starting status against a live
// probe and corrects it in place. For a running record the stored pid is the
// daemon's; for a starting record it is the claimant's. Reports whether the
// record changed.
func (s *Supervisor) reconcileRecord(rec *registry.Environment) bool {
	if rec.Status != registry.StatusRunning && rec.Status != registry.StatusStarting {
		return false
	}
	pid := 0
	if rec.PID != nil {
		pid = *rec.PID
	}
	if pid > 0 && s.launcher.Alive(pid) {
		return false
	}
	rec.PID = nil
	if crashMarker(rec.LogPath) {
		rec.Status = registry.StatusCrashed
	} else {
		rec.Status = registry.StatusStopped
	}
	log.Debug().Str("env", rec.Name).Str("status", string(rec.Status)).Msg("reconciled stale pid")
	return true
}

// Status reconciles an environment's stored status against a fresh liveness
// probe and returns the result. A stored running status whose pid has
// disappeared becomes crashed when the log tail carries a failure marker,
// stopped otherwise.
func (s *Supervisor) Status(name string) (registry.Status, error) {
	var result registry.Status
	err := s.store.Mutate(func(reg *registry.Registry) error {
		rec, err := reg.Get(name)
		if err != nil {
			return err
		}
		s.reconcileRecord(rec)
		result = rec.Status
		return nil
	})
	return result, err
}

// ReconcileAll probes every record with a stored live status and corrects
// the registry, mirroring Status for the whole store in one transaction.
func (s *Supervisor) ReconcileAll() error {
	return s.store.Mutate(func(reg *registry.Registry) error {
		for _, rec := range reg.Environments {
			s.reconcileRecord(rec)
		}
		return nil
	})
}

// Launcher exposes the supervisor's process capability for collaborators
// that must act on pids inside their own registry transactions.
func (s *Supervisor) Launcher() Launcher {
	return s.launcher
}

// crashMarker scans the tail of a daemon log for signs of abnormal exit.
func crashMarker(logPath string) bool {
	lines, err := logtail.Read(logPath, 20)
	if err != nil {
		return false
	}
	for _, line := range lines {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "panic:") || strings.Contains(lower, "fatal") {
			return true
		}
	}
	return false
}
