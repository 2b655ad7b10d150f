// Package env orchestrates environment lifecycle: directory skeletons,
// registry records, port assignment, and daemon supervision, composed behind
// one Manager the command layer talks to.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/OpenMined/sbenv/internal/config"
	"github.com/OpenMined/sbenv/internal/daemon"
	"github.com/OpenMined/sbenv/internal/ports"
	"github.com/OpenMined/sbenv/internal/registry"
)

// Manager handles environment lifecycle and persistent registry state.
type Manager struct {
	home  string
	cfg   *config.Config
	store *registry.Store
	sup   *daemon.Supervisor
}

// NewManager creates a manager rooted at the sbenv home directory.
func NewManager(home string) (*Manager, error) {
	cfg, err := config.Load(home)
	if err != nil {
		return nil, err
	}
	store := registry.NewStore(home)
	return &Manager{
		home:  home,
		cfg:   cfg,
		store: store,
		sup:   daemon.NewSupervisor(store, cfg, daemon.ExecLauncher{}),
	}, nil
}

// Store returns the registry store.
func (m *Manager) Store() *registry.Store { return m.store }

// Supervisor returns the daemon supervisor.
func (m *Manager) Supervisor() *daemon.Supervisor { return m.sup }

// Config returns the loaded global config.
func (m *Manager) Config() *config.Config { return m.cfg }

// CreateOptions configures environment creation.
type CreateOptions struct {
	// DevMode points the environment at a local dev server and disables auth.
	DevMode bool
	// Port is the preferred port; 0 lets the allocator scan from the base port.
	Port int
	// ServerURL overrides the configured server.
	ServerURL string
	// Email is recorded in the environment's client config.
	Email string
}

// Create registers a new environment and builds its directory skeleton. The
// skeleton is staged in a temporary directory and renamed into place as the
// final step, so a crash mid-creation leaves no partially visible
// environment. Registry entry, port reservation, and skeleton all commit
// inside a single locked transaction.
func (m *Manager) Create(name string, opts CreateOptions) (*registry.Environment, error) {
	if err := registry.ValidateName(name); err != nil {
		return nil, err
	}

	serverURL := m.cfg.ServerURL
	if opts.DevMode {
		serverURL = config.DevServerURL
	}
	if opts.ServerURL != "" {
		serverURL = opts.ServerURL
	}

	var created *registry.Environment
	err := m.store.Mutate(func(reg *registry.Registry) error {
		if _, exists := reg.Environments[name]; exists {
			return fmt.Errorf("%w: %s", registry.ErrNameConflict, name)
		}

		port, err := ports.Reserve(reg, opts.Port, m.cfg.BasePort)
		if err != nil {
			return err
		}

		envsDir := config.EnvsPath(m.home)
		if err := os.MkdirAll(envsDir, 0o755); err != nil {
			return &registry.OpError{Op: "create envs dir", Path: envsDir, Err: err}
		}
		root := filepath.Join(envsDir, name)

		staging, err := os.MkdirTemp(envsDir, "."+name+".tmp-")
		if err != nil {
			return &registry.OpError{Op: "create staging dir", Path: envsDir, Err: err}
		}
		if err := config.Scaffold(staging, root, port, serverURL, opts.Email); err != nil {
			_ = os.RemoveAll(staging)
			return err
		}
		// A root without a registry entry is an orphan from an earlier
		// crash between install and registry save; replace it.
		if _, err := os.Stat(root); err == nil {
			if err := os.RemoveAll(root); err != nil {
				_ = os.RemoveAll(staging)
				return &registry.OpError{Op: "clear orphan env dir", Path: root, Err: err}
			}
		}
		if err := os.Rename(staging, root); err != nil {
			_ = os.RemoveAll(staging)
			return &registry.OpError{Op: "install env dir", Path: root, Err: err}
		}

		created = &registry.Environment{
			Name:       name,
			RootDir:    root,
			Port:       port,
			CreatedAt:  time.Now().UTC(),
			DevMode:    opts.DevMode,
			ServerURL:  serverURL,
			Status:     registry.StatusStopped,
			LogPath:    config.LogPath(root, name),
			ConfigPath: config.ClientConfigPath(root),
		}
		reg.Environments[name] = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("env", name).Int("port", created.Port).Msg("environment created")
	return created, nil
}

// Remove deletes an environment's directory tree and registry entry. A live
// daemon blocks removal unless force is set, in which case it is stopped
// first. Stop, deletion, and entry removal all happen before the registry
// lock is released.
func (m *Manager) Remove(name string, force bool) error {
	if err := registry.ValidateName(name); err != nil {
		return err
	}
	launcher := m.sup.Launcher()
	return m.store.Mutate(func(reg *registry.Registry) error {
		rec, err := reg.Get(name)
		if err != nil {
			return err
		}

		pid := 0
		if rec.PID != nil {
			pid = *rec.PID
		}
		alive := pid > 0 && launcher.Alive(pid)
		if !alive && (rec.Status == registry.StatusRunning || rec.Status == registry.StatusStarting) {
			// Stale pid from a crash or external kill.
			rec.Status = registry.StatusStopped
			rec.PID = nil
		}

		// A live starting record holds the claimant's pid, not a daemon's.
		if rec.Status == registry.StatusStarting {
			return fmt.Errorf("%w: %s (start in flight)", registry.ErrEnvironmentRunning, name)
		}

		if rec.Status != registry.StatusStopped && !force {
			return fmt.Errorf("%w: %s (stop it first or pass --force)", registry.ErrEnvironmentRunning, name)
		}
		if alive {
			if !force {
				return fmt.Errorf("%w: %s (stop it first or pass --force)", registry.ErrEnvironmentRunning, name)
			}
			if err := launcher.Terminate(pid, m.sup.StopTimeout); err != nil {
				return fmt.Errorf("%w: %v", registry.ErrNotResponding, err)
			}
		}

		if err := os.RemoveAll(rec.RootDir); err != nil {
			return &registry.OpError{Op: "remove env dir", Path: rec.RootDir, Err: err}
		}
		delete(reg.Environments, name)
		log.Debug().Str("env", name).Msg("environment removed")
		return nil
	})
}

// List returns all environments sorted by creation time, after reconciling
// stored statuses against live processes.
func (m *Manager) List() ([]*registry.Environment, error) {
	if err := m.sup.ReconcileAll(); err != nil {
		return nil, err
	}
	reg, err := m.store.Snapshot()
	if err != nil {
		return nil, err
	}
	return reg.List(), nil
}

// Get returns a single environment record.
func (m *Manager) Get(name string) (*registry.Environment, error) {
	reg, err := m.store.Snapshot()
	if err != nil {
		return nil, err
	}
	return reg.Get(name)
}
