package registry

import (
	"fmt"
	"regexp"
	"sort"
	"time"
)

// Status represents the lifecycle state of an environment's daemon.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusCrashed  Status = "crashed"
)

// Environment is a single registered environment record.
type Environment struct {
	Name       string    `json:"name"`
	RootDir    string    `json:"root_dir"`
	Port       int       `json:"port"`
	CreatedAt  time.Time `json:"created_at"`
	DevMode    bool      `json:"dev_mode"`
	ServerURL  string    `json:"server_url"`
	PID        *int      `json:"pid"`
	Status     Status    `json:"status"`
	LogPath    string    `json:"log_path"`
	ConfigPath string    `json:"config_path"`
}

// Registry is the full set of environment records, keyed by name.
type Registry struct {
	Environments map[string]*Environment `json:"environments"`
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{Environments: make(map[string]*Environment)}
}

// Get returns the record for name, or ErrNotFound.
func (r *Registry) Get(name string) (*Environment, error) {
	env, ok := r.Environments[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return env, nil
}

// Names returns all environment names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.Environments))
	for name := range r.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all records sorted by creation time.
func (r *Registry) List() []*Environment {
	envs := make([]*Environment, 0, len(r.Environments))
	for _, env := range r.Environments {
		envs = append(envs, env)
	}
	sort.Slice(envs, func(i, j int) bool {
		return envs[i].CreatedAt.Before(envs[j].CreatedAt)
	})
	return envs
}

// PortInUse reports whether any record, regardless of status, holds port.
// A stopped environment keeps its port so a restart cannot collide with a
// later creation.
func (r *Registry) PortInUse(port int) bool {
	for _, env := range r.Environments {
		if env.Port == port {
			return true
		}
	}
	return false
}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateName checks that an environment name is safe for use as a
// directory name and registry key.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if len(name) > 64 {
		return fmt.Errorf("%w: %q exceeds 64 characters", ErrInvalidName, name)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q must start with a lowercase letter or digit and contain only [a-z0-9_-]", ErrInvalidName, name)
	}
	return nil
}
