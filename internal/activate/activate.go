// Package activate computes the variable directives that bind a shell
// session to one environment. The session itself carries the binding in its
// own process environment; this package never mutates a parent shell and the
// registry never records which session is active.
package activate

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/OpenMined/sbenv/internal/registry"
)

// Environment variables the shell integration exports or unsets.
const (
	EnvActive  = "SBENV_ACTIVE_ENV"
	EnvSession = "SBENV_SESSION"
	EnvDir     = "SBENV_ENV_DIR"

	EnvConfigPath = "SYFTBOX_CONFIG_PATH"
	EnvPort       = "SYFTBOX_PORT"
	EnvServerURL  = "SYFTBOX_SERVER_URL"
)

// Directive is one variable assignment (or unset) for the calling shell.
type Directive struct {
	Key   string
	Value string
	Unset bool
}

// String renders the directive as a POSIX shell line for eval.
func (d Directive) String() string {
	if d.Unset {
		return "unset " + d.Key
	}
	return fmt.Sprintf("export %s=%q", d.Key, d.Value)
}

// Session is the activation pointer a calling shell carries.
type Session struct {
	Name  string
	Token string
}

// Current reads the calling session's activation pointer from the process
// environment.
func Current() Session {
	return Session{
		Name:  os.Getenv(EnvActive),
		Token: os.Getenv(EnvSession),
	}
}

// Activate resolves name in the registry and returns the directive set that
// binds the calling session to it. Activating over an existing binding
// simply overwrites the session's pointer; the previously active
// environment's record is untouched.
func Activate(store *registry.Store, name string) ([]Directive, error) {
	reg, err := store.Snapshot()
	if err != nil {
		return nil, err
	}
	env, err := reg.Get(name)
	if err != nil {
		return nil, err
	}

	return []Directive{
		{Key: EnvActive, Value: env.Name},
		{Key: EnvSession, Value: uuid.NewString()},
		{Key: EnvDir, Value: env.RootDir},
		{Key: EnvConfigPath, Value: env.ConfigPath},
		{Key: EnvPort, Value: strconv.Itoa(env.Port)},
		{Key: EnvServerURL, Value: env.ServerURL},
	}, nil
}

// Deactivate returns the inverse directive set for the session's current
// binding, or ErrNoActiveEnvironment when the session carries none.
func Deactivate(s Session) ([]Directive, error) {
	if s.Name == "" {
		return nil, registry.ErrNoActiveEnvironment
	}
	keys := []string{EnvActive, EnvSession, EnvDir, EnvConfigPath, EnvPort, EnvServerURL}
	directives := make([]Directive, 0, len(keys))
	for _, key := range keys {
		directives = append(directives, Directive{Key: key, Unset: true})
	}
	return directives, nil
}
