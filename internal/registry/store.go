package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"

	"github.com/OpenMined/sbenv/internal/config"
)

const (
	// DefaultLockTimeout bounds how long a command waits for the registry lock.
	DefaultLockTimeout = 10 * time.Second

	lockRetryDelay = 50 * time.Millisecond
)

// Store persists the registry as a single JSON file under the sbenv home,
// guarded by an advisory file lock shared across processes.
type Store struct {
	home        string
	LockTimeout time.Duration
}

// NewStore creates a store rooted at home.
func NewStore(home string) *Store {
	return &Store{home: home, LockTimeout: DefaultLockTimeout}
}

// Home returns the sbenv home directory the store is bound to.
func (s *Store) Home() string {
	return s.home
}

func (s *Store) path() string {
	return config.RegistryPath(s.home)
}

// load reads the registry file. A missing file yields an empty registry;
// an unparsable file is fatal and left for manual recovery.
func (s *Store) load() (*Registry, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, &OpError{Op: "read registry", Path: s.path(), Err: err}
	}
	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, s.path(), err)
	}
	if reg.Environments == nil {
		reg.Environments = make(map[string]*Environment)
	}
	return &reg, nil
}

func (s *Store) save(reg *Registry) error {
	if err := os.MkdirAll(s.home, 0o755); err != nil {
		return &OpError{Op: "create home dir", Path: s.home, Err: err}
	}
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling registry: %w", err)
	}
	// renameio stages a temp file in the target directory and renames it over
	// the registry, so readers only ever see a complete snapshot.
	if err := renameio.WriteFile(s.path(), data, 0o644); err != nil {
		return &OpError{Op: "write registry", Path: s.path(), Err: err}
	}
	return nil
}

// lock acquires the exclusive registry lock, bounded by LockTimeout.
func (s *Store) lock() (*flock.Flock, error) {
	if err := os.MkdirAll(s.home, 0o755); err != nil {
		return nil, &OpError{Op: "create home dir", Path: s.home, Err: err}
	}
	fl := flock.New(config.LockPath(s.home))
	ctx, cancel := context.WithTimeout(context.Background(), s.LockTimeout)
	defer cancel()
	ok, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w after %s", ErrLockTimeout, s.LockTimeout)
		}
		return nil, &OpError{Op: "lock registry", Path: config.LockPath(s.home), Err: err}
	}
	if !ok {
		return nil, fmt.Errorf("%w after %s", ErrLockTimeout, s.LockTimeout)
	}
	return fl, nil
}

// Snapshot loads the current registry without holding the write lock.
// Callers must not persist mutations to the returned value.
func (s *Store) Snapshot() (*Registry, error) {
	return s.load()
}

// Mutate runs fn inside the exclusive registry lock as a single
// read-modify-write transaction: lock, load, apply, atomic write, unlock.
// If fn returns an error the on-disk registry is left untouched.
func (s *Store) Mutate(fn func(*Registry) error) error {
	fl, err := s.lock()
	if err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()

	reg, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(reg); err != nil {
		return err
	}
	return s.save(reg)
}
