package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OpenMined/sbenv/internal/config"
	"github.com/OpenMined/sbenv/internal/registry"
)

// fakeLauncher is an in-process stand-in for the daemon capability.
type fakeLauncher struct {
	mu          sync.Mutex
	nextPID     int
	alive       map[int]bool
	spawned     []Spec
	terminated  []int
	spawnErr    error
	exitOnSpawn bool
	exitErr     error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPID: 1000, alive: make(map[int]bool)}
}

func (f *fakeLauncher) Spawn(spec Spec) (*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.nextPID++
	pid := f.nextPID
	f.spawned = append(f.spawned, spec)
	exited := make(chan error, 1)
	if f.exitOnSpawn {
		exited <- f.exitErr
	} else {
		f.alive[pid] = true
	}
	return &Handle{PID: pid, exited: exited}, nil
}

func (f *fakeLauncher) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeLauncher) Terminate(pid int, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, pid)
	delete(f.alive, pid)
	return nil
}

// kill simulates the daemon dying outside sbenv's control.
func (f *fakeLauncher) kill(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, pid)
}

// markAlive registers a pid the launcher did not spawn, such as the process
// holding a start claim.
func (f *fakeLauncher) markAlive(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[pid] = true
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeLauncher, *registry.Store) {
	t.Helper()
	store := registry.NewStore(t.TempDir())
	launcher := newFakeLauncher()
	sup := NewSupervisor(store, config.Default(), launcher)
	sup.GraceInterval = 10 * time.Millisecond
	sup.StopTimeout = 100 * time.Millisecond
	return sup, launcher, store
}

func seedEnv(t *testing.T, store *registry.Store, name string) *registry.Environment {
	t.Helper()
	root := filepath.Join(store.Home(), "envs", name)
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".syftbox", "logs"), 0o755))
	env := &registry.Environment{
		Name:       name,
		RootDir:    root,
		Port:       8000,
		CreatedAt:  time.Now().UTC(),
		ServerURL:  config.DefaultServerURL,
		Status:     registry.StatusStopped,
		LogPath:    config.LogPath(root, name),
		ConfigPath: config.ClientConfigPath(root),
	}
	require.NoError(t, store.Mutate(func(reg *registry.Registry) error {
		reg.Environments[name] = env
		return nil
	}))
	return env
}

func currentEnv(t *testing.T, store *registry.Store, name string) *registry.Environment {
	t.Helper()
	reg, err := store.Snapshot()
	require.NoError(t, err)
	env, err := reg.Get(name)
	require.NoError(t, err)
	return env
}

func TestStartPersistsPidAndStatus(t *testing.T) {
	sup, launcher, store := newTestSupervisor(t)
	seedEnv(t, store, "proj1")

	rec, err := sup.Start("proj1")
	require.NoError(t, err)
	require.NotNil(t, rec.PID)
	require.Equal(t, registry.StatusRunning, rec.Status)

	persisted := currentEnv(t, store, "proj1")
	require.Equal(t, registry.StatusRunning, persisted.Status)
	require.Equal(t, *rec.PID, *persisted.PID)

	require.Len(t, launcher.spawned, 1)
	spec := launcher.spawned[0]
	require.Equal(t, "8000", spec.Env["SYFTBOX_PORT"])
	require.Equal(t, "1", spec.Env["SYFTBOX_AUTH_ENABLED"])
	require.Equal(t, persisted.ConfigPath, spec.Env["SYFTBOX_CONFIG_PATH"])
	require.Equal(t, persisted.LogPath, spec.LogPath)
}

func TestStartDevModeDisablesAuth(t *testing.T) {
	sup, launcher, store := newTestSupervisor(t)
	seedEnv(t, store, "proj1")
	require.NoError(t, store.Mutate(func(reg *registry.Registry) error {
		reg.Environments["proj1"].DevMode = true
		return nil
	}))

	_, err := sup.Start("proj1")
	require.NoError(t, err)
	require.Equal(t, "0", launcher.spawned[0].Env["SYFTBOX_AUTH_ENABLED"])
}

func TestStartTwiceReturnsAlreadyRunning(t *testing.T) {
	sup, launcher, store := newTestSupervisor(t)
	seedEnv(t, store, "proj1")

	_, err := sup.Start("proj1")
	require.NoError(t, err)

	_, err = sup.Start("proj1")
	require.ErrorIs(t, err, registry.ErrAlreadyRunning)
	require.Len(t, launcher.spawned, 1, "second start must not spawn a second process")
}

func TestConcurrentStartSpawnsExactlyOnce(t *testing.T) {
	sup, launcher, store := newTestSupervisor(t)
	seedEnv(t, store, "proj1")
	launcher.markAlive(os.Getpid())

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sup.Start("proj1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	started, refused := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			started++
		case errors.Is(err, registry.ErrAlreadyRunning):
			refused++
		default:
			t.Fatalf("unexpected start error: %v", err)
		}
	}
	require.Equal(t, 1, started, "exactly one start must win")
	require.Equal(t, 1, refused)
	require.Len(t, launcher.spawned, 1, "losing start must not spawn")
}

func TestStartRefusedWhileClaimHeld(t *testing.T) {
	sup, launcher, store := newTestSupervisor(t)
	seedEnv(t, store, "proj1")
	claimant := 4321
	launcher.markAlive(claimant)
	require.NoError(t, store.Mutate(func(reg *registry.Registry) error {
		reg.Environments["proj1"].Status = registry.StatusStarting
		reg.Environments["proj1"].PID = &claimant
		return nil
	}))

	_, err := sup.Start("proj1")
	require.ErrorIs(t, err, registry.ErrAlreadyRunning)
	require.Empty(t, launcher.spawned)
}

func TestStartClearsStaleClaim(t *testing.T) {
	sup, launcher, store := newTestSupervisor(t)
	seedEnv(t, store, "proj1")
	dead := 99999
	require.NoError(t, store.Mutate(func(reg *registry.Registry) error {
		reg.Environments["proj1"].Status = registry.StatusStarting
		reg.Environments["proj1"].PID = &dead
		return nil
	}))

	_, err := sup.Start("proj1")
	require.NoError(t, err)
	require.Len(t, launcher.spawned, 1)
	require.Equal(t, registry.StatusRunning, currentEnv(t, store, "proj1").Status)
}

func TestStopDoesNotTerminateClaimant(t *testing.T) {
	sup, launcher, store := newTestSupervisor(t)
	seedEnv(t, store, "proj1")
	claimant := 4321
	launcher.markAlive(claimant)
	require.NoError(t, store.Mutate(func(reg *registry.Registry) error {
		reg.Environments["proj1"].Status = registry.StatusStarting
		reg.Environments["proj1"].PID = &claimant
		return nil
	}))

	err := sup.Stop("proj1")
	require.ErrorIs(t, err, registry.ErrAlreadyRunning)
	require.Empty(t, launcher.terminated)
}

func TestStartUnknownEnvironment(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	_, err := sup.Start("ghost")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestStartImmediateSpawnFailure(t *testing.T) {
	sup, launcher, store := newTestSupervisor(t)
	seedEnv(t, store, "proj1")
	launcher.spawnErr = errors.New("exec: no such file")

	_, err := sup.Start("proj1")
	require.ErrorIs(t, err, registry.ErrSpawnFailed)

	persisted := currentEnv(t, store, "proj1")
	require.Equal(t, registry.StatusStopped, persisted.Status)
	require.Nil(t, persisted.PID)
}

func TestStartCrashWithinGraceWindow(t *testing.T) {
	sup, launcher, store := newTestSupervisor(t)
	seedEnv(t, store, "proj1")
	launcher.exitOnSpawn = true
	launcher.exitErr = errors.New("exit status 1")

	_, err := sup.Start("proj1")
	require.ErrorIs(t, err, registry.ErrSpawnFailed)
	require.Contains(t, err.Error(), "exit status 1")

	persisted := currentEnv(t, store, "proj1")
	require.Equal(t, registry.StatusCrashed, persisted.Status)
	require.Nil(t, persisted.PID)
}

func TestStopRunningDaemon(t *testing.T) {
	sup, launcher, store := newTestSupervisor(t)
	seedEnv(t, store, "proj1")

	rec, err := sup.Start("proj1")
	require.NoError(t, err)
	pid := *rec.PID

	require.NoError(t, sup.Stop("proj1"))
	require.Equal(t, []int{pid}, launcher.terminated)

	persisted := currentEnv(t, store, "proj1")
	require.Equal(t, registry.StatusStopped, persisted.Status)
	require.Nil(t, persisted.PID)
}

func TestStopWhenNotRunning(t *testing.T) {
	sup, _, store := newTestSupervisor(t)
	seedEnv(t, store, "proj1")

	err := sup.Stop("proj1")
	require.ErrorIs(t, err, registry.ErrNotRunning)
}

func TestStopStalePidReconciles(t *testing.T) {
	sup, _, store := newTestSupervisor(t)
	seedEnv(t, store, "proj1")
	stale := 99999
	require.NoError(t, store.Mutate(func(reg *registry.Registry) error {
		reg.Environments["proj1"].Status = registry.StatusRunning
		reg.Environments["proj1"].PID = &stale
		return nil
	}))

	err := sup.Stop("proj1")
	require.ErrorIs(t, err, registry.ErrNotRunning)

	persisted := currentEnv(t, store, "proj1")
	require.Equal(t, registry.StatusStopped, persisted.Status)
	require.Nil(t, persisted.PID)
}

func TestStatusReconcilesExternalKill(t *testing.T) {
	sup, launcher, store := newTestSupervisor(t)
	seedEnv(t, store, "proj1")

	rec, err := sup.Start("proj1")
	require.NoError(t, err)

	launcher.kill(*rec.PID)

	status, err := sup.Status("proj1")
	require.NoError(t, err)
	require.Equal(t, registry.StatusStopped, status)

	persisted := currentEnv(t, store, "proj1")
	require.Nil(t, persisted.PID)
}

func TestStatusDetectsCrashFromLogMarker(t *testing.T) {
	sup, launcher, store := newTestSupervisor(t)
	env := seedEnv(t, store, "proj1")

	rec, err := sup.Start("proj1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(env.LogPath, []byte("starting\npanic: runtime error\n"), 0o644))
	launcher.kill(*rec.PID)

	status, err := sup.Status("proj1")
	require.NoError(t, err)
	require.Equal(t, registry.StatusCrashed, status)
}

func TestStatusLeavesLiveDaemonAlone(t *testing.T) {
	sup, _, store := newTestSupervisor(t)
	seedEnv(t, store, "proj1")

	rec, err := sup.Start("proj1")
	require.NoError(t, err)

	status, err := sup.Status("proj1")
	require.NoError(t, err)
	require.Equal(t, registry.StatusRunning, status)

	persisted := currentEnv(t, store, "proj1")
	require.Equal(t, *rec.PID, *persisted.PID)
}

func TestReconcileAll(t *testing.T) {
	sup, launcher, store := newTestSupervisor(t)
	seedEnv(t, store, "proj1")
	seedEnv(t, store, "proj2")

	rec1, err := sup.Start("proj1")
	require.NoError(t, err)
	_, err = sup.Start("proj2")
	require.NoError(t, err)

	launcher.kill(*rec1.PID)
	require.NoError(t, sup.ReconcileAll())

	require.Equal(t, registry.StatusStopped, currentEnv(t, store, "proj1").Status)
	require.Equal(t, registry.StatusRunning, currentEnv(t, store, "proj2").Status)
}
