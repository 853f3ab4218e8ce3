package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/model"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/shell"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/shell/shelltest"
)

type mockServerStore struct {
	mu      sync.Mutex
	version *model.ServerVersion
	root    string
	suPath  string
	saved   []string
}

func (s *mockServerStore) CurrentServerVersion(ctx context.Context) (*model.ServerVersion, error) {
	if s.version == nil {
		return nil, model.ErrNotFound
	}
	return s.version, nil
}

func (s *mockServerStore) RootPath(ctx context.Context) (string, error) {
	return s.root, nil
}

func (s *mockServerStore) SuPath(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suPath, nil
}

func (s *mockServerStore) SaveSuPath(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suPath = path
	s.saved = append(s.saved, path)
	return nil
}

type mockStopper struct {
	ok    bool
	calls int
}

func (m *mockStopper) StopServer(ctx context.Context) bool {
	m.calls++
	return m.ok
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) ReportLifecycleEvent(ctx context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func testVersion() *model.ServerVersion {
	return &model.ServerVersion{
		Version:          "1.2.0",
		PrimaryArch:      "arm64-v8a",
		ServerBinaryPath: "/sdcard/albatross/1.2.0/albatross_server",
		NativeLibPath:    "/sdcard/albatross/1.2.0/libalbatross_base.so",
		AgentDir:         "/sdcard/albatross/1.2.0/agent",
	}
}

func existing(paths ...string) func(string) bool {
	set := make(map[string]bool)
	for _, p := range paths {
		set[p] = true
	}
	return func(p string) bool { return set[p] }
}

// allExist treats every path as present.
func allExist(string) bool { return true }

func TestBuildScriptLaunch(t *testing.T) {
	lines := BuildScript(testVersion(), "/data/local/tmp/albatross", "albatross_manager", true)

	expected := []string{
		"mkdir -p /data/local/tmp/albatross/",
		"cp /sdcard/albatross/1.2.0/albatross_server /data/local/tmp/albatross/albatross_server",
		"cp /sdcard/albatross/1.2.0/libalbatross_base.so /data/local/tmp/albatross/libalbatross_base.so",
		"cp /sdcard/albatross/1.2.0/agent/app_agent.dex /data/local/tmp/albatross/app_agent.dex",
		"cp /sdcard/albatross/1.2.0/agent/system_server.dex /data/local/tmp/albatross/system_server.dex",
		"chmod 444 /data/local/tmp/albatross/app_agent.dex",
		"chmod 444 /data/local/tmp/albatross/system_server.dex",
		"chmod 755 /data/local/tmp/albatross/albatross_server",
		"chmod 644 /data/local/tmp/albatross/libalbatross_base.so",
		"export LD_LIBRARY_PATH=/data/local/tmp/albatross/:$LD_LIBRARY_PATH",
		"nohup /data/local/tmp/albatross/albatross_server albatross_manager >/data/local/tmp/albatross/albatross_manager.log 2>&1 &",
		"exit",
	}
	assert.Equal(t, expected, lines)
}

func TestBuildScriptInstallWith32Bit(t *testing.T) {
	v := testVersion()
	v.Support32Bit = true
	v.NativeLib32Path = "/sdcard/albatross/1.2.0/32/libalbatross_base.so"

	lines := BuildScript(v, "/data/local/tmp/albatross/", "albatross_manager", false)

	assert.Contains(t, lines, "mkdir -p /data/local/tmp/albatross/32bit/")
	assert.Contains(t, lines, "cp /sdcard/albatross/1.2.0/32/libalbatross_base.so /data/local/tmp/albatross/32bit/libalbatross_base.so")
	assert.Equal(t, "echo success", lines[len(lines)-2])
	assert.Equal(t, "exit", lines[len(lines)-1])
}

func TestBuildScriptSupport32BitWithoutLibrary(t *testing.T) {
	v := testVersion()
	v.Support32Bit = true

	for _, line := range BuildScript(v, "/r/", "a", false) {
		assert.NotContains(t, line, model.Lib32DirName)
	}
}

func TestIsRooted(t *testing.T) {
	t.Run("well-known location", func(t *testing.T) {
		store := &mockServerStore{}
		runner := &shelltest.Runner{}
		m := NewManager(store, runner, WithSuPathStore(store), WithFileExists(existing("/sbin/su")))

		assert.True(t, m.IsRooted(context.Background()))
		assert.Equal(t, "/sbin/su", m.SuPath())
		assert.Equal(t, []string{"/sbin/su"}, store.saved)
		assert.Empty(t, runner.Calls())

		// cached path short-circuits the scan
		assert.True(t, m.IsRooted(context.Background()))
		assert.Len(t, store.saved, 1)
	})

	t.Run("persisted location", func(t *testing.T) {
		store := &mockServerStore{suPath: "/apex/su"}
		m := NewManager(store, &shelltest.Runner{}, WithSuPathStore(store), WithFileExists(existing("/apex/su")))

		assert.True(t, m.IsRooted(context.Background()))
		assert.Equal(t, "/apex/su", m.SuPath())
		assert.Empty(t, store.saved)
	})

	t.Run("which su", func(t *testing.T) {
		store := &mockServerStore{}
		runner := &shelltest.Runner{Handler: func(inv shelltest.Invocation) (shell.Result, error) {
			return shell.Result{Stdout: "/debug_ramdisk/su\n"}, nil
		}}
		m := NewManager(store, runner, WithSuPathStore(store), WithFileExists(existing()))

		assert.True(t, m.IsRooted(context.Background()))
		assert.Equal(t, "/debug_ramdisk/su", m.SuPath())
		require.Len(t, runner.Calls(), 1)
		assert.Equal(t, "/system/bin/sh -c which su", runner.Calls()[0].Command)
	})

	t.Run("not rooted", func(t *testing.T) {
		runner := &shelltest.Runner{Handler: func(inv shelltest.Invocation) (shell.Result, error) {
			return shell.Result{ExitCode: 1}, nil
		}}
		m := NewManager(&mockServerStore{}, runner, WithFileExists(existing()))
		assert.False(t, m.IsRooted(context.Background()))
		assert.Empty(t, m.SuPath())
	})
}

func TestStartRequiresRoot(t *testing.T) {
	runner := &shelltest.Runner{Handler: func(inv shelltest.Invocation) (shell.Result, error) {
		return shell.Result{ExitCode: 1}, nil
	}}
	m := NewManager(&mockServerStore{version: testVersion()}, runner, WithFileExists(existing()))

	ok, err := m.Start(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNoRoot)
	assert.True(t, IsErrorCode(err, ErrorCodeNoRoot))
	assert.Empty(t, runner.CallsOf("spawn"))
}

func TestStartRequiresCurrentVersion(t *testing.T) {
	m := NewManager(&mockServerStore{}, &shelltest.Runner{}, WithFileExists(allExist))

	_, err := m.Start(context.Background())
	assert.True(t, IsErrorCode(err, ErrorCodeNoServerVersion))
}

func TestStartMissingArtifact(t *testing.T) {
	v := testVersion()
	store := &mockServerStore{version: v}
	m := NewManager(store, &shelltest.Runner{}, WithFileExists(existing("/system/bin/su", v.ServerBinaryPath)))

	_, err := m.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrorCodeArtifactMissing, GetErrorCode(err))
	assert.Contains(t, err.Error(), v.NativeLibPath)
}

func TestStartProbesExactlyConfiguredAttempts(t *testing.T) {
	runner := &shelltest.Runner{}
	events := &recordingPublisher{}
	m := NewManager(&mockServerStore{version: testVersion(), root: "/data/local/tmp/albatross"}, runner,
		WithFileExists(allExist),
		WithPolling(DefaultPollAttempts, time.Millisecond),
		WithEventPublisher(events))

	var probes atomic.Int32
	m.SetProber(func(ctx context.Context) bool {
		probes.Add(1)
		return false
	})

	ok, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(2), probes.Load())
	assert.False(t, m.Running())

	spawns := runner.CallsOf("spawn")
	require.Len(t, spawns, 1)
	assert.Equal(t, "/system/bin/su", spawns[0].Su)
	assert.Equal(t, "exit", spawns[0].Lines[len(spawns[0].Lines)-1])
	assert.Equal(t, []string{EventStarting, EventNotReady}, events.types())
}

func TestStartReadyOnSecondProbe(t *testing.T) {
	m := NewManager(&mockServerStore{version: testVersion()}, &shelltest.Runner{},
		WithFileExists(allExist),
		WithPolling(DefaultPollAttempts, time.Millisecond))

	var probes atomic.Int32
	m.SetProber(func(ctx context.Context) bool {
		return probes.Add(1) == 2
	})

	ok, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, m.Running())
	assert.Equal(t, int32(2), probes.Load())
}

func TestStartCancelled(t *testing.T) {
	m := NewManager(&mockServerStore{version: testVersion()}, &shelltest.Runner{},
		WithFileExists(allExist),
		WithPolling(DefaultPollAttempts, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := m.Start(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStage(t *testing.T) {
	t.Run("success marker", func(t *testing.T) {
		runner := &shelltest.Runner{Handler: func(inv shelltest.Invocation) (shell.Result, error) {
			return shell.Result{Stdout: "success\n"}, nil
		}}
		m := NewManager(&mockServerStore{}, runner, WithFileExists(allExist))

		require.NoError(t, m.Stage(context.Background(), testVersion(), "/data/local/tmp/x"))
		scripts := runner.CallsOf("script")
		require.Len(t, scripts, 1)
		assert.Equal(t, "mkdir -p /data/local/tmp/x/", scripts[0].Lines[0])
	})

	t.Run("no marker", func(t *testing.T) {
		runner := &shelltest.Runner{Handler: func(inv shelltest.Invocation) (shell.Result, error) {
			return shell.Result{Stderr: "cp: read-only file system"}, nil
		}}
		m := NewManager(&mockServerStore{}, runner, WithFileExists(allExist))

		err := m.Stage(context.Background(), testVersion(), "/data/local/tmp/x")
		assert.True(t, IsErrorCode(err, ErrorCodeStageFailed))
		assert.Contains(t, err.Error(), "read-only")
	})

	t.Run("script error", func(t *testing.T) {
		boom := errors.New("exec failed")
		runner := &shelltest.Runner{Handler: func(inv shelltest.Invocation) (shell.Result, error) {
			return shell.Result{}, boom
		}}
		m := NewManager(&mockServerStore{}, runner, WithFileExists(allExist))

		err := m.Stage(context.Background(), testVersion(), "/x")
		assert.ErrorIs(t, err, boom)
	})
}

func TestInstallUsesCurrentVersion(t *testing.T) {
	runner := &shelltest.Runner{Handler: func(inv shelltest.Invocation) (shell.Result, error) {
		return shell.Result{Stdout: "success\n"}, nil
	}}
	events := &recordingPublisher{}
	m := NewManager(&mockServerStore{version: testVersion(), root: "/data/adb/albatross"}, runner,
		WithFileExists(allExist), WithEventPublisher(events))

	require.NoError(t, m.Install(context.Background()))
	assert.Equal(t, []string{EventStaged}, events.types())
	assert.Empty(t, runner.CallsOf("spawn"))
}

func TestStop(t *testing.T) {
	t.Run("graceful", func(t *testing.T) {
		runner := &shelltest.Runner{}
		m := NewManager(&mockServerStore{}, runner, WithFileExists(allExist))
		m.MarkRunning(true)
		stopper := &mockStopper{ok: true}
		m.SetGracefulStopper(stopper)

		assert.True(t, m.Stop(context.Background()))
		assert.False(t, m.Running())
		assert.Equal(t, 1, stopper.calls)
		assert.Empty(t, runner.Calls())
	})

	t.Run("kill by pid", func(t *testing.T) {
		runner := &shelltest.Runner{}
		m := NewManager(&mockServerStore{}, runner,
			WithFileExists(allExist),
			WithProcessFinder(func(ctx context.Context, name string) ([]int32, error) {
				assert.Equal(t, model.ServerBinaryName, name)
				return []int32{4242, 4243}, nil
			}))
		m.MarkRunning(true)
		m.SetGracefulStopper(&mockStopper{ok: false})

		assert.True(t, m.Stop(context.Background()))
		assert.False(t, m.Running())
		su := runner.CallsOf("su")
		require.Len(t, su, 1)
		assert.Equal(t, "kill 4242 4243", su[0].Command)
	})

	t.Run("pidof fallback", func(t *testing.T) {
		runner := &shelltest.Runner{}
		m := NewManager(&mockServerStore{}, runner,
			WithFileExists(allExist),
			WithProcessFinder(func(ctx context.Context, name string) ([]int32, error) {
				return nil, nil
			}))

		assert.True(t, m.Stop(context.Background()))
		su := runner.CallsOf("su")
		require.Len(t, su, 1)
		assert.Equal(t, "kill $(pidof albatross_server)", su[0].Command)
	})

	t.Run("kill fails", func(t *testing.T) {
		runner := &shelltest.Runner{Handler: func(inv shelltest.Invocation) (shell.Result, error) {
			return shell.Result{ExitCode: 1}, nil
		}}
		m := NewManager(&mockServerStore{}, runner,
			WithFileExists(allExist),
			WithProcessFinder(func(ctx context.Context, name string) ([]int32, error) {
				return nil, nil
			}))
		m.MarkRunning(true)

		assert.False(t, m.Stop(context.Background()))
		assert.False(t, m.Running(), "running is cleared even when the kill fails")
	})

	t.Run("not rooted", func(t *testing.T) {
		runner := &shelltest.Runner{Handler: func(inv shelltest.Invocation) (shell.Result, error) {
			return shell.Result{ExitCode: 1}, nil
		}}
		m := NewManager(&mockServerStore{}, runner, WithFileExists(existing()))
		m.MarkRunning(true)
		m.SetGracefulStopper(&mockStopper{ok: false})

		assert.False(t, m.Stop(context.Background()))
		assert.False(t, m.Running())
		assert.Empty(t, runner.CallsOf("su"))
	})
}

func TestErrorFormatting(t *testing.T) {
	err := ErrArtifactMissing("server binary", "/x/albatross_server")
	assert.Equal(t,
		"[ARTIFACT_MISSING] server binary not found; path=/x/albatross_server",
		err.Error())
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	assert.Empty(t, GetSuggestion(errors.New("plain")))
	assert.NotEmpty(t, GetSuggestion(ErrNoServerVersion()))
}
