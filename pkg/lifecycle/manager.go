// Package lifecycle stages, starts and stops the privileged injection server
// and detects whether the device is rooted.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/metrics"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/model"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/shell"
)

const (
	// DefaultPollAttempts is the number of readiness probes after launch.
	DefaultPollAttempts = 2
	// DefaultPollInterval is the wait before each readiness probe.
	DefaultPollInterval = 10 * time.Second
)

// SuCandidates are the well-known su locations checked before `which su`.
var SuCandidates = []string{
	"/system/bin/su",
	"/system/xbin/su",
	"/sbin/su",
	"/system/su",
	"/system/bin/.ext/su",
	"/system/usr/we-need-root/su",
	"/data/local/xbin/su",
	"/data/local/bin/su",
	"/data/local/su",
}

// Prober checks whether a freshly launched server is ready, typically by
// reconnecting and syncing.
type Prober func(ctx context.Context) bool

// GracefulStopper asks a connected server to exit over the protocol.
// It returns false when no connection is available.
type GracefulStopper interface {
	StopServer(ctx context.Context) bool
}

// ProcessFinder returns the pids of processes named name.
type ProcessFinder func(ctx context.Context, name string) ([]int32, error)

// Manager owns the server process lifecycle.
type Manager struct {
	store   model.ServerStore
	suStore model.SuPathStore
	runner  shell.Runner

	address      string
	pollAttempts int
	pollInterval time.Duration

	findProcesses ProcessFinder
	fileExists    func(path string) bool
	events        EventPublisher
	logger        *slog.Logger
	metrics       metrics.Collector

	mu      sync.Mutex
	prober  Prober
	stopper GracefulStopper
	running bool
	suPath  string
}

// Option configures a Manager.
type Option func(*Manager)

// WithAddress sets the address the server listens on.
func WithAddress(address string) Option {
	return func(m *Manager) {
		m.address = address
	}
}

// WithPolling sets the readiness probe count and interval.
func WithPolling(attempts int, interval time.Duration) Option {
	return func(m *Manager) {
		m.pollAttempts = attempts
		m.pollInterval = interval
	}
}

// WithSuPathStore persists the discovered su location.
func WithSuPathStore(s model.SuPathStore) Option {
	return func(m *Manager) {
		m.suStore = s
	}
}

// WithProcessFinder overrides the process table lookup used by Stop.
func WithProcessFinder(f ProcessFinder) Option {
	return func(m *Manager) {
		m.findProcesses = f
	}
}

// WithFileExists overrides the file existence check used for root detection
// and artifact validation.
func WithFileExists(f func(path string) bool) Option {
	return func(m *Manager) {
		m.fileExists = f
	}
}

// WithEventPublisher sets the lifecycle event sink.
func WithEventPublisher(p EventPublisher) Option {
	return func(m *Manager) {
		m.events = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(m *Manager) {
		m.metrics = c
	}
}

// NewManager creates a lifecycle manager.
func NewManager(store model.ServerStore, runner shell.Runner, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		runner:        runner,
		address:       model.DefaultServerAddr,
		pollAttempts:  DefaultPollAttempts,
		pollInterval:  DefaultPollInterval,
		findProcesses: findProcessesByName,
		fileExists:    fileExists,
		events:        &NoopEventPublisher{},
		logger:        slog.Default(),
		metrics:       metrics.NewNoop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func findProcessesByName(ctx context.Context, name string) ([]int32, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var pids []int32
	for _, p := range procs {
		n, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if n == name {
			pids = append(pids, p.Pid)
		}
	}
	return pids, nil
}

// SetProber installs the readiness probe used by Start.
func (m *Manager) SetProber(p Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prober = p
}

// SetGracefulStopper installs the protocol-level stop used by Stop.
func (m *Manager) SetGracefulStopper(s GracefulStopper) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopper = s
}

// Address returns the server address.
func (m *Manager) Address() string {
	return m.address
}

// Running reports whether the last Start succeeded and no Stop followed.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// MarkRunning records that a server is reachable, e.g. after a connect.
func (m *Manager) MarkRunning(running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = running
}

// SuPath returns the discovered su location, or "" before IsRooted found one.
func (m *Manager) SuPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suPath
}

// IsRooted looks for an su binary: the cached location first, then the
// well-known locations, then `which su`. The first hit is cached.
func (m *Manager) IsRooted(ctx context.Context) bool {
	m.mu.Lock()
	cached := m.suPath
	m.mu.Unlock()

	if cached != "" && m.fileExists(cached) {
		return true
	}
	if m.suStore != nil {
		if p, err := m.suStore.SuPath(ctx); err == nil && p != "" && m.fileExists(p) {
			m.cacheSuPath(ctx, p, false)
			return true
		}
	}

	for _, candidate := range SuCandidates {
		if m.fileExists(candidate) {
			m.cacheSuPath(ctx, candidate, true)
			return true
		}
	}

	res, err := m.runner.Exec(ctx, "/system/bin/sh", "-c", "which su")
	if err == nil && res.ExitCode == 0 {
		if p := strings.TrimSpace(res.Stdout); p != "" {
			m.cacheSuPath(ctx, p, true)
			return true
		}
	}
	return false
}

func (m *Manager) cacheSuPath(ctx context.Context, path string, persist bool) {
	m.mu.Lock()
	m.suPath = path
	m.mu.Unlock()

	if persist && m.suStore != nil {
		if err := m.suStore.SaveSuPath(ctx, path); err != nil {
			m.logger.Warn("failed to persist su path", "path", path, "error", err)
		}
	}
}

func (m *Manager) currentVersion(ctx context.Context) (*model.ServerVersion, string, error) {
	v, err := m.store.CurrentServerVersion(ctx)
	if errors.Is(err, model.ErrNotFound) {
		return nil, "", ErrNoServerVersion()
	}
	if err != nil {
		return nil, "", fmt.Errorf("load current server version: %w", err)
	}
	root, err := m.store.RootPath(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("load root path: %w", err)
	}
	return v, model.NormalizeRootPath(root), nil
}

func (m *Manager) validate(v *model.ServerVersion) error {
	for _, a := range sourceArtifacts(v) {
		if !m.fileExists(a[1]) {
			return ErrArtifactMissing(a[0], a[1])
		}
	}
	return nil
}

// Stage copies version's artifacts under rootPath without launching the
// server. The script must confirm with SuccessMarker.
func (m *Manager) Stage(ctx context.Context, v *model.ServerVersion, rootPath string) error {
	if !m.IsRooted(ctx) {
		return ErrNoRoot
	}
	if err := m.validate(v); err != nil {
		return err
	}

	rootPath = model.NormalizeRootPath(rootPath)
	res, err := m.runner.SuScript(ctx, m.SuPath(), BuildScript(v, rootPath, m.address, false))
	if err != nil {
		return ErrStageFailed(rootPath, err)
	}
	if !res.Contains(SuccessMarker) {
		return ErrStageFailed(rootPath, fmt.Errorf("script did not confirm success: %s", strings.TrimSpace(res.Stderr)))
	}

	m.publish(ctx, newEvent(EventStaged, "server files staged", map[string]string{
		"version":   v.Version,
		"root_path": rootPath,
	}))
	return nil
}

// Install stages the current version under the configured root path.
func (m *Manager) Install(ctx context.Context) error {
	if !m.IsRooted(ctx) {
		return ErrNoRoot
	}
	v, root, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}
	return m.Stage(ctx, v, root)
}

// Start stages and launches the current server version in one su session,
// then probes readiness up to the configured number of attempts, waiting the
// poll interval before each. It reports whether a probe succeeded.
func (m *Manager) Start(ctx context.Context) (bool, error) {
	if !m.IsRooted(ctx) {
		return false, ErrNoRoot
	}
	v, root, err := m.currentVersion(ctx)
	if err != nil {
		return false, err
	}
	if err := m.validate(v); err != nil {
		return false, err
	}

	m.publish(ctx, newEvent(EventStarting, "launching server", map[string]string{
		"version":   v.Version,
		"root_path": root,
		"address":   m.address,
	}))

	session, err := m.runner.SpawnSuScript(ctx, m.SuPath(), BuildScript(v, root, m.address, true))
	if err != nil {
		m.metrics.StartAttempt(false)
		return false, ErrLaunchFailed(err)
	}
	go m.logSession(session)

	m.mu.Lock()
	probe := m.prober
	m.mu.Unlock()

	for attempt := 1; attempt <= m.pollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			m.metrics.StartAttempt(false)
			return false, ctx.Err()
		case <-time.After(m.pollInterval):
		}

		ok := probe != nil && probe(ctx)
		m.metrics.ReadinessProbe(ok)
		m.logger.Debug("readiness probe", "attempt", attempt, "ok", ok)
		if ok {
			m.MarkRunning(true)
			m.metrics.StartAttempt(true)
			m.publish(ctx, newEvent(EventReady, "server is ready", map[string]string{
				"attempt": strconv.Itoa(attempt),
			}))
			return true, nil
		}
	}

	m.metrics.StartAttempt(false)
	m.publish(ctx, newEvent(EventNotReady, "server did not become ready", map[string]string{
		"attempts": strconv.Itoa(m.pollAttempts),
	}))
	return false, nil
}

func (m *Manager) logSession(s *shell.Session) {
	<-s.Done()
	stdout, stderr := s.Output()
	m.logger.Debug("launch session finished",
		"stdout_lines", len(stdout),
		"stderr", strings.Join(stderr, "\n"),
		"error", s.Err())
}

// Stop ends the server, preferring the graceful protocol stop and falling
// back to killing the process through su. It reports whether either path
// succeeded. The kill exit code is unreliable, so running is cleared on every
// path.
func (m *Manager) Stop(ctx context.Context) bool {
	m.mu.Lock()
	stopper := m.stopper
	m.mu.Unlock()
	defer m.MarkRunning(false)

	if stopper != nil && stopper.StopServer(ctx) {
		m.stopped(ctx, "graceful")
		return true
	}

	if !m.IsRooted(ctx) {
		m.logger.Warn("cannot kill server without root")
		return false
	}

	command := "kill $(pidof " + model.ServerBinaryName + ")"
	if pids, err := m.findProcesses(ctx, model.ServerBinaryName); err == nil && len(pids) > 0 {
		parts := make([]string, len(pids))
		for i, pid := range pids {
			parts[i] = strconv.Itoa(int(pid))
		}
		command = "kill " + strings.Join(parts, " ")
	} else if err != nil {
		m.logger.Debug("process table lookup failed, using pidof", "error", err)
	}

	res, err := m.runner.Su(ctx, m.SuPath(), command)
	if err != nil || res.ExitCode != 0 {
		m.logger.Warn("failed to kill server", "command", command, "exit_code", res.ExitCode, "error", err)
		return false
	}
	m.stopped(ctx, "kill")
	return true
}

func (m *Manager) stopped(ctx context.Context, via string) {
	m.MarkRunning(false)
	m.publish(ctx, newEvent(EventStopped, "server stopped", map[string]string{"via": via}))
}

func (m *Manager) publish(ctx context.Context, e Event) {
	m.logger.Info("server lifecycle", "event_id", e.ID, "type", e.Type, "message", e.Message)
	if err := m.events.ReportLifecycleEvent(ctx, e); err != nil {
		m.logger.Warn("failed to report lifecycle event", "type", e.Type, "error", err)
	}
}
