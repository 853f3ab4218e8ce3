// Package controlplane is the single entry point used by the CLI to manage
// the injection server: it owns the one live server connection, drives the
// lifecycle manager, and reconciles plugins through the registry syncer.
//
// All long-running operations run on one dedicated worker. A connection that
// fails is torn down exactly once, whichever caller observes the failure
// first.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/bridge"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/conn"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/lifecycle"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/metrics"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/model"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/registry"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/shell"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/worker"
)

// Dialer opens a server connection.
type Dialer func(ctx context.Context, address string, opts conn.Options) (*conn.Connection, error)

// ControlPlane coordinates the bridge, lifecycle, connection and registry.
type ControlPlane struct {
	store     model.Store
	lifecycle *lifecycle.Manager
	runner    shell.Runner
	syncer    *registry.Syncer
	resolver  registry.AppResolver
	worker    *worker.Worker

	bridge *bridge.Bridge
	loader bridge.Loader

	dial          Dialer
	dialTimeout   time.Duration
	callTimeout   time.Duration
	watchInterval time.Duration
	reconnects    int

	notifier Notifier
	logger   *slog.Logger
	metrics  metrics.Collector

	conn atomic.Pointer[conn.Connection]

	mu     sync.Mutex
	state  State
	warned bool

	openOnce  sync.Once
	closeOnce sync.Once
	stopWatch context.CancelFunc
	watchDone chan struct{}
}

// Option configures a ControlPlane.
type Option func(*ControlPlane)

// WithBridge sets the search path bridge and the loader it patches.
func WithBridge(b *bridge.Bridge, loader bridge.Loader) Option {
	return func(cp *ControlPlane) {
		cp.bridge = b
		cp.loader = loader
	}
}

// WithDialer overrides how connections are opened.
func WithDialer(d Dialer) Option {
	return func(cp *ControlPlane) {
		cp.dial = d
	}
}

// WithTimeouts sets the dial and per-call timeouts.
func WithTimeouts(dial, call time.Duration) Option {
	return func(cp *ControlPlane) {
		cp.dialTimeout = dial
		cp.callTimeout = call
	}
}

// WithWatchInterval enables the liveness watchdog. Zero disables it.
func WithWatchInterval(d time.Duration) Option {
	return func(cp *ControlPlane) {
		cp.watchInterval = d
	}
}

// WithReconnect lets the watchdog redial a dropped server up to attempts
// times, backing off between tries. Zero leaves the server disconnected.
func WithReconnect(attempts int) Option {
	return func(cp *ControlPlane) {
		cp.reconnects = attempts
	}
}

// WithResolver overrides how plugin apps are resolved to code paths.
func WithResolver(r registry.AppResolver) Option {
	return func(cp *ControlPlane) {
		cp.resolver = r
	}
}

// WithNotifier sets where user-facing notices go.
func WithNotifier(n Notifier) Option {
	return func(cp *ControlPlane) {
		cp.notifier = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cp *ControlPlane) {
		cp.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(cp *ControlPlane) {
		cp.metrics = c
	}
}

// New wires a ControlPlane. Call Open before use and Close when done.
func New(store model.Store, lc *lifecycle.Manager, runner shell.Runner, opts ...Option) *ControlPlane {
	cp := &ControlPlane{
		store:       store,
		lifecycle:   lc,
		runner:      runner,
		dial:        conn.Dial,
		dialTimeout: 3 * time.Second,
		callTimeout: 30 * time.Second,
		notifier:    noopNotifier{},
		logger:      slog.Default(),
		metrics:     metrics.NewNoop(),
	}
	for _, opt := range opts {
		opt(cp)
	}
	if cp.bridge == nil {
		cp.bridge = bridge.ForSDK(0, bridge.WithLogger(cp.logger))
		cp.loader = bridge.NewMemoryLoader(bridge.SearchPath{})
	}
	if cp.resolver == nil {
		cp.resolver = registry.PackageManagerResolver{Run: cp.runCommand}
	}

	cp.syncer = registry.NewSyncer(store, cp.resolver,
		registry.WithLogger(cp.logger),
		registry.WithMetrics(cp.metrics),
		registry.WithConflictHandler(cp.warnConflict))
	cp.worker = worker.New(worker.WithLogger(cp.logger), worker.WithMetrics(cp.metrics))

	lc.SetProber(cp.probe)
	lc.SetGracefulStopper(gracefulStopper{cp})
	return cp
}

// Open patches the search path, starts the worker and, when configured, the
// liveness watchdog. The patch must succeed before any connection is dialed.
func (cp *ControlPlane) Open(ctx context.Context) error {
	var err error
	cp.openOnce.Do(func() {
		cp.worker.Start(context.WithoutCancel(ctx))
		if cp.watchInterval > 0 {
			watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			cp.stopWatch = cancel
			cp.watchDone = make(chan struct{})
			go cp.watch(watchCtx)
		}
		err = cp.patchBridge(ctx)
	})
	return err
}

// Close stops background work and drops the connection.
func (cp *ControlPlane) Close() error {
	cp.closeOnce.Do(func() {
		if cp.stopWatch != nil {
			cp.stopWatch()
			<-cp.watchDone
		}
		cp.worker.Stop()
		cp.Disconnect()
	})
	return nil
}

func (cp *ControlPlane) patchBridge(ctx context.Context) error {
	if cp.bridge.Ready() {
		return nil
	}
	root, err := cp.store.RootPath(ctx)
	if err != nil {
		return fmt.Errorf("load root path: %w", err)
	}
	paths := model.Staged(root)
	if err := cp.bridge.Patch(cp.loader, paths.AppAgent, strings.TrimSuffix(paths.Root, "/")); err != nil {
		cp.logger.Error("search path patch failed", "error", err)
		return err
	}
	return nil
}

// run executes fn on the worker and waits for it. Must not be called from a
// worker job.
func (cp *ControlPlane) run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	var err error
	if doErr := cp.worker.Do(ctx, name, func(jobCtx context.Context) {
		err = fn(ctx)
	}); doErr != nil {
		return doErr
	}
	return err
}

// State returns the current connection state.
func (cp *ControlPlane) State() State {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.state
}

func (cp *ControlPlane) setState(to State) {
	cp.mu.Lock()
	from := cp.state
	if from == to || !canTransition(from, to) {
		cp.mu.Unlock()
		if from != to {
			cp.logger.Debug("ignored state transition", "from", from.String(), "to", to.String())
		}
		return
	}
	cp.state = to
	if to == StateDisconnected {
		cp.warned = false
	}
	cp.mu.Unlock()

	cp.metrics.StateTransition(from.String(), to.String())
	cp.logger.Debug("state transition", "from", from.String(), "to", to.String())
}

// Get returns the live connection, or nil.
func (cp *ControlPlane) Get() *conn.Connection {
	return cp.conn.Load()
}

// server returns the live connection as a registry.Server, keeping a nil
// connection a nil interface.
func (cp *ControlPlane) server() registry.Server {
	if c := cp.Get(); c != nil {
		return c
	}
	return nil
}

// teardown clears c if it is still the live connection. Only the first caller
// for a given connection performs the close.
func (cp *ControlPlane) teardown(c *conn.Connection, reason string) bool {
	if c == nil || !cp.conn.CompareAndSwap(c, nil) {
		return false
	}
	c.Close()
	cp.metrics.Teardown(reason)
	cp.setState(StateDisconnected)
	cp.logger.Info("server connection closed", "reason", reason)
	return true
}

// checkBroken tears c down when a call left it broken.
func (cp *ControlPlane) checkBroken(c *conn.Connection) {
	if c != nil && c.Broken() {
		cp.teardown(c, "io_error")
		cp.lifecycle.MarkRunning(false)
	}
}

// Disconnect drops the live connection, if any.
func (cp *ControlPlane) Disconnect() {
	cp.teardown(cp.Get(), "disconnect")
}

func (cp *ControlPlane) dialOptions(ctx context.Context) (conn.Options, error) {
	root, err := cp.store.RootPath(ctx)
	if err != nil {
		return conn.Options{}, fmt.Errorf("load root path: %w", err)
	}
	paths := model.Staged(root)
	opts := conn.Options{
		AgentPath:       paths.AppAgent,
		SystemAgentPath: paths.SystemAgent,
		DialTimeout:     cp.dialTimeout,
		CallTimeout:     cp.callTimeout,
		Logger:          cp.logger,
		Metrics:         cp.metrics,
	}
	v, err := cp.store.CurrentServerVersion(ctx)
	switch {
	case err == nil:
		if v.Has32BitLib() {
			opts.NativeLib32Path = paths.NativeLib32
		}
	case !errors.Is(err, model.ErrNotFound):
		return conn.Options{}, fmt.Errorf("load current server version: %w", err)
	}
	return opts, nil
}

// connect returns the live connection, dialing one when there is none.
func (cp *ControlPlane) connect(ctx context.Context) (*conn.Connection, error) {
	if c := cp.Get(); c != nil {
		return c, nil
	}
	if !cp.bridge.Ready() {
		return nil, ErrBridgeNotReady
	}

	opts, err := cp.dialOptions(ctx)
	if err != nil {
		return nil, err
	}

	cp.setState(StateConnecting)
	c, err := cp.dial(ctx, cp.lifecycle.Address(), opts)
	if err != nil {
		cp.setState(StateDisconnected)
		return nil, err
	}
	if !cp.conn.CompareAndSwap(nil, c) {
		return cp.lostRace(c)
	}

	cp.setState(StateConnected)
	cp.lifecycle.MarkRunning(true)
	if c.ConflictDetected() {
		cp.warnConflict(ctx)
	}
	return c, nil
}

// lostRace drops c after another connect installed its connection first. The
// winner may already have been torn down again.
func (cp *ControlPlane) lostRace(c *conn.Connection) (*conn.Connection, error) {
	c.Close()
	if winner := cp.Get(); winner != nil {
		return winner, nil
	}
	return nil, fmt.Errorf("%w: connection closed while connecting", conn.ErrServerNotRunning)
}

// warnConflict emits the conflict notice once per connection.
func (cp *ControlPlane) warnConflict(ctx context.Context) {
	cp.mu.Lock()
	if cp.warned {
		cp.mu.Unlock()
		return
	}
	cp.warned = true
	cp.mu.Unlock()

	cp.setState(StateConflictWarned)
	cp.notifier.Notify(ctx, Notice{
		Level:   LevelWarning,
		Message: "a conflicting injection framework is active; launch-time injection rules are disabled",
	})
}

// sync runs one reconciliation pass over the live connection.
func (cp *ControlPlane) sync(ctx context.Context) (registry.Report, error) {
	c := cp.Get()
	if c == nil {
		return registry.Report{}, registry.ErrNotConnected
	}
	if !c.ConflictDetected() {
		cp.setState(StateSyncing)
	}

	report, err := cp.syncer.Sync(ctx, c)
	if c.Broken() {
		cp.checkBroken(c)
		if err == nil {
			err = fmt.Errorf("sync: %w", conn.ErrBroken)
		}
		return report, err
	}
	if !c.ConflictDetected() {
		cp.setState(StateConnected)
	}

	for _, item := range report.Items {
		if item.Outcome == registry.OutcomeRemovedLocally {
			cp.notifier.Notify(ctx, Notice{
				Level:   LevelInfo,
				Message: fmt.Sprintf("removed plugin %s: app is no longer installed", item.Package),
			})
		}
	}
	return report, err
}

// Sync pushes every persisted plugin to the live connection. It never
// connects on its own and returns registry.ErrNotConnected without one.
func (cp *ControlPlane) Sync(ctx context.Context) (registry.Report, error) {
	var report registry.Report
	err := cp.run(ctx, "sync", func(ctx context.Context) error {
		var err error
		report, err = cp.sync(ctx)
		return err
	})
	return report, err
}

// Create connects when needed and syncs.
func (cp *ControlPlane) Create(ctx context.Context) (registry.Report, error) {
	var report registry.Report
	err := cp.run(ctx, "create", func(ctx context.Context) error {
		if c := cp.Get(); c != nil && !c.Probe(ctx).Alive() {
			cp.teardown(c, "stale")
		}
		if _, err := cp.connect(ctx); err != nil {
			return err
		}
		var err error
		report, err = cp.sync(ctx)
		return err
	})
	return report, err
}

// probe is the lifecycle readiness check: reconnect from scratch and sync.
func (cp *ControlPlane) probe(ctx context.Context) bool {
	cp.teardown(cp.Get(), "reconnect")
	if _, err := cp.connect(ctx); err != nil {
		cp.logger.Debug("readiness connect failed", "error", err)
		return false
	}
	if _, err := cp.sync(ctx); err != nil {
		cp.logger.Warn("readiness sync failed", "error", err)
		return false
	}
	return true
}

// IsServerRunning reports whether a server answers. Without a connection it
// tries to open one; a failing liveness probe tears the connection down.
func (cp *ControlPlane) IsServerRunning(ctx context.Context) bool {
	c := cp.Get()
	if c == nil {
		var err error
		if c, err = cp.connect(ctx); err != nil {
			cp.lifecycle.MarkRunning(false)
			return false
		}
	}

	l := c.Probe(ctx)
	if !l.Alive() {
		cp.logger.Debug("liveness probe failed", "state", l.State.String(), "reason", l.Reason)
		cp.teardown(c, l.State.String())
		cp.lifecycle.MarkRunning(false)
		return false
	}
	return true
}

// StartServer launches the current server version and waits for it to
// become reachable. A server that already answers is left alone.
func (cp *ControlPlane) StartServer(ctx context.Context) (bool, error) {
	var ready bool
	err := cp.run(ctx, "start server", func(ctx context.Context) error {
		if cp.IsServerRunning(ctx) {
			cp.logger.Info("server already running, not starting another")
			ready = true
			return nil
		}
		var err error
		ready, err = cp.lifecycle.Start(ctx)
		return err
	})
	if err != nil {
		cp.notifier.Notify(ctx, Notice{Level: LevelError, Message: Message(err)})
	}
	return ready, err
}

// StopServer stops the server, gracefully when connected.
func (cp *ControlPlane) StopServer(ctx context.Context) bool {
	var ok bool
	if err := cp.run(ctx, "stop server", func(ctx context.Context) error {
		if cp.Get() == nil {
			// a short-lived client has no connection yet; the graceful path needs one
			if _, err := cp.connect(ctx); err != nil {
				cp.logger.Debug("no connection for graceful stop", "error", err)
			}
		}
		ok = cp.lifecycle.Stop(ctx)
		return nil
	}); err != nil {
		return false
	}
	return ok
}

// Install stages the current server version without launching it.
func (cp *ControlPlane) Install(ctx context.Context) error {
	return cp.run(ctx, "install server", func(ctx context.Context) error {
		return cp.lifecycle.Install(ctx)
	})
}

type gracefulStopper struct {
	cp *ControlPlane
}

// StopServer asks the connected server to exit.
func (g gracefulStopper) StopServer(ctx context.Context) bool {
	c := g.cp.Get()
	if c == nil {
		return false
	}
	err := c.StopServer(ctx)
	g.cp.teardown(c, "stopped")
	if err != nil {
		g.cp.logger.Warn("graceful stop failed", "error", err)
		return false
	}
	return true
}

// runCommand runs a shell command through the server when connected, and
// through su otherwise.
func (cp *ControlPlane) runCommand(ctx context.Context, command string) (int, string, error) {
	if c := cp.Get(); c != nil {
		res, err := c.Shell(ctx, command)
		if err == nil {
			return int(res.ExitCode), res.Output, nil
		}
		cp.checkBroken(c)
		cp.logger.Debug("server shell failed, falling back to su", "error", err)
	}

	if !cp.lifecycle.IsRooted(ctx) {
		return 0, "", lifecycle.ErrNoRoot
	}
	res, err := cp.runner.Su(ctx, cp.lifecycle.SuPath(), command)
	if err != nil {
		return 0, "", err
	}
	return res.ExitCode, res.Stdout, nil
}
