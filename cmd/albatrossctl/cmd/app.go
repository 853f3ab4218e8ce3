package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AlbatrossHook/AlbatrossManager/internal/observability"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/bridge"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/controlplane"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/lifecycle"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/metrics"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/shell"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/store"
)

// application bundles the collaborators a command needs.
type application struct {
	store   *store.Store
	cp      *controlplane.ControlPlane
	metrics *metrics.PrometheusCollector
	obs     *observability.Manager
}

// openStore opens the local database, applying the configured root path.
func openStore(ctx context.Context) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if cfg.Server.RootPath != "" {
		if err := st.SaveRootPath(ctx, cfg.Server.RootPath); err != nil {
			st.Close()
			return nil, err
		}
	}
	return st, nil
}

// openApplication wires the full control plane. metricsAddr, when set,
// serves the Prometheus registry for the lifetime of the command.
func openApplication(ctx context.Context, metricsAddr string) (*application, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewPrometheus("albatross")
	obs := observability.New(observability.Config{
		ServiceName:    "albatrossctl",
		ServiceVersion: Version,
		EnableTracing:  cfg.Tracing.Enabled,
		MetricsAddr:    metricsAddr,
		MetricsHandler: collector.Handler(),
	})
	if err := obs.Initialize(ctx); err != nil {
		st.Close()
		return nil, err
	}

	logger := slog.Default()
	runner := shell.NewExec(logger)
	lc := lifecycle.NewManager(st, runner,
		lifecycle.WithAddress(cfg.Server.Address),
		lifecycle.WithPolling(cfg.Server.PollAttempts, cfg.Server.PollInterval),
		lifecycle.WithSuPathStore(st),
		lifecycle.WithLogger(logger),
		lifecycle.WithMetrics(collector))

	cp := controlplane.New(st, lc, runner,
		controlplane.WithBridge(bridge.ForSDK(cfg.Runtime.SDK, bridge.WithLogger(logger)), bridge.NewMemoryLoader(bridge.SearchPath{})),
		controlplane.WithTimeouts(cfg.Server.DialTimeout, cfg.Server.CallTimeout),
		controlplane.WithWatchInterval(cfg.Server.WatchInterval),
		controlplane.WithReconnect(cfg.Server.Reconnects),
		controlplane.WithNotifier(uiInstance),
		controlplane.WithLogger(logger),
		controlplane.WithMetrics(collector))

	app := &application{store: st, cp: cp, metrics: collector, obs: obs}
	if err := cp.Open(ctx); err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("open control plane: %w", err)
	}
	return app, nil
}

// Close releases everything opened by openApplication.
func (a *application) Close(ctx context.Context) error {
	return errors.Join(
		a.cp.Close(),
		a.obs.Shutdown(ctx),
		a.store.Close(),
	)
}

// withApplication runs fn with a wired application and a span named after the command.
func withApplication(ctx context.Context, name string, fn func(ctx context.Context, app *application) error) error {
	app, err := openApplication(ctx, "")
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))

	ctx, span := observability.Tracer("albatrossctl").Start(ctx, name)
	defer span.End()
	return fn(ctx, app)
}

// report prints the short status string for err and returns err.
func report(err error, success string) error {
	if err != nil {
		return errors.New(controlplane.Message(err))
	}
	uiInstance.Success(success)
	return nil
}
