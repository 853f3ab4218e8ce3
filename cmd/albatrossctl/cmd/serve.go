package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/controlplane"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/manifest"
)

var (
	serveMetricsAddr string
	servePluginsDir  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep a connection to the server and expose metrics",
	Long: `Start the server if needed, sync the registry and keep the connection
under watch until interrupted. Metrics are served on --metrics-addr. With
--plugins-dir, plugin manifests in that directory are stored on start and
again whenever they change.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		addr := serveMetricsAddr
		if addr == "" {
			addr = cfg.Metrics.Addr
		}
		app, err := openApplication(ctx, addr)
		if err != nil {
			return err
		}
		defer app.Close(context.Background())

		// A successful start already synced through the readiness probe.
		if app.cp.IsServerRunning(ctx) {
			if _, err := app.cp.Create(ctx); err != nil {
				uiInstance.Warning(controlplane.Message(err))
			}
		} else if _, err := app.cp.StartServer(ctx); err != nil {
			return fmt.Errorf("start server: %s", controlplane.Message(err))
		}

		if servePluginsDir != "" {
			if err := loadPluginDir(ctx, app, servePluginsDir); err != nil {
				return err
			}
			go func() {
				err := manifest.Watch(ctx, servePluginsDir, manifest.DefaultDebounce, func(ctx context.Context, path string, m *manifest.Plugin) error {
					return app.cp.AddPlugin(ctx, m.Model())
				})
				if err != nil {
					slog.Error("plugin manifest watch stopped", "error", err)
				}
			}()
		}

		uiInstance.Success(fmt.Sprintf("Serving metrics on %s", addr))
		slog.Info("control plane running", "state", app.cp.State().String())
		<-ctx.Done()
		uiInstance.Info("Shutting down")
		return nil
	},
}

// loadPluginDir stores every manifest already present in dir.
func loadPluginDir(ctx context.Context, app *application, dir string) error {
	plugins, err := manifest.LoadPluginDir(dir)
	if err != nil {
		return err
	}
	for path, m := range plugins {
		if err := app.cp.AddPlugin(ctx, m.Model()); err != nil {
			uiInstance.Warning(fmt.Sprintf("%s: %s", path, controlplane.Message(err)))
		}
	}
	return nil
}

func init() {
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "metrics listen address (default from config)")
	serveCmd.Flags().StringVar(&servePluginsDir, "plugins-dir", "", "directory of plugin manifests to load and watch")
	rootCmd.AddCommand(serveCmd)
}
