package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/controlplane"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/lifecycle"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage the injection server process",
}

var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Stage the current version and launch the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd.Context(), "server.start", func(ctx context.Context, app *application) error {
			uiInstance.Info("Starting server...")
			ready, err := app.cp.StartServer(ctx)
			if err != nil {
				if s := lifecycle.GetSuggestion(err); s != "" {
					uiInstance.Subtle(s)
				}
				return errors.New(controlplane.Message(err))
			}
			if !ready {
				return errors.New("server did not become ready")
			}
			uiInstance.Success("Server is running")
			return nil
		})
	},
}

var serverStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd.Context(), "server.stop", func(ctx context.Context, app *application) error {
			if !app.cp.StopServer(ctx) {
				return errors.New("failed to stop server")
			}
			uiInstance.Success("Server stopped")
			return nil
		})
	},
}

var serverStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the server is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd.Context(), "server.status", func(ctx context.Context, app *application) error {
			running := app.cp.IsServerRunning(ctx)

			uiInstance.Header("Server Status")
			uiInstance.KeyValue("Address", cfg.Server.Address)
			uiInstance.KeyValue("Running", fmt.Sprintf("%t", running))
			uiInstance.KeyValue("State", app.cp.State().String())
			if c := app.cp.Get(); c != nil {
				uiInstance.KeyValue("Conflict", fmt.Sprintf("%t", c.ConflictDetected()))
			}
			if v, err := app.store.CurrentServerVersion(ctx); err == nil {
				uiInstance.KeyValue("Version", v.Version)
			}
			mode, err := app.cp.SELinuxMode(ctx)
			if err != nil {
				mode = "unknown (" + controlplane.Message(err) + ")"
			}
			uiInstance.KeyValue("SELinux", mode)
			return nil
		})
	},
}

var logLines int

var serverLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the end of the server log",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd.Context(), "server.log", func(ctx context.Context, app *application) error {
			// prefer the server's shell when it is up
			app.cp.IsServerRunning(ctx)
			lines, err := app.cp.ServerLog(ctx, logLines)
			if err != nil {
				return errors.New(controlplane.Message(err))
			}
			if len(lines) == 0 {
				uiInstance.Subtle("log is empty")
				return nil
			}
			for _, line := range lines {
				uiInstance.Println(line)
			}
			return nil
		})
	},
}

var serverInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Stage the current version without launching it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd.Context(), "server.install", func(ctx context.Context, app *application) error {
			err := app.cp.Install(ctx)
			if err != nil {
				if s := lifecycle.GetSuggestion(err); s != "" {
					uiInstance.Subtle(s)
				}
			}
			return report(err, "Server artifacts staged")
		})
	},
}

func init() {
	serverLogCmd.Flags().IntVarP(&logLines, "lines", "n", controlplane.DefaultLogLines, "number of lines to show")
	serverCmd.AddCommand(serverStartCmd, serverStopCmd, serverStatusCmd, serverInstallCmd, serverLogCmd)
	rootCmd.AddCommand(serverCmd)
}
