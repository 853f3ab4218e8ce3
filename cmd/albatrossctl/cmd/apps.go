package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/conn"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/controlplane"
)

var appCmd = &cobra.Command{
	Use:   "app",
	Short: "Control installed apps",
}

type appAction func(cp *controlplane.ControlPlane, ctx context.Context, pkg string) error

func appActionCmd(use, short, done string, action appAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <package>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), "app."+use, func(ctx context.Context, app *application) error {
				// Commands prefer the server's shell.
				app.cp.IsServerRunning(ctx)
				err := action(app.cp, ctx, args[0])
				return report(err, fmt.Sprintf("%s %s", args[0], done))
			})
		},
	}
}

var appProcessesCmd = &cobra.Command{
	Use:   "processes <package>",
	Short: "Describe the running process of an app",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd.Context(), "app.processes", func(ctx context.Context, app *application) error {
			if !app.cp.IsServerRunning(ctx) {
				return errors.New(controlplane.Message(conn.ErrServerNotRunning))
			}
			desc, err := app.cp.AppProcesses(ctx, args[0])
			if err != nil {
				return errors.New(controlplane.Message(err))
			}
			uiInstance.Println(desc)
			return nil
		})
	},
}

func init() {
	appCmd.AddCommand(
		appActionCmd("freeze", "Disable an app", "frozen", (*controlplane.ControlPlane).FreezeApp),
		appActionCmd("unfreeze", "Enable a frozen app", "unfrozen", (*controlplane.ControlPlane).UnfreezeApp),
		appActionCmd("force-stop", "Kill every process of an app", "stopped", (*controlplane.ControlPlane).ForceStopApp),
		appProcessesCmd,
	)
	rootCmd.AddCommand(appCmd)
}
