package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/controlplane"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/lifecycle"
)

var coreCmd = &cobra.Command{
	Use:   "core",
	Short: "Inspect the core library",
}

var coreCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify agent code and the native library of the current version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd.Context(), "core.check", func(ctx context.Context, app *application) error {
			status, err := app.cp.CoreCheck(ctx)

			uiInstance.Header("Core")
			uiInstance.KeyValue("Version", status.Version)
			uiInstance.KeyValue("Loader tier", status.Tier.String())
			uiInstance.KeyValue("Library", status.LibraryName)
			uiInstance.KeyValue("Bridge ready", fmt.Sprintf("%t", status.BridgeReady))
			uiInstance.KeyValue("Rooted", fmt.Sprintf("%t", status.Rooted))

			if err != nil {
				if s := lifecycle.GetSuggestion(err); s != "" {
					uiInstance.Subtle(s)
				}
				return errors.New(controlplane.Message(err))
			}
			uiInstance.Success("Core library ready")
			return nil
		})
	},
}

func init() {
	coreCmd.AddCommand(coreCheckCmd)
	rootCmd.AddCommand(coreCmd)
}
