package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/controlplane"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/registry"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Connect to the server and push every stored plugin and rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd.Context(), "sync", func(ctx context.Context, app *application) error {
			rep, err := app.cp.Create(ctx)
			if err != nil {
				return errors.New(controlplane.Message(err))
			}
			if rep.Conflict {
				// the control plane already warned; nothing was pushed
				uiInstance.Subtle("registry left untouched")
				return nil
			}

			table := uiInstance.NewTable("PLUGIN", "ID", "OUTCOME", "RULES", "ERROR")
			for _, it := range rep.Items {
				msg := ""
				if it.Err != nil {
					msg = it.Err.Error()
				}
				table.AddRow(it.Package, fmt.Sprintf("%d", it.PluginID), string(it.Outcome), fmt.Sprintf("%d", it.Rules), msg)
			}
			table.Render()

			uiInstance.Subtle(fmt.Sprintf("sync %s finished in %s", rep.ID, rep.Duration))
			if failed := rep.Failed(); len(failed) > 0 {
				return fmt.Errorf("%d plugin(s) failed to sync", len(failed))
			}
			uiInstance.Success(fmt.Sprintf("%d plugin(s) registered", rep.Count(registry.OutcomeRegistered)))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
