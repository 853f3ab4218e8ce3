package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var injectCmd = &cobra.Command{
	Use:   "inject <plugin> <target>",
	Short: "Load a plugin into the running process of a target app",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd.Context(), "inject", func(ctx context.Context, app *application) error {
			err := app.cp.Inject(ctx, args[0], args[1])
			return report(err, fmt.Sprintf("Injected %s into %s", args[0], args[1]))
		})
	},
}

var injectSystemCmd = &cobra.Command{
	Use:   "inject-system <plugin>",
	Short: "Load a plugin into system_server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd.Context(), "inject.system", func(ctx context.Context, app *application) error {
			err := app.cp.InjectSystemPlugin(ctx, args[0])
			return report(err, fmt.Sprintf("Loaded %s into system_server", args[0]))
		})
	},
}

func init() {
	rootCmd.AddCommand(injectCmd, injectSystemCmd)
}
