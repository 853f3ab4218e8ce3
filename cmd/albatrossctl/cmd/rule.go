package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/conn"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/model"
)

var effectiveOnly bool

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Manage plugin injection rules",
}

var ruleListCmd = &cobra.Command{
	Use:   "list [plugin]",
	Short: "List injection rules",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		var plugins []*model.Plugin
		if len(args) == 1 {
			p, err := st.GetPlugin(ctx, args[0])
			if err != nil {
				return fmt.Errorf("plugin %s: %w", args[0], err)
			}
			plugins = []*model.Plugin{p}
		} else if plugins, err = st.ListPlugins(ctx); err != nil {
			return err
		}

		table := uiInstance.NewTable("PLUGIN", "TARGET", "SUPPORTED")
		for _, p := range plugins {
			effective, err := st.PluginEffectiveApps(ctx, p.PackageName)
			if err != nil {
				return err
			}
			if effectiveOnly {
				for _, target := range effective {
					table.AddRow(p.PackageName, target, "true")
				}
				continue
			}
			supported := make(map[string]bool, len(effective))
			for _, target := range effective {
				supported[target] = true
			}
			targets, err := st.ListRules(ctx, p.PackageName)
			if err != nil {
				return err
			}
			for _, target := range targets {
				table.AddRow(p.PackageName, target, fmt.Sprintf("%t", supported[target]))
			}
		}
		table.Render()
		return nil
	},
}

var ruleAddCmd = &cobra.Command{
	Use:   "add <plugin> <target>",
	Short: "Inject a plugin into a target app",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLiveApplication(cmd.Context(), "rule.add", func(ctx context.Context, app *application) error {
			err := app.cp.AddRule(ctx, args[0], args[1])
			if errors.Is(err, conn.ErrConflict) {
				uiInstance.Warning("rule stored but not pushed")
			}
			return report(err, fmt.Sprintf("Rule %s -> %s added", args[0], args[1]))
		})
	},
}

var ruleRemoveCmd = &cobra.Command{
	Use:   "remove <plugin> <target>",
	Short: "Stop injecting a plugin into a target app",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLiveApplication(cmd.Context(), "rule.remove", func(ctx context.Context, app *application) error {
			err := app.cp.RemoveRule(ctx, args[0], args[1])
			return report(err, fmt.Sprintf("Rule %s -> %s removed", args[0], args[1]))
		})
	},
}

func init() {
	ruleCmd.PersistentFlags().BoolVar(&noPush, "local", false, "only change the local store")
	ruleListCmd.Flags().BoolVar(&effectiveOnly, "effective", false, "only show targets the plugin declares support for")
	ruleCmd.AddCommand(ruleListCmd, ruleAddCmd, ruleRemoveCmd)
	rootCmd.AddCommand(ruleCmd)
}
