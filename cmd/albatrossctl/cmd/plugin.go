package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/manifest"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/model"
)

var noPush bool

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Manage stored plugins",
}

// withLiveApplication connects to the server when it is reachable so that
// edits are pushed as well as stored.
func withLiveApplication(ctx context.Context, name string, fn func(ctx context.Context, app *application) error) error {
	return withApplication(ctx, name, func(ctx context.Context, app *application) error {
		if !noPush && !app.cp.IsServerRunning(ctx) {
			uiInstance.Subtle("server not reachable, changes are stored locally")
		}
		return fn(ctx, app)
	})
}

var pluginListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored plugins",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		plugins, err := st.ListPlugins(ctx)
		if err != nil {
			return err
		}
		if len(plugins) == 0 {
			uiInstance.Info("No plugins stored")
			return nil
		}

		table := uiInstance.NewTable("ID", "PACKAGE", "CLASS", "ENABLED", "APPS", "RULES")
		for _, p := range plugins {
			rules, err := st.ListRules(ctx, p.PackageName)
			if err != nil {
				return err
			}
			table.AddRow(strconv.FormatInt(p.ID, 10), p.PackageName, p.ClassName,
				strconv.FormatBool(p.Enabled), p.SupportedApps, strconv.Itoa(len(rules)))
		}
		table.Render()
		return nil
	},
}

var (
	addManifest    string
	addClass       string
	addName        string
	addParams      string
	addFlags       int32
	addApps        string
	addEnabled     bool
	addDescription string
)

var pluginAddCmd = &cobra.Command{
	Use:   "add [package]",
	Short: "Store a plugin from a manifest file or flags",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var p *model.Plugin
		switch {
		case addManifest != "":
			m, err := manifest.LoadPlugin(addManifest)
			if err != nil {
				return err
			}
			p = m.Model()
		case len(args) == 1 && addClass != "":
			p = &model.Plugin{
				Name:          addName,
				PackageName:   args[0],
				ClassName:     addClass,
				Description:   addDescription,
				Params:        addParams,
				Flags:         addFlags,
				SupportedApps: addApps,
				Enabled:       addEnabled,
			}
			if p.Name == "" {
				p.Name = p.PackageName
			}
		default:
			return errors.New("either --manifest or a package with --class is required")
		}

		return withLiveApplication(cmd.Context(), "plugin.add", func(ctx context.Context, app *application) error {
			err := app.cp.AddPlugin(ctx, p)
			return report(err, fmt.Sprintf("Plugin %s stored with id %d", p.PackageName, p.ID))
		})
	},
}

func setEnabled(enabled bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withLiveApplication(cmd.Context(), "plugin.enable", func(ctx context.Context, app *application) error {
			err := app.cp.SetPluginEnabled(ctx, args[0], enabled)
			verb := "disabled"
			if enabled {
				verb = "enabled"
			}
			return report(err, fmt.Sprintf("Plugin %s %s", args[0], verb))
		})
	}
}

var pluginEnableCmd = &cobra.Command{
	Use:   "enable <package>",
	Short: "Enable a plugin and register it with the server",
	Args:  cobra.ExactArgs(1),
	RunE:  setEnabled(true),
}

var pluginDisableCmd = &cobra.Command{
	Use:   "disable <package>",
	Short: "Disable a plugin and remove it from the server",
	Args:  cobra.ExactArgs(1),
	RunE:  setEnabled(false),
}

var paramsFlags int32

var pluginParamsCmd = &cobra.Command{
	Use:   "params <package> <params>",
	Short: "Update a plugin's parameters and flags",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLiveApplication(cmd.Context(), "plugin.params", func(ctx context.Context, app *application) error {
			err := app.cp.SetPluginParams(ctx, args[0], args[1], paramsFlags)
			return report(err, fmt.Sprintf("Plugin %s updated", args[0]))
		})
	},
}

var pluginDeleteCmd = &cobra.Command{
	Use:   "delete <package>",
	Short: "Delete a plugin and its rules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLiveApplication(cmd.Context(), "plugin.delete", func(ctx context.Context, app *application) error {
			err := app.cp.DeletePlugin(ctx, args[0])
			if errors.Is(err, model.ErrNotFound) {
				return fmt.Errorf("plugin %s not found", args[0])
			}
			return report(err, fmt.Sprintf("Plugin %s deleted", args[0]))
		})
	},
}

func init() {
	pluginCmd.PersistentFlags().BoolVar(&noPush, "local", false, "only change the local store")

	pluginAddCmd.Flags().StringVarP(&addManifest, "manifest", "m", "", "plugin manifest (YAML)")
	pluginAddCmd.Flags().StringVar(&addClass, "class", "", "entry class")
	pluginAddCmd.Flags().StringVar(&addName, "name", "", "display name")
	pluginAddCmd.Flags().StringVar(&addDescription, "description", "", "description")
	pluginAddCmd.Flags().StringVar(&addParams, "params", "", "plugin parameters")
	pluginAddCmd.Flags().Int32Var(&addFlags, "flags", 0, "plugin flags")
	pluginAddCmd.Flags().StringVar(&addApps, "apps", model.AllApps, "comma-separated supported apps")
	pluginAddCmd.Flags().BoolVar(&addEnabled, "enable", false, "enable the plugin")

	pluginParamsCmd.Flags().Int32Var(&paramsFlags, "flags", 0, "plugin flags")

	pluginCmd.AddCommand(pluginListCmd, pluginAddCmd, pluginEnableCmd, pluginDisableCmd, pluginParamsCmd, pluginDeleteCmd)
	rootCmd.AddCommand(pluginCmd)
}
