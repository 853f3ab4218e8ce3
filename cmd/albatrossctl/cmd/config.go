package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/model"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change stored settings",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		root, err := st.RootPath(ctx)
		if err != nil {
			return err
		}
		su, err := st.SuPath(ctx)
		if err != nil {
			return err
		}

		uiInstance.Header("Configuration")
		uiInstance.KeyValue("Database", st.Path())
		uiInstance.KeyValue("Server address", cfg.Server.Address)
		uiInstance.KeyValue("Root path", root)
		uiInstance.KeyValue("su", su)
		uiInstance.KeyValue("Poll", fmt.Sprintf("%d x %s", cfg.Server.PollAttempts, cfg.Server.PollInterval))
		uiInstance.KeyValue("Watch interval", cfg.Server.WatchInterval.String())
		uiInstance.KeyValue("Reconnects", fmt.Sprintf("%d", cfg.Server.Reconnects))
		uiInstance.KeyValue("SDK", fmt.Sprintf("%d", cfg.Runtime.SDK))
		return nil
	},
}

var configRootPathCmd = &cobra.Command{
	Use:   "root-path [path]",
	Short: "Show or set the directory server artifacts are staged in",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if len(args) == 0 {
			root, err := st.RootPath(ctx)
			if err != nil {
				return err
			}
			uiInstance.Println(root)
			return nil
		}

		root := model.NormalizeRootPath(args[0])
		if err := st.SaveRootPath(ctx, root); err != nil {
			return err
		}
		uiInstance.Success(fmt.Sprintf("Root path set to %s", root))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configRootPathCmd)
	rootCmd.AddCommand(configCmd)
}
