package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/manifest"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/model"
)

var useImported bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Manage imported server versions",
}

var versionImportCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Import an extracted server build",
	Long: `Import an extracted server build. The directory must contain a
version.yaml describing the server binary, native libraries and agent code.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		m, err := manifest.LoadVersion(args[0])
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		v := m.ServerVersion()
		setCurrent := useImported
		if !setCurrent {
			_, err := st.CurrentServerVersion(ctx)
			setCurrent = errors.Is(err, model.ErrNotFound)
		}
		if err := st.AddServerVersion(ctx, v, setCurrent); err != nil {
			return err
		}

		uiInstance.Success(fmt.Sprintf("Imported server version %s", v.Version))
		if setCurrent {
			uiInstance.Info("Selected as current version")
		}
		return nil
	},
}

var versionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List imported server versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		versions, err := st.ListServerVersions(ctx)
		if err != nil {
			return err
		}
		current := ""
		if v, err := st.CurrentServerVersion(ctx); err == nil {
			current = v.Version
		}

		table := uiInstance.NewTable("", "VERSION", "ARCH", "32BIT", "IMPORTED")
		for _, v := range versions {
			marker := ""
			if v.Version == current {
				marker = "*"
			}
			table.AddRow(marker, v.Version, v.PrimaryArch, fmt.Sprintf("%t", v.Has32BitLib()),
				v.ImportTime.Local().Format("2006-01-02 15:04"))
		}
		table.Render()
		return nil
	},
}

var versionUseCmd = &cobra.Command{
	Use:   "use <version>",
	Short: "Select the version staged by server start",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.SetCurrentServerVersion(ctx, args[0]); err != nil {
			return err
		}
		uiInstance.Success(fmt.Sprintf("Using server version %s", args[0]))
		uiInstance.Subtle("restart the server to stage it")
		return nil
	},
}

var versionDeleteCmd = &cobra.Command{
	Use:   "delete <version>",
	Short: "Forget an imported version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.DeleteServerVersion(ctx, args[0]); err != nil {
			return err
		}
		uiInstance.Success(fmt.Sprintf("Deleted server version %s", args[0]))
		return nil
	},
}

func init() {
	versionImportCmd.Flags().BoolVar(&useImported, "use", false, "select the imported version as current")
	versionCmd.AddCommand(versionImportCmd, versionListCmd, versionUseCmd, versionDeleteCmd)
	rootCmd.AddCommand(versionCmd)
}
