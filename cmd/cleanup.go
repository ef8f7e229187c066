package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/strest-io/strest/internal/config"
	"github.com/strest-io/strest/internal/envutil"
	"github.com/strest-io/strest/internal/run"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove leftover metrics logs from the tmp directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		env := envutil.System()
		cfg, err := config.Load(cmd.Flags(), configFile, env)
		if err != nil {
			return err
		}
		removed, err := run.Cleanup(cfg.TmpPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d metrics log(s) from %s\n", removed, cfg.TmpPath)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().String("tmp-path", "", "directory holding shard metrics logs")
}
