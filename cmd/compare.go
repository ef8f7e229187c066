package cmd

import (
	"github.com/spf13/cobra"

	"github.com/strest-io/strest/internal/replay"
)

var compareStatus uint16

var compareCmd = &cobra.Command{
	Use:   "compare <left> <right>",
	Short: "Compare two recorded runs side by side",
	Long: `Compare loads two record sets (csv, json or jsonl exports) and renders
their windowed summaries over a shared cursor.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return replay.RunCompare(args[0], args[1], compareStatus)
	},
}

func init() {
	compareCmd.Flags().Uint16Var(&compareStatus, "status", 200, "expected status code")
}
