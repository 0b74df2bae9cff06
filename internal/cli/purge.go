package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"elec-balance-alerts/internal/app"
)

var (
	purgeAll bool
	purgeID  int64
	purgeYes bool
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete a single reading or the whole history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if purgeAll && !purgeYes {
			return fmt.Errorf("--all 会清空所有记录，需要 --yes 确认")
		}

		opts := app.PurgeOptions{
			All: purgeAll,
			ID:  purgeID,
		}

		return getApp().Purge(cmd.Context(), opts)
	},
}

func init() {
	purgeCmd.Flags().BoolVar(&purgeAll, "all", false, "Delete all readings and alerts")
	purgeCmd.Flags().Int64Var(&purgeID, "id", 0, "Delete a single reading by id")
	purgeCmd.Flags().BoolVar(&purgeYes, "yes", false, "Confirm destructive --all purge")
}
