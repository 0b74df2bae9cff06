package cli

import (
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run a single balance check immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Check(cmd.Context())
	},
}
