package cmd

import (
	"github.com/spf13/cobra"
)

var projectTokenCmd = &cobra.Command{
	Use:   "project-token [token]",
	Short: "Set the project token that guards the project event stream",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		result, err := newClient().SetProjectToken(args[0])
		if err != nil {
			printAPIError(cmd.Printf, "Set project token", err)
			return
		}
		cmd.Printf("✓ %s\n", result.Message)
	},
}

func init() {
	rootCmd.AddCommand(projectTokenCmd)
}
