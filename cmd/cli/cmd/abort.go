package cmd

import (
	"github.com/spf13/cobra"
)

var abortCmd = &cobra.Command{
	Use:   "abort [unique_id]",
	Short: "Abort the active or a queued build",
	Long: `Abort the build identified by its unique build key value. The active build's
running step is killed and its failure hooks still run; a queued build is
dropped from the queue.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		keyName, _ := cmd.Flags().GetString("key-name")

		result, err := newClient().Abort(keyName, args[0])
		if err != nil {
			printAPIError(cmd.Printf, "Abort", err)
			return
		}
		cmd.Printf("✓ %s\n", result.Message)
	},
}

var abortAllCmd = &cobra.Command{
	Use:   "abort-all",
	Short: "Abort the active build and drop every queued build",
	Run: func(cmd *cobra.Command, args []string) {
		result, err := newClient().AbortAll()
		if err != nil {
			printAPIError(cmd.Printf, "Abort all", err)
			return
		}
		cmd.Printf("✓ %s\n", result.Message)
	},
}

func init() {
	abortCmd.Flags().String("key-name", "branch", "Name of the server's unique_build_key")

	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(abortAllCmd)
}
