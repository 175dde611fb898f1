package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"buildhook/pkg/api"

	"github.com/spf13/cobra"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Fetch builds whose collector notification failed",
	Long: `Fetch the records of builds whose collector notification failed twice.
The server forgets them once they have been read, so this is also how a
collector catches up after an outage.`,
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := newClient().PendingUpdate()
		if err != nil {
			printAPIError(cmd.Printf, "Pending update", err)
			return
		}

		cmd.Printf("Queued builds: %d\n", resp.QueueCount)
		if len(resp.ErrorHistory) == 0 {
			cmd.Println("No failed notifications.")
			return
		}
		printRecords(cmd, resp.ErrorHistory)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived builds",
	Long:  `List finished builds from the server's build archive, newest first. The server must be configured with a database_url.`,
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		uniqueID, _ := cmd.Flags().GetString("unique-id")

		builds, err := newClient().ListBuilds(limit, uniqueID)
		if err != nil {
			printAPIError(cmd.Printf, "History", err)
			return
		}
		if len(builds) == 0 {
			cmd.Println("No builds found.")
			return
		}
		printRecords(cmd, builds)
	},
}

func printRecords(cmd *cobra.Command, records []api.BuildRecord) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "BUILD ID\tUNIQUE ID\tSTATUS\tSTEP\tSTARTED\tDURATION")
	for _, r := range records {
		started := ""
		if !r.StartedAt.IsZero() {
			started = r.StartedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			r.ID,
			r.UniqueID,
			r.Status,
			r.CurrentStep,
			r.TotalSteps,
			started,
			formatDuration(time.Duration(r.DurationSeconds)*time.Second),
		)
	}
	w.Flush()
}

func init() {
	historyCmd.Flags().IntP("limit", "l", 20, "Number of builds to list")
	historyCmd.Flags().String("unique-id", "", "Only list builds with this unique id")

	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(historyCmd)
}
