package cmd

import (
	"fmt"
	"strings"
	"time"

	"buildhook/pkg/api"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active build and the queue",
	Long:  `Show the build that is currently running, its step progress, and the unique ids waiting in the queue.`,
	Run: func(cmd *cobra.Command, args []string) {
		status, err := newClient().Status()
		if err != nil {
			printAPIError(cmd.Printf, "Status", err)
			return
		}
		printStatus(cmd, status)
	},
}

func printStatus(cmd *cobra.Command, status *api.StatusResponse) {
	if status.Active == nil {
		cmd.Printf("%s %sNo active build%s\n", statusIcon(""), colorBold, colorReset)
	} else {
		b := status.Active
		cmd.Printf("%s %sActive Build%s\n", statusIcon(b.Status), colorBold, colorReset)
		cmd.Println("──────────────────────────────")
		cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, b.ID)
		cmd.Printf("%sUnique ID:%s   %s\n", colorDim, colorReset, b.UniqueID)
		cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(b.Status))
		cmd.Printf("%sStep:%s        %d/%d\n", colorDim, colorReset, b.CurrentStep, b.TotalSteps)
		started := b.StartedAt
		cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&started))
	}

	cmd.Println()
	if len(status.Queued) == 0 {
		cmd.Printf("%sQueue:%s       empty\n", colorDim, colorReset)
		return
	}
	cmd.Printf("%sQueue:%s       %d waiting (%s)\n", colorDim, colorReset, len(status.Queued), strings.Join(status.Queued, ", "))
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status api.Status) string {
	switch status {
	case api.StatusSuccess:
		return colorGreen + "✓" + colorReset
	case api.StatusError:
		return colorRed + "✗" + colorReset
	case api.StatusAborted:
		return colorRed + "■" + colorReset
	case api.StatusBuilding:
		return colorYellow + "⏳" + colorReset
	case api.StatusPending:
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status api.Status) string {
	icon := statusIcon(status)
	s := string(status)
	switch status {
	case api.StatusSuccess:
		return icon + " " + colorGreen + s + colorReset
	case api.StatusError, api.StatusAborted:
		return icon + " " + colorRed + s + colorReset
	case api.StatusBuilding:
		return icon + " " + colorYellow + s + colorReset
	case api.StatusPending:
		return icon + " " + colorCyan + s + colorReset
	default:
		return s
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
