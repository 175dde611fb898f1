package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"buildhook/pkg/api"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a build's output or the project event stream",
}

var watchBuildCmd = &cobra.Command{
	Use:   "build [unique_id]",
	Short: "Stream the active build's log lines",
	Long: `Stream the active build's log lines. The earlier lines are printed first,
then new lines as they are flushed, until the build finishes.

Example:
  buildctl watch build main --stream-token <token from submit>`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		keyName, _ := cmd.Flags().GetString("key-name")
		streamToken, _ := cmd.Flags().GetString("stream-token")
		if streamToken == "" {
			cmd.Println("Error: --stream-token is required")
			return
		}

		q := url.Values{}
		q.Set(keyName, args[0])
		q.Set("token", streamToken)

		err := follow(viper.GetString("url"), "/ws/build", q, func(data []byte) error {
			var lines []api.LogLine
			if err := json.Unmarshal(data, &lines); err != nil {
				return err
			}
			for _, l := range lines {
				printLogLine(cmd, l)
			}
			return nil
		})
		if err != nil {
			cmd.Printf("Stream failed: %v\n", err)
		}
	},
}

var watchProjectCmd = &cobra.Command{
	Use:   "project",
	Short: "Stream project lifecycle events",
	Run: func(cmd *cobra.Command, args []string) {
		projectToken, _ := cmd.Flags().GetString("project-token")
		if projectToken == "" {
			cmd.Println("Error: --project-token is required")
			return
		}

		q := url.Values{}
		q.Set("token", projectToken)

		first := true
		err := follow(viper.GetString("url"), "/ws/project", q, func(data []byte) error {
			if first {
				first = false
				var events []api.ProjectEvent
				if err := json.Unmarshal(data, &events); err != nil {
					return err
				}
				for _, ev := range events {
					printEvent(cmd, ev)
				}
				return nil
			}
			var ev api.ProjectEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return err
			}
			printEvent(cmd, ev)
			return nil
		})
		if err != nil {
			cmd.Printf("Stream failed: %v\n", err)
		}
	},
}

// follow dials base+path and hands every text message to handle until the
// server closes the stream or the user interrupts.
func follow(base, path string, q url.Values, handle func([]byte) error) error {
	endpoint, err := streamURL(base, path, q)
	if err != nil {
		return err
	}

	conn, resp, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s", path, resp.Status)
		}
		return fmt.Errorf("dial %s: %w", path, err)
	}
	defer conn.Close()

	// Trap Ctrl+C to close the stream gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		if _, ok := <-sigChan; ok {
			conn.Close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := handle(data); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
	}
}

// streamURL maps an http(s) base URL onto its ws(s) equivalent.
func streamURL(base, path string, q url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", base, err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func printLogLine(cmd *cobra.Command, l api.LogLine) {
	prefix := fmt.Sprintf("%s[%d]%s", colorDim, l.Step, colorReset)
	switch l.Stream {
	case "stderr":
		cmd.Printf("%s %s%s%s\n", prefix, colorRed, l.Message, colorReset)
	case "system":
		cmd.Printf("%s %s%s%s\n", prefix, colorCyan, l.Message, colorReset)
	default:
		cmd.Printf("%s %s\n", prefix, l.Message)
	}
}

func printEvent(cmd *cobra.Command, ev api.ProjectEvent) {
	cmd.Printf("%s%s%s %s %s %s\n",
		colorDim, ev.Timestamp.Format("15:04:05"), colorReset,
		ev.UniqueID, colorizeStatus(ev.State), ev.Message)
}

func init() {
	watchBuildCmd.Flags().String("key-name", "branch", "Name of the server's unique_build_key")
	watchBuildCmd.Flags().StringP("stream-token", "s", "", "Stream token returned by submit (required)")
	watchProjectCmd.Flags().StringP("project-token", "p", "", "Project token (required)")

	watchCmd.AddCommand(watchBuildCmd)
	watchCmd.AddCommand(watchProjectCmd)
	rootCmd.AddCommand(watchCmd)
}
