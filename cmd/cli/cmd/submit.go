package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a build",
	Long: `Submit a build with a flat payload of string values.

Every declared payload key of the server's project must be present, including
the unique build key. File payload values can be read from local files.

Example:
  buildctl submit -k branch=main -k sha=abc123
  buildctl submit -k branch=main --file manifest=./deploy/manifest.json
  buildctl submit -k branch=main --project-token p-123`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		pairs, _ := flags.GetStringArray("key")
		files, _ := flags.GetStringArray("file")
		projectToken, _ := flags.GetString("project-token")

		payload, err := buildPayload(pairs, files)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		if len(payload) == 0 {
			cmd.Println("Error: at least one -k key=value is required")
			return
		}
		if projectToken != "" {
			payload["project_token"] = projectToken
		}

		result, err := newClient().Submit(payload)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Build != nil && apiErr.Build.BuildID != nil {
				cmd.Printf("Submit rejected: %s [%s]\nActive build ID: %s\n",
					apiErr.Build.Message, apiErr.Build.Status, *apiErr.Build.BuildID)
				return
			}
			printAPIError(cmd.Printf, "Submit", err)
			return
		}

		cmd.Printf("✓ %s [%s]\n", result.Message, result.Status)
		if result.BuildID != nil {
			cmd.Printf("Build ID:     %s\n", *result.BuildID)
		}
		if result.Token != nil {
			cmd.Printf("Stream token: %s\n", *result.Token)
		}
	},
}

// buildPayload parses key=value pairs and key=path file references into a
// submission payload. File contents become the value.
func buildPayload(pairs, files []string) (map[string]string, error) {
	payload := make(map[string]string, len(pairs)+len(files))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid payload entry %q, expected key=value", p)
		}
		payload[key] = value
	}
	for _, f := range files {
		key, path, ok := strings.Cut(f, "=")
		if !ok || key == "" || path == "" {
			return nil, fmt.Errorf("invalid file entry %q, expected key=path", f)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		payload[key] = string(data)
	}
	return payload, nil
}

func init() {
	flags := submitCmd.Flags()
	flags.StringArrayP("key", "k", nil, "Payload entry as key=value (repeatable)")
	flags.StringArray("file", nil, "Payload entry read from a file as key=path (repeatable)")
	flags.String("project-token", "", "Project token to set for the project event stream")

	rootCmd.AddCommand(submitCmd)
}
