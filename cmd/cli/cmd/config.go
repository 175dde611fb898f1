package cmd

import (
	"fmt"

	"buildhook/internal/config"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect server configuration files",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a server configuration with defaults applied",
	Long: `Load a server configuration the way the server does (file, defaults and
BUILDHOOK_* environment overrides), validate it, and print the result.

Example:
  buildctl config show --file buildhook.toml --format yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		file, _ := cmd.Flags().GetString("file")
		format, _ := cmd.Flags().GetString("format")

		cfg, err := config.Load(file)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}

		out, err := renderConfig(cfg, format)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		cmd.Print(string(out))
	},
}

func renderConfig(cfg *config.Config, format string) ([]byte, error) {
	switch format {
	case "yaml", "yml":
		return yaml.Marshal(cfg)
	case "toml":
		return toml.Marshal(cfg)
	default:
		return nil, fmt.Errorf("unsupported format %q (yaml or toml)", format)
	}
}

func init() {
	configShowCmd.Flags().StringP("file", "f", "", "Server config file (default: buildhook.{toml,yaml} in current directory)")
	configShowCmd.Flags().String("format", "yaml", "Output format: yaml or toml")

	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
