package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "buildctl",
	Short: "Buildctl is a command line tool for operating a buildhook server",
	Long: `buildctl is the command-line interface for buildhook, a self-hosted build server
that runs a project's configured shell steps when a webhook arrives.

Common workflows:

  Trigger a build:
    buildctl submit -k branch=main -k sha=abc123

  Follow its output live:
    buildctl watch build main --stream-token <token>

  Inspect the queue and the active build:
    buildctl status

  Fetch builds whose collector notification failed:
    buildctl pending

  Abort a build:
    buildctl abort main

Configuration:
  Set the server endpoint and credentials via flags, environment variables or a config file:
    BUILDHOOK_URL      Server endpoint (default: http://localhost:8080)
    BUILDHOOK_TOKEN    API token listed in the server's allowed_tokens`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".buildctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".buildctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "BUILDHOOK_VARNAME"
	viper.SetEnvPrefix("BUILDHOOK")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.buildctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:8080", "buildhook server URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API token for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

// newClient builds a client from the bound url and token settings.
func newClient() *BuildClient {
	return NewBuildClient(viper.GetString("url"), viper.GetString("token"))
}
