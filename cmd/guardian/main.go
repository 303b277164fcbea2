// Package main implements the guardian command: the remediation server and
// its operational subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/bissquit/devops-guardian/internal/config"
	"github.com/bissquit/devops-guardian/internal/version"
	"github.com/spf13/cobra"
)

// configPath is the optional YAML configuration file.
var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "guardian",
	Short: "Automated CI/CD failure remediation",
	Long: `guardian receives CI/CD failure events, diagnoses them with an LLM,
verifies proposed fixes in a sandbox and opens pull requests once an
operator approves.

Configuration is read from --config (optional) and GUARDIAN_* environment
variables, e.g. GUARDIAN_DATABASE__URL.`,
	Version:       fmt.Sprintf("%s (commit %s, built %s)", version.Version, version.GitCommit, version.BuildDate),
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("GUARDIAN_CONFIG"), "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tokenCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
