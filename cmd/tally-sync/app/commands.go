// Package app provides the command line entry points for the Tally sync server.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tallyhq/tally-sync-server/internal/versions"
)

var rootCmd = &cobra.Command{
	Use:               "tally-sync",
	DisableAutoGenTag: true,
	Short:             "Tally issue tracker sync server",
	Long: `Tally sync server keeps the internal project catalog aligned with the
external issue tracker. It runs scheduled sync jobs, serves a REST API for
manual triggers and run inspection, and manages the sync templates and
queries that drive the pipeline.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			slog.Error("Error displaying help", "error", err)
		}
	},
}

// NewRootCmd creates the root command for the sync server.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		slog.Error("Error binding debug flag", "error", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)

	return rootCmd
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		info := versions.GetVersionInfo()
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			slog.Error("Error retrieving format flag", "error", err)
			return
		}

		if format == "json" {
			output, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				slog.Error("Error formatting version info as JSON", "error", err)
				return
			}
			fmt.Println(string(output))
		} else {
			slog.Info("tally-sync version",
				"version", info.Version,
				"commit", info.Commit,
				"built", info.BuildDate)
		}
	},
}

func init() {
	versionCmd.Flags().String("format", "", "Output format (json)")
}
