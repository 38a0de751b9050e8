// Package cmd holds the cobra command tree.
package cmd

import (
	"context"
	"fmt"

	"argus/bootstrap"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "argus",
	Short: "Streaming detection engine for security events",
	Long: "Argus evaluates declarative multi-stage detection rules (filter, " +
		"windowed aggregation, correlation, scoring, dedup) over a continuous " +
		"stream of normalized security events and emits scored alerts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := bootstrap.NewApp(configPath)
		if err != nil {
			return fmt.Errorf("initializing: %w", err)
		}
		if err := app.Start(context.Background()); err != nil {
			app.Shutdown()
			return fmt.Errorf("starting: %w", err)
		}
		app.WaitForShutdown()
		app.Shutdown()
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.AddCommand(rulesCmd)
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}
