package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/devblac/event-relay/internal/logging"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:   "event-relay",
		Short: "Index EVM contract events and relay them to webhooks",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			if _, err := logging.ParseLevel(level); err != nil {
				return fmt.Errorf("--log-level: %w", err)
			}
			return nil
		},
	}
)

func init() {
	cobra.EnableCommandSorting = false

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgPath, "config", "c", "config.yaml", "Path to config file")
	flags.String("log-level", "info", "Log level (debug, info, warn, error); env EVENT_RELAY_LOG_LEVEL")
	flags.String("db-driver", "", "Override global.db_driver (sqlite, postgres); env EVENT_RELAY_DB_DRIVER")
	flags.String("db-path", "", "Override global.db_path; env EVENT_RELAY_DB_PATH")
	flags.String("db-dsn", "", "Override global.db_dsn; env EVENT_RELAY_DB_DSN")

	rootCmd.AddCommand(
		versionCmd,
		initCmd,
		validateCmd,
		runCmd,
		syncCmd,
		stateCmd,
		recordsCmd,
		exportCmd,
	)
}

// Execute runs the root command tree.
func Execute() error {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
