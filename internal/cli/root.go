package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"ktask/internal/logging"
	"ktask/internal/sched"
)

var (
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	cfg    sched.Config
)

// NewRootCmd creates the root cobra command for the ktask CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ktask",
		Short: "ktask: task scheduling and synchronization core",
		Long:  "ktask boots a scheduler on the host clock and runs canned workloads against it.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := sched.Load(flagConfig)
			if err != nil {
				return err
			}
			cfg = loaded

			// flags win over the config file
			level, format := cfg.LogLevel, cfg.LogFormat
			if cmd.Flags().Changed("log-level") {
				level = flagLogLevel
			}
			if cmd.Flags().Changed("log-format") {
				format = flagLogFormat
			}
			if flagDebug {
				level = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(level), format, cmd.ErrOrStderr())
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "config.yml", "Path to the YAML config file")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json, auto)")

	root.AddCommand(
		newRunCmd(),
		newScenariosCmd(),
	)

	return root
}
