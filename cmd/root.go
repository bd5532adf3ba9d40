package cmd

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

func Run() {
	var command = &cobra.Command{
		Use:   "mirrorq",
		Short: "Transfer admission and lifecycle service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			zerolog.SetGlobalLevel(lvl)
			zerolog.DefaultContextLogger = &log.Logger
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}

	command.PersistentFlags().StringVar(&configPath, "config", "config.env", "Dotenv file loaded before the environment is parsed")
	command.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level")

	command.AddCommand(serveCmd())
	command.AddCommand(ledgerCmd())

	if err := command.Execute(); err != nil {
		log.Fatal().Msgf("failed to execute command, err: %v", err.Error())
	}
}
