package cmd

import (
	"mirrorq/internal/worker"
	"time"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var (
		port         int
		consumerName string
		baseBackoff  time.Duration
		maxBackoff   time.Duration
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the admission controller and API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return worker.Run(worker.Config{
				ConfigPath:   configPath,
				Port:         port,
				ConsumerName: consumerName,
				BaseBackoff:  baseBackoff,
				MaxBackoff:   maxBackoff,
			})
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 0, "Port to run the server on (default API_Port)")
	command.Flags().StringVar(&consumerName, "consumer", "worker-1", "Request stream consumer name")
	command.Flags().DurationVar(&baseBackoff, "base-backoff", 500*time.Millisecond, "Base backoff duration")
	command.Flags().DurationVar(&maxBackoff, "max-backoff", 30*time.Second, "Max backoff duration")

	return command
}
