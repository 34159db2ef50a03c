package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"connectd/internal/config"
	"connectd/internal/engine"
	"connectd/internal/logging"

	// connector plugins register themselves
	_ "connectd/sink/stdout"
	_ "connectd/source/replicator"
)

var version = "0.1.0"

func main() {
	logging.InitFromEnv("")
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "connectd",
		Short:        "connectd - distributed connector runtime",
		SilenceUsage: true,
	}
	var addr string
	root.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:7070", "control server address of a running worker")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "connectd v%s\n", version)
		},
	})
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newConnectorCmd(&addr))
	root.AddCommand(newApplyCmd(&addr))
	return root
}

func newWorkerCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWorker(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := engine.Bootstrap(ctx, cfg)
			if err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}
			if err := e.Run(ctx); err != nil {
				logging.L().Error("engine stopped with error", "err", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "worker.yml", "worker config file")
	return cmd
}
