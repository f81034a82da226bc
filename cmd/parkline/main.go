// Command parkline runs the parkline roles and issues calls against them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"parkline/internal/platform/config"
	"parkline/internal/platform/logger"
)

type globals struct {
	configPath string
	cfg        config.Config
	log        *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "parkline",
		Short:         "Parking reservations, citations and space recommendations over a message broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			g.cfg = cfg
			g.log = logger.New(cfg.Log)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", os.Getenv("PARKLINE_CONFIG"), "YAML config file (env PARKLINE_CONFIG)")

	root.AddCommand(
		newDispatcherCmd(g),
		newReplicaCmd(g),
		newAllCmd(g),
		newCallCmd(g),
	)
	return root
}
