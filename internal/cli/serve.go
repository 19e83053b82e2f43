package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bramblemesh/bramble/internal/daemon"
	"github.com/bramblemesh/bramble/pkg/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mesh node",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := flagDataDir
		if dir == "" {
			var err error
			if dir, err = config.DefaultDir(); err != nil {
				return err
			}
		}

		cfg, err := config.Load(dir)
		if err != nil {
			return err
		}

		d, err := daemon.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return d.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
