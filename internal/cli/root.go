// Package cli implements the bramble command-line interface using Cobra.
// `serve` runs the node; `id` reads the identity from the node's data
// directory; `send` and `friends` talk to a running node over its HTTP API.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/MatusOllah/slogcolor"
	"github.com/spf13/cobra"
)

var (
	flagDataDir string
	flagAPI     string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "bramble",
	Short: "bramble — opportunistic BLE mesh messaging node",
	Long: `bramble is an infrastructure-free mesh messaging node. It scans for
nearby advertisements, floods chat and SOS beacons with TTL-bounded
store-and-forward relaying, and exchanges friend codes over the air.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		opts := *slogcolor.DefaultOptions
		if flagVerbose {
			opts.Level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slogcolor.NewHandler(os.Stderr, &opts)))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "node data directory (default ~/.bramble)")
	rootCmd.PersistentFlags().StringVar(&flagAPI, "api", "http://127.0.0.1:8884", "base URL of a running node's API")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
