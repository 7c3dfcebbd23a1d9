// Command pendingd runs the pending-operation gateway: the ledger behind an
// HTTP API and a QUIC listener.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"Cosign/internal/config"
	"Cosign/internal/logger"

	_ "Cosign/internal/storage/badger"
	_ "Cosign/internal/storage/leveldb"
	_ "Cosign/internal/storage/memory"
	_ "Cosign/internal/storage/pebble"
	_ "Cosign/internal/storage/redis"
	_ "Cosign/internal/storage/s3"
	_ "Cosign/internal/storage/sqlite"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger.Init()

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run(args []string) error {
	cmd := newRootCmd(viper.New())
	cmd.SetArgs(args)

	return cmd.ExecuteContext(context.Background())
}

// newRootCmd builds the daemon command.
func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pendingd",
		Short:         "Serve pending multi-signature operations",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configFile, _ := cmd.Flags().GetString("config")

			cfg, err := config.Load(v, configFile)
			if err != nil {
				return fmt.Errorf("load config:\n%w", err)
			}

			d, err := NewDaemon(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("create daemon:\n%w", err)
			}

			return d.Run()
		},
	}

	config.BindFlags(cmd, v)

	return cmd
}
