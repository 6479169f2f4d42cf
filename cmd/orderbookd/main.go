package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"collswap/internal/app"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewCLI().root.ExecuteContext(ctx); err != nil {
		slog.Error("❌ Command failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// CLI is the Cobra-based command-line interface.
type CLI struct {
	root       *cobra.Command
	configPath string
}

// NewCLI sets up the CLI.
func NewCLI() *CLI {
	cli := &CLI{}
	cli.root = &cobra.Command{
		Use:           "orderbookd",
		Short:         "Collateral swap order book",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cli.root.PersistentFlags().StringVar(&cli.configPath, "config", defaultConfigPath, "Path to the YAML configuration file")

	cli.root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the chain mirror and settlement",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := cli.initialize()
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.Wire(); err != nil {
				return err
			}
			return b.Serve(cmd.Context())
		},
	})

	cli.root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := cli.initialize()
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.Storage.Migrate(); err != nil {
				return err
			}
			slog.Info("✅ Schema up to date")
			return nil
		},
	})

	cli.root.AddCommand(&cobra.Command{
		Use:   "replay",
		Short: "Re-project mirrored orders from the stored chain event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := cli.initialize()
			if err != nil {
				return err
			}
			defer b.Close()

			n, err := b.Storage.Replay(cmd.Context())
			if err != nil {
				return fmt.Errorf("replay: %w", err)
			}
			slog.Info("✅ Replay finished", slog.Int("orders", n))
			return nil
		},
	})

	return cli
}

func (cli *CLI) initialize() (*app.Bootstrap, error) {
	b := app.NewBootstrap(cli.configPath)
	if err := b.Initialize(); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}
