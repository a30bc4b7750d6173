package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/minershop/offer-sync/internal/app"
	"github.com/minershop/offer-sync/internal/config"
)

var logger *slog.Logger

func main() {
	root := &cobra.Command{
		Use:          "offerctl",
		Short:        "Admin tool for the offer sync service",
		Long:         "offerctl replays captured webhook payloads and inspects stored message chains.",
		SilenceUsage: true,
	}

	root.AddCommand(replayCmd())
	root.AddCommand(chainCmd())
	root.AddCommand(countCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// openApp loads configuration from the environment and wires the application.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	return app.New(ctx, cfg)
}

func countCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print stored message counts by chat type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, chatType := range []string{"", "group", "personal"} {
				n, err := a.Store.CountMessages(ctx, chatType)
				if err != nil {
					return err
				}
				label := chatType
				if label == "" {
					label = "total"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-9s %d\n", label, n)
			}
			return nil
		},
	}
}
