// Package cmd defines and implements the CLI commands for the storebridge executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/storebridge/internal/config"
	"github.com/JakeFAU/storebridge/internal/server"
	"github.com/JakeFAU/storebridge/internal/storekit"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use.
type App interface {
	Bridge() *storekit.Bridge
	Logger() *zap.Logger
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "storebridge",
		Short: "Streams store payment queue and catalog callbacks.",
		Long: `storebridge turns payment queue notifications and product catalog
lookups into streams. The serve command exposes them over HTTP as
server-sent events and JSON endpoints.`,
		SilenceUsage: true,

		// Runs after flags are parsed but before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := server.Build(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, App(appInstance)))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and STOREBRIDGE_* env vars when empty)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newProductsCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
