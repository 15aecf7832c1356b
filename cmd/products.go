package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/storebridge/internal/stream"
)

// newProductsCmd creates the 'products' subcommand, a one-shot catalog lookup.
func newProductsCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "products <id>...",
		Short: "Looks up products in the catalog",
		Long: `Performs one catalog lookup for the given product identifiers and prints
the response as JSON. Identifiers the catalog does not know are listed
under invalid_identifiers.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if cerr := appInstance.Close(cmd.Context()); cerr != nil {
					appInstance.Logger().Warn("failed to close application", zap.Error(cerr))
				}
			}()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			responses, err := stream.Collect(ctx, appInstance.Bridge().Products(args...))
			if err != nil {
				return fmt.Errorf("lookup products: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			for _, resp := range responses {
				if err := enc.Encode(resp); err != nil {
					return fmt.Errorf("write response: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "maximum time to wait for the catalog")
	return cmd
}
