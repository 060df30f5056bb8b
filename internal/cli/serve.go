// Package cli holds the hub's cobra commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"glass-frontier/hub/internal/app"
	"glass-frontier/hub/internal/config"
)

// ServeCmd returns the serve command.
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hub server",
		Long: `Run the hub gateway with its HTTP, WebSocket and gRPC health listeners.

Configuration is read from GLASS_HUB_* environment variables. SIGINT and
SIGTERM drain connections and stop the server; SIGHUP reloads the fallback
verb catalog from GLASS_HUB_CATALOG_PATH.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cmd, settings)
		},
	}
}

func serve(ctx context.Context, cmd *cobra.Command, settings config.Config) error {
	out := cmd.OutOrStdout()
	return app.Run(ctx, app.Config{
		Settings: settings,
		Stdout:   out,
		Ready: func(addrs app.Addrs) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s http=%s grpc=%s\n", color.New(color.FgGreen).Sprint("listening"), addrs.HTTP, addrs.GRPC)
		},
	})
}
