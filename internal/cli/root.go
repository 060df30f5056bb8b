package cli

import "github.com/spf13/cobra"

// RootCmd assembles the hub command tree.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hub",
		Short: "Glass Frontier hub gateway",
		Long: `hub runs the real-time verb gateway for Glass Frontier rooms and
manages the verb catalogs it serves.`,
		SilenceUsage: true,
	}

	root.AddCommand(ServeCmd())
	root.AddCommand(CatalogCmd())

	return root
}
