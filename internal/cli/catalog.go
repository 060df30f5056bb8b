package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"glass-frontier/hub/internal/catalog"
	"glass-frontier/hub/internal/config"
	"glass-frontier/hub/internal/storage/sqlstore"
)

// CatalogCmd returns the catalog command.
func CatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Validate, describe and import verb catalogs",
	}

	cmd.AddCommand(catalogValidateCmd())
	cmd.AddCommand(catalogSchemaCmd())
	cmd.AddCommand(catalogImportCmd())

	return cmd
}

func catalogValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>...",
		Short: "Check that catalog files load",
		Long: `Load each JSON or YAML catalog file and report its verbs.

Examples:
  hub catalog validate config/verbs.json
  hub catalog validate config/verbs.json hubs/*.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var failed int
			for _, path := range args {
				c, err := catalog.FromFile(path)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s %v\n", color.New(color.FgRed).Sprint("INVALID"), err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d verbs)\n", color.New(color.FgGreen).Sprint("OK     "), path, c.Len())
				for _, verb := range c.List() {
					fmt.Fprintf(cmd.OutOrStdout(), "    %s\n", describeVerb(verb))
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d catalog files are invalid", failed, len(args))
			}
			return nil
		},
	}
}

func describeVerb(verb catalog.Verb) string {
	line := verb.ID
	if verb.Category != "" {
		line += " [" + verb.Category + "]"
	}
	if verb.Contest != nil {
		line += color.New(color.FgMagenta).Sprint(" contest")
	}
	if verb.RequiresNarrative() {
		line += color.New(color.FgCyan).Sprint(" narrative")
	}
	if verb.RateLimit.Enabled {
		line += fmt.Sprintf(" %d/%ds", verb.RateLimit.Burst, verb.RateLimit.PerSeconds)
	}
	return line
}

func catalogSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [out-path]",
		Short: "Print or write the catalog JSON schema",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := catalog.WriteSchema(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
				return nil
			}
			data, err := json.MarshalIndent(catalog.Schema(), "", "  ")
			if err != nil {
				return fmt.Errorf("marshal schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func catalogImportCmd() *cobra.Command {
	var hubID string
	cmd := &cobra.Command{
		Use:   "import <path>",
		Short: "Store a catalog file as hub verb rows",
		Long: `Validate a catalog file and write every verb as an active row for one hub.

Uses the sqlite or postgres storage configured through GLASS_HUB_* variables.
Existing rows for the same verb id are replaced and their version bumped.

Examples:
  GLASS_HUB_STORAGE_DRIVER=sqlite hub catalog import --hub frontier-1 hubs/frontier.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load()
			if err != nil {
				return err
			}
			return importCatalog(cmd.Context(), cmd, settings, hubID, args[0])
		},
	}
	cmd.Flags().StringVar(&hubID, "hub", "", "hub id that owns the imported verbs")
	_ = cmd.MarkFlagRequired("hub")
	return cmd
}

func importCatalog(ctx context.Context, cmd *cobra.Command, settings config.Config, hubID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	docs, err := catalog.DecodeDocuments(data, catalog.FormatForPath(path))
	if err != nil {
		return err
	}
	if _, err := catalog.FromConfig(docs); err != nil {
		return err
	}

	var sqlCfg sqlstore.Config
	switch settings.StorageDriver {
	case config.StorageSQLite:
		sqlCfg = sqlstore.Config{Dialect: sqlstore.DialectSQLite, DSN: settings.SQLitePath}
	case config.StoragePostgres:
		sqlCfg = sqlstore.Config{Dialect: sqlstore.DialectPostgres, DSN: settings.PostgresDSN}
	default:
		return errors.New("catalog import needs sqlite or postgres storage")
	}
	store, err := sqlstore.Open(ctx, sqlCfg)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, doc := range docs {
		definition, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode verb %s: %w", doc.ID, err)
		}
		row, err := store.PutVerb(ctx, hubID, definition)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s/%s v%d\n", color.New(color.FgBlue).Sprint("STORED"), row.HubID, row.VerbID, row.Version)
	}
	return nil
}
