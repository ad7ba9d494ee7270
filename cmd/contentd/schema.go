package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/groblegark/contentd/internal/config"
	"github.com/groblegark/contentd/internal/content"
	"github.com/groblegark/contentd/internal/snapshot"
	"github.com/groblegark/contentd/internal/store/postgres"
	"github.com/groblegark/contentd/internal/ui"
)

var schemaRefFields string

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage content schemas",
}

var schemaSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Register a schema and its reference fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		var fields []string
		for _, f := range strings.Split(schemaRefFields, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}

		schemas, closeStore, err := schemaStore()
		if err != nil {
			return err
		}
		defer closeStore()

		ctx := cmd.Context()
		_, version, err := schemas.Load(ctx, name)
		if err != nil {
			return err
		}

		sc := content.Schema{Name: name, ReferenceFields: fields}
		if err := schemas.Save(ctx, name, sc, version, version+1); err != nil {
			return err
		}

		fmt.Printf("schema %s saved (%d reference fields)\n", ui.RenderAccent(name), len(fields))
		return nil
	},
}

var schemaShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a registered schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		schemas, closeStore, err := schemaStore()
		if err != nil {
			return err
		}
		defer closeStore()

		sc, version, err := schemas.Load(cmd.Context(), name)
		if err != nil {
			return err
		}
		if version == 0 {
			return fmt.Errorf("schema %q not found", name)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sc)
	},
}

func schemaStore() (*snapshot.Store[content.Schema], func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	st, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	schemas := snapshot.NewStore[content.Schema](st, content.SchemaSnapshotKind)
	return schemas, func() { st.Close() }, nil
}

func init() {
	schemaSetCmd.Flags().StringVar(&schemaRefFields, "ref-fields", "", "comma-separated fields holding content references")
	schemaCmd.AddCommand(schemaSetCmd)
	schemaCmd.AddCommand(schemaShowCmd)
}
