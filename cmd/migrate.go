package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/adbroker/internal/model"
	"github.com/sells-group/adbroker/internal/store"
)

var migrateSeed string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the house inventory schema and optionally load offers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		inv, err := store.Open(ctx, store.Config{
			Driver:   cfg.Inventory.Driver,
			DSN:      cfg.Inventory.DatabaseURL,
			MaxConns: cfg.Inventory.MaxConns,
			MinConns: cfg.Inventory.MinConns,
			Dims:     cfg.Retrieval.Dims,
		})
		if err != nil {
			return eris.Wrap(err, "open inventory")
		}
		defer inv.Close() //nolint:errcheck

		if err := inv.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate inventory")
		}
		zap.L().Info("inventory migrated", zap.String("driver", cfg.Inventory.Driver))

		if migrateSeed == "" {
			return nil
		}
		offers, err := readOffers(migrateSeed)
		if err != nil {
			return err
		}
		n, err := inv.Upsert(ctx, offers)
		if err != nil {
			return eris.Wrap(err, "seed inventory")
		}
		zap.L().Info("inventory seeded", zap.String("file", migrateSeed), zap.Int64("offers", n))
		return nil
	},
}

// readOffers loads a JSON array of offers.
func readOffers(path string) ([]model.UnifiedOffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	var offers []model.UnifiedOffer
	if err := json.Unmarshal(data, &offers); err != nil {
		return nil, eris.Wrapf(err, "parse %s", path)
	}
	return offers, nil
}

func init() {
	migrateCmd.Flags().StringVar(&migrateSeed, "seed", "", "JSON file of offers to upsert after migrating")
	rootCmd.AddCommand(migrateCmd)
}
