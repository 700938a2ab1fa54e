package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/adbroker/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "adbroker",
	Short: "Conversational ad resolution across affiliate networks",
	Long:  "Scores commercial intent, fetches offers from affiliate networks behind per-network circuit breakers, ranks them against house inventory and runs bid auctions.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
