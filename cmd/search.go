package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/adbroker/internal/retrieval"
)

var (
	searchQuery    string
	searchMarket   string
	searchLanguage string
	searchNetworks []string
	searchLimit    int
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Run hybrid retrieval for a query and print the fused candidates",
	Long:  "Searches house inventory with lexical and vector retrieval fused by RRF. When the inventory store is unavailable the enabled networks are swept live instead, skipping any whose circuit is open.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "search")
		if err != nil {
			return err
		}
		defer env.Close()

		res := env.Search.Retrieve(ctx, retrieval.Query{
			Text: searchQuery,
			Filters: retrieval.Filters{
				Networks: searchNetworks,
				Market:   searchMarket,
				Language: searchLanguage,
			},
			TopK: searchLimit,
		})
		zap.L().Info("search complete",
			zap.String("mode", res.Debug.Mode),
			zap.Int("candidates", len(res.Candidates)),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchQuery, "query", "", "search text (required)")
	searchCmd.Flags().StringVar(&searchMarket, "market", "", "market code, e.g. US")
	searchCmd.Flags().StringVar(&searchLanguage, "language", "", "language code, e.g. en")
	searchCmd.Flags().StringSliceVar(&searchNetworks, "network", nil, "restrict to these networks")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 0, "max candidates (0 uses retrieval.final_top_k)")
	_ = searchCmd.MarkFlagRequired("query")
	rootCmd.AddCommand(searchCmd)
}
