package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/adbroker/internal/bidding"
	"github.com/sells-group/adbroker/internal/model"
)

var (
	bidPlacement string
	bidQuery     string
	bidAnswer    string
)

var bidCmd = &cobra.Command{
	Use:   "bid",
	Short: "Run one bid auction for a placement and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "bid")
		if err != nil {
			return err
		}
		defer env.Close()

		pl, ok := env.Placements.Get(bidPlacement)
		if !ok {
			return eris.Errorf("unknown placement %q", bidPlacement)
		}

		msgs := []model.Message{{Role: "user", Content: bidQuery}}
		if bidAnswer != "" {
			msgs = append(msgs, model.Message{Role: "assistant", Content: bidAnswer})
		}
		res := env.Aggregator.Run(ctx, bidding.Request{Placement: pl, Messages: msgs})

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	bidCmd.Flags().StringVar(&bidPlacement, "placement", "", "placement id (required)")
	bidCmd.Flags().StringVar(&bidQuery, "query", "", "latest user message (required)")
	bidCmd.Flags().StringVar(&bidAnswer, "answer", "", "latest assistant message")
	_ = bidCmd.MarkFlagRequired("placement")
	_ = bidCmd.MarkFlagRequired("query")
	rootCmd.AddCommand(bidCmd)
}
