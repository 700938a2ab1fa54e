package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/adbroker/internal/model"
)

var (
	decidePlacement string
	decideSession   string
	decideQuery     string
	decideAnswer    string
	decideMarket    string
	decideDebug     bool
)

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Resolve one placement opportunity and print the decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "decide")
		if err != nil {
			return err
		}
		defer env.Close()

		pl, ok := env.Placements.Get(decidePlacement)
		if !ok {
			return eris.Errorf("unknown placement %q", decidePlacement)
		}

		out := env.Pipeline.Run(ctx, model.AdRequest{
			PlacementID: decidePlacement,
			SessionID:   decideSession,
			Trigger:     model.TriggerAnswer,
			Query:       decideQuery,
			AnswerText:  decideAnswer,
			Market:      decideMarket,
		}, pl)

		resp := decideResponse{AdResponse: out.Response, Decision: out.Decision}
		if decideDebug {
			resp.Debug = out.Debug
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	},
}

func init() {
	decideCmd.Flags().StringVar(&decidePlacement, "placement", "", "placement id (required)")
	decideCmd.Flags().StringVar(&decideSession, "session", "", "session id for frequency capping")
	decideCmd.Flags().StringVar(&decideQuery, "query", "", "user query (required)")
	decideCmd.Flags().StringVar(&decideAnswer, "answer", "", "assistant answer text")
	decideCmd.Flags().StringVar(&decideMarket, "market", "", "market code, e.g. US")
	decideCmd.Flags().BoolVar(&decideDebug, "debug", false, "include pipeline diagnostics")
	_ = decideCmd.MarkFlagRequired("placement")
	_ = decideCmd.MarkFlagRequired("query")
	rootCmd.AddCommand(decideCmd)
}
