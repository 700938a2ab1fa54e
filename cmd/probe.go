package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe every enabled network once and refresh its snapshot",
	Long:  "Runs a single refresh pass: networks whose health check is due are queried with the warmup query, the result is fed to the health monitor and non-empty results are stored as snapshots.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "probe")
		if err != nil {
			return err
		}
		defer env.Close()

		reports := env.Refresher.RunOnce(ctx)
		for _, r := range reports {
			zap.L().Info("probe result",
				zap.String("network", r.Network),
				zap.Bool("ok", r.OK),
				zap.Bool("skipped", r.Skipped),
				zap.Int("offers", r.Offers),
			)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"probes": reports,
			"health": env.Monitor.GetAllHealth(),
		})
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}
