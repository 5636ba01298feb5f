package cmd

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSweepCmd() *cobra.Command {
	var postalCodes []string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one full sweep and exit",
		Long: `Runs a single sweep over the configured postal codes, including the
unknown-address pass when enabled, then prints the sweep report as JSON.
SIGINT/SIGTERM request cooperative cancellation; the in-flight page
finishes and the final duplicate purge still runs.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer svc.close()

			report, err := svc.orch.Run(ctx, sweepConfig(svc.cfg, postalCodes))
			if err != nil {
				return err
			}
			if report.Cancelled {
				svc.logger.Warn("sweep was cancelled before completing all partitions")
			}
			svc.logger.Info("sweep report ready",
				zap.Int("partitions", len(report.Partitions)),
				zap.Int64("distinct_identifiers", report.DistinctIdentifiers))

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	cmd.Flags().StringSliceVar(&postalCodes, "postal-codes", nil,
		"postal codes to sweep (overrides sweep.postal_codes)")
	return cmd
}
