package cmd

import (
	"encoding/csv"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var exportHeader = []string{
	"name", "identifier", "category", "status",
	"qualification", "qualification_date", "address", "city",
}

func newExportCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all stored records as CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := buildServices(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.close()

			records, err := svc.store.AllRecords(cmd.Context())
			if err != nil {
				return fmt.Errorf("load records: %w", err)
			}

			out := os.Stdout
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("create output file: %w", err)
				}
				defer f.Close()
				out = f
			}

			w := csv.NewWriter(out)
			if err := w.Write(exportHeader); err != nil {
				return fmt.Errorf("write header: %w", err)
			}
			for _, r := range records {
				row := []string{
					r.Name, r.Identifier, r.Category, r.Status,
					r.Qualification, r.QualificationDate, r.Address, r.City,
				}
				if err := w.Write(row); err != nil {
					return fmt.Errorf("write row: %w", err)
				}
			}
			w.Flush()
			if err := w.Error(); err != nil {
				return fmt.Errorf("flush csv: %w", err)
			}
			svc.logger.Info("export complete",
				zap.Int("records", len(records)),
				zap.String("out", outPath))
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "output file (default stdout)")
	return cmd
}
