package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/facturaIA/invoice-pipeline/internal/db"
	"github.com/facturaIA/invoice-pipeline/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored results as JSON, CSV or XLSX",
	Long: `Read the newest stored results from PostgreSQL (DATABASE_URL) and
write them in the chosen format. Corrections are applied.`,
	Example: `  invoicectl export --format csv
  invoicectl export --format xlsx --limit 500 -o invoices.xlsx`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringP("format", "f", "json", "Output format: json, csv or xlsx")
	exportCmd.Flags().Int("limit", 100, "Maximum number of results")
	exportCmd.Flags().StringP("output", "o", "", "Output file path (default: stdout)")
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	formatName, _ := cmd.Flags().GetString("format")
	limit, _ := cmd.Flags().GetInt("limit")
	outputPath, _ := cmd.Flags().GetString("output")

	format, err := export.ParseFormat(formatName)
	if err != nil {
		return err
	}
	if limit < 1 {
		return fmt.Errorf("limit must be positive, got %d", limit)
	}

	ctx := cmd.Context()
	conn, err := db.Open(ctx, cfg.Database.URL, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	results, err := db.NewResultRepository(conn).List(ctx, limit)
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", outputPath, err)
		}
		defer f.Close()
		w = f
	}
	return export.NewExporter(logger).Write(w, format, results)
}
