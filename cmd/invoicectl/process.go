package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/facturaIA/invoice-pipeline/internal/bootstrap"
	"github.com/facturaIA/invoice-pipeline/internal/models"
)

var processCmd = &cobra.Command{
	Use:   "process [file]",
	Short: "Run the extraction pipeline on a local document",
	Long: `Process an image or PDF with OCR, locale detection and AI analysis,
then print the structured result. Nothing is saved or archived.`,
	Example: `  # Print a short summary
  invoicectl process receipt.jpg

  # Full result as JSON, with a longer deadline
  invoicectl process invoice.pdf --json --timeout 3m`,
	Args: cobra.ExactArgs(1),
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().Bool("json", false, "Print the full result as JSON")
	processCmd.Flags().Duration("timeout", 2*time.Minute, "Processing timeout")
}

func runProcess(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	completer, closeFn, err := bootstrap.NewCompleter(ctx, cfg.AI, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	proc, _, err := bootstrap.NewProcessor(cfg, completer, nil, nil, logger)
	if err != nil {
		return err
	}

	name := filepath.Base(path)
	res, err := proc.ProcessDocument(ctx, models.RawDocument{
		Data:      data,
		MediaType: models.MediaTypeFromFilename(name),
		Filename:  name,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printSummary(out, res)
	return nil
}

// printSummary writes the human readable form of res
func printSummary(out io.Writer, res *models.PipelineResult) {
	a := res.Analysis
	if a == nil {
		a = &models.StructuredAnalysis{}
	}
	fmt.Fprintf(out, "File:        %s (%d bytes, %s)\n", res.Filename, res.FileSize, res.MediaType)
	fmt.Fprintf(out, "Hash:        %s\n", res.ContentHash)
	fmt.Fprintf(out, "Language:    %s\n", res.Locale.Language)
	fmt.Fprintf(out, "Vendor:      %s\n", a.VendorInfo.VendorName)
	fmt.Fprintf(out, "Invoice #:   %s\n", a.DocumentDetails.InvoiceNumber)
	fmt.Fprintf(out, "Date:        %s\n", a.DocumentDetails.InvoiceDate)
	fmt.Fprintf(out, "Total:       %s %s\n", a.FinancialData.Currency, amountText(a.FinancialData.TotalAmount))
	fmt.Fprintf(out, "Confidence:  %.2f\n", res.ProcessingConfidence)
	if res.Extraction != nil {
		for _, w := range res.Extraction.Warnings {
			fmt.Fprintf(out, "Warning:     %s\n", w)
		}
	}
	for _, w := range a.ValidationWarnings {
		if w.Field != "" {
			fmt.Fprintf(out, "Warning:     [%s] %s\n", w.Field, w.Message)
			continue
		}
		fmt.Fprintf(out, "Warning:     %s\n", w.Message)
	}
}

func amountText(n models.Number) string {
	if d, ok := n.Decimal(); ok {
		return d.StringFixed(2)
	}
	if raw := n.Raw(); raw != "" {
		return raw + " (unparsed)"
	}
	return "-"
}
