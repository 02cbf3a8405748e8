// Package export renders stored pipeline results as JSON, CSV or XLSX.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/facturaIA/invoice-pipeline/internal/models"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts json, csv or xlsx in any case; empty means json
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatCSV, FormatXLSX:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported export format: %s", s)
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/json"
	}
}

// Filename for the Content-Disposition header
func (f Format) Filename() string {
	return "invoices." + string(f)
}

var headers = []string{
	"ID", "Filename", "Processing Date", "Vendor", "Invoice Number",
	"Total Amount", "Currency", "Invoice Date", "Due Date",
	"OCR Confidence", "AI Confidence", "User Corrections",
	"Spending Category", "Payment Urgency", "Validated",
}

// Exporter writes result listings
type Exporter struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewExporter(logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{logger: logger, now: time.Now}
}

// Write renders results to w in the given format
func (e *Exporter) Write(w io.Writer, format Format, results []models.StoredResult) error {
	start := time.Now()
	var err error
	switch format {
	case FormatCSV:
		err = e.writeCSV(w, results)
	case FormatXLSX:
		err = e.writeXLSX(w, results)
	case FormatJSON, "":
		err = e.writeJSON(w, results)
	default:
		err = fmt.Errorf("unsupported export format: %s", format)
	}
	if err != nil {
		return err
	}
	e.logger.Info("export.done",
		"format", string(format),
		"rows", len(results),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

type jsonExport struct {
	Success    bool                  `json:"success"`
	Format     Format                `json:"format"`
	Count      int                   `json:"count"`
	Invoices   []models.StoredResult `json:"invoices"`
	ExportedAt time.Time             `json:"exported_at"`
}

func (e *Exporter) writeJSON(w io.Writer, results []models.StoredResult) error {
	if results == nil {
		results = []models.StoredResult{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonExport{
		Success:    true,
		Format:     FormatJSON,
		Count:      len(results),
		Invoices:   results,
		ExportedAt: e.now().UTC(),
	})
}

func (e *Exporter) writeCSV(w io.Writer, results []models.StoredResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(headers); err != nil {
		return fmt.Errorf("csv write: %w", err)
	}
	for _, r := range results {
		if err := cw.Write(row(r)); err != nil {
			return fmt.Errorf("csv write: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func (e *Exporter) writeXLSX(w io.Writer, results []models.StoredResult) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Invoices"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("xlsx sheet: %w", err)
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	for i, r := range results {
		for j, v := range row(r) {
			cell, _ := excelize.CoordinatesToCellName(j+1, i+2)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}

	_ = f.SetColWidth(sheet, "A", "A", 66) // content hash
	_ = f.SetColWidth(sheet, "B", "C", 24)
	_ = f.SetColWidth(sheet, "D", "D", 32)
	_ = f.SetColWidth(sheet, "E", "I", 14)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

// row flattens one stored result into the column order of headers
func row(s models.StoredResult) []string {
	r := s.Result
	if r == nil {
		r = &models.PipelineResult{}
	}
	a := r.Analysis
	if a == nil {
		a = &models.StructuredAnalysis{}
	}

	processed := ""
	if !r.ProcessedAt.IsZero() {
		processed = r.ProcessedAt.UTC().Format(time.RFC3339)
	}
	ocrConf := ""
	if r.Extraction != nil {
		ocrConf = formatFloat(r.Extraction.Confidence)
	}
	aiConf := ""
	if c := a.DocumentAnalysis.OverallConfidence; c != nil {
		aiConf = formatFloat(*c)
	}

	return []string{
		r.ContentHash,
		r.Filename,
		processed,
		a.VendorInfo.VendorName,
		a.DocumentDetails.InvoiceNumber,
		numberText(a.FinancialData.TotalAmount),
		a.FinancialData.Currency,
		a.DocumentDetails.InvoiceDate,
		a.DocumentDetails.DueDate,
		ocrConf,
		aiConf,
		strconv.Itoa(s.CorrectionsCount),
		a.BusinessInsights.SpendingCategory,
		a.BusinessInsights.PaymentUrgency,
		strconv.FormatBool(!a.Degraded() && len(a.ValidationWarnings) == 0),
	}
}

func numberText(n models.Number) string {
	if d, ok := n.Decimal(); ok {
		return d.String()
	}
	return n.Raw()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
