package services

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/facturaIA/invoice-pipeline/internal/dates"
	"github.com/facturaIA/invoice-pipeline/internal/models"
)

// Warning codes
const (
	CodeInvalidAmount     = "invalid_amount"
	CodeNegativeAmount    = "negative_amount"
	CodeZeroAmount        = "zero_amount"
	CodeLargeAmount       = "large_amount"
	CodeInvalidDate       = "invalid_date"
	CodeFutureDate        = "future_date"
	CodeStaleDate         = "stale_date"
	CodeOverdue           = "overdue"
	CodeTotalMismatch     = "total_mismatch"
	CodeHighTaxRate       = "high_tax_rate"
	CodeNegativeTax       = "negative_tax"
	CodeLineItemsMismatch = "line_items_mismatch"
	CodeValidationFailed  = "validation_failed"
)

// Thresholds configure the business rules
type Thresholds struct {
	MaxAmount       float64
	TaxRateWarnPct  float64
	AmountTolerance float64
}

// DefaultThresholds: $1M, 25% tax, 2 cents rounding
func DefaultThresholds() Thresholds {
	return Thresholds{MaxAmount: 1_000_000, TaxRateWarnPct: 25, AmountTolerance: 0.02}
}

// BusinessValidator checks and normalizes a StructuredAnalysis
type BusinessValidator struct {
	maxAmount decimal.Decimal
	taxRate   decimal.Decimal
	tolerance decimal.Decimal
	now       func() time.Time
	logger    *slog.Logger
}

// NewBusinessValidator creates a validator. Non-positive thresholds use the defaults.
func NewBusinessValidator(th Thresholds, logger *slog.Logger) *BusinessValidator {
	def := DefaultThresholds()
	if th.MaxAmount <= 0 {
		th.MaxAmount = def.MaxAmount
	}
	if th.TaxRateWarnPct <= 0 {
		th.TaxRateWarnPct = def.TaxRateWarnPct
	}
	if th.AmountTolerance < 0 {
		th.AmountTolerance = def.AmountTolerance
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BusinessValidator{
		maxAmount: decimal.NewFromFloat(th.MaxAmount),
		taxRate:   decimal.NewFromFloat(th.TaxRateWarnPct),
		tolerance: decimal.NewFromFloat(th.AmountTolerance),
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock replaces the time source, for tests
func (v *BusinessValidator) WithClock(now func() time.Time) *BusinessValidator {
	cp := *v
	cp.now = now
	return &cp
}

// Validate corrects dates from the raw text, coerces and checks amounts, dates and
// totals, and fills the field confidence map. It mutates a and never fails: an
// internal panic becomes a validation_failed warning.
func (v *BusinessValidator) Validate(a *models.StructuredAnalysis, text string, hint models.LocaleHint) (warnings []models.ValidationWarning) {
	if a == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			v.logger.Warn("validation.panic", "panic", r)
			w := models.ValidationWarning{Code: CodeValidationFailed, Message: fmt.Sprintf("Validation failed: %v", r)}
			warnings = append(warnings, w)
			a.AddWarning(w)
		}
	}()

	c := &collector{}
	now := v.now()

	v.rederiveDates(a, text, hint, now)

	fd := &a.FinancialData
	v.checkAmount(c, &fd.TotalAmount, "total_amount")
	v.checkAmount(c, &fd.Subtotal, "subtotal")
	v.checkAmount(c, &fd.TaxAmount, "tax_amount")

	dd := &a.DocumentDetails
	v.checkDate(c, &dd.InvoiceDate, "invoice_date", now)
	v.checkDate(c, &dd.DueDate, "due_date", now)

	v.checkTotals(c, fd)
	v.checkLineItems(c, a.LineItems, fd.Subtotal)

	for _, w := range c.warnings {
		a.AddWarning(w)
	}
	a.FieldConfidence = fieldConfidence(a)

	v.logger.Debug("validation.done", "warnings", len(c.warnings))
	return c.warnings
}

type collector struct {
	warnings []models.ValidationWarning
}

func (c *collector) add(field, code, format string, args ...any) {
	c.warnings = append(c.warnings, models.ValidationWarning{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
}

// rederiveDates overwrites model dates with dates found in the raw text
func (v *BusinessValidator) rederiveDates(a *models.StructuredAnalysis, text string, hint models.LocaleHint, now time.Time) {
	candidates := dates.FindDateCandidates(text)
	if len(candidates) == 0 {
		return
	}
	dd := &a.DocumentDetails

	if dd.InvoiceDate != "" {
		for _, cand := range candidates {
			if iso, ok := dates.Disambiguate(cand, hint, now); ok {
				v.logger.Debug("validation.date.corrected", "field", "invoice_date", "from", dd.InvoiceDate, "to", iso)
				dd.InvoiceDate = iso
				break
			}
		}
	}
	if dd.DueDate != "" && len(candidates) > 1 {
		if iso, ok := dates.Disambiguate(candidates[1], hint, now); ok {
			v.logger.Debug("validation.date.corrected", "field", "due_date", "from", dd.DueDate, "to", iso)
			dd.DueDate = iso
		}
	}
}

var amountNoise = regexp.MustCompile(`[^\d.,\-]`)

// coerceAmount parses a pending raw value. Commas are thousands separators.
func coerceAmount(n *models.Number) error {
	if !n.Pending() {
		return nil
	}
	raw := n.Raw()
	cleaned := amountNoise.ReplaceAllString(raw, "")
	if cleaned == "" {
		return fmt.Errorf("Empty amount after cleaning: %s", raw)
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(cleaned, ",", ""))
	if err != nil {
		return fmt.Errorf("Invalid amount format: %s", raw)
	}
	n.Set(d)
	return nil
}

func (v *BusinessValidator) checkAmount(c *collector, n *models.Number, field string) {
	if !n.Present() {
		return
	}
	if err := coerceAmount(n); err != nil {
		c.add(field, CodeInvalidAmount, "%s: %v", field, err)
		n.Clear()
		return
	}
	v.flagAmount(c, *n, field, field)
}

func (v *BusinessValidator) flagAmount(c *collector, n models.Number, field, label string) {
	d, _ := n.Decimal()
	switch {
	case d.IsNegative():
		c.add(field, CodeNegativeAmount, "Negative %s detected: %s", label, d.String())
	case d.IsZero():
		c.add(field, CodeZeroAmount, "Zero %s detected", label)
	}
	if d.GreaterThan(v.maxAmount) {
		c.add(field, CodeLargeAmount, "Unusually large %s: $%s", label, formatMoney(d))
	}
}

func (v *BusinessValidator) checkDate(c *collector, value *string, field string, now time.Time) {
	if *value == "" {
		return
	}
	t, err := time.Parse(dates.ISOLayout, *value)
	if err != nil {
		c.add(field, CodeInvalidDate, "%s: Invalid date format: %s", field, *value)
		*value = ""
		return
	}
	if t.After(now.AddDate(0, 0, 365)) {
		c.add(field, CodeFutureDate, "%s is more than 1 year in the future", field)
	}
	if t.Before(now.AddDate(0, 0, -365*5)) {
		c.add(field, CodeStaleDate, "%s is more than 5 years old", field)
	}
	if field == "due_date" && t.Before(now.AddDate(0, 0, -90)) {
		c.add(field, CodeOverdue, "Invoice is significantly overdue")
	}
}

func (v *BusinessValidator) checkTotals(c *collector, fd *models.FinancialData) {
	subtotal, okS := fd.Subtotal.Decimal()
	tax, okT := fd.TaxAmount.Decimal()
	total, okTo := fd.TotalAmount.Decimal()
	if !okS || !okT || !okTo {
		return
	}

	calculated := subtotal.Add(tax)
	diff := calculated.Sub(total).Abs()
	if diff.GreaterThan(v.tolerance) {
		c.add("total_amount", CodeTotalMismatch,
			"Total mismatch: Subtotal (%s) + Tax (%s) = %s, but Total shows %s (difference: $%s)",
			subtotal, tax, calculated, total, diff.StringFixed(2))
	}

	if subtotal.IsPositive() {
		rate := tax.Div(subtotal).Mul(decimal.NewFromInt(100))
		switch {
		case rate.GreaterThan(v.taxRate):
			c.add("tax_amount", CodeHighTaxRate, "Unusually high tax rate: %s%%", rate.StringFixed(1))
		case rate.IsNegative():
			c.add("tax_amount", CodeNegativeTax, "Negative tax amount")
		}
	}
}

func (v *BusinessValidator) checkLineItems(c *collector, items []models.LineItem, subtotal models.Number) {
	if len(items) == 0 {
		return
	}
	sum := decimal.Zero
	for i := range items {
		item := &items[i]
		// quantity and unit price are normalized silently
		if coerceAmount(&item.Quantity) != nil {
			item.Quantity.Clear()
		}
		if coerceAmount(&item.UnitPrice) != nil {
			item.UnitPrice.Clear()
		}

		if !item.Amount.Present() {
			continue
		}
		label := fmt.Sprintf("line_item_%d_amount", i+1)
		if err := coerceAmount(&item.Amount); err != nil {
			c.add(label, CodeInvalidAmount, "Line item %d: %s: %v", i+1, label, err)
			item.Amount.Clear()
			continue
		}
		if !item.Amount.NonZero() {
			continue
		}
		v.flagAmount(c, item.Amount, label, label)
		d, _ := item.Amount.Decimal()
		sum = sum.Add(d)
	}

	reported, ok := subtotal.Decimal()
	if !ok || reported.IsZero() {
		return
	}
	if sum.Sub(reported).Abs().GreaterThan(v.tolerance) {
		c.add("line_items", CodeLineItemsMismatch,
			"Line items total ($%s) doesn't match reported subtotal ($%s)",
			sum.StringFixed(2), reported.StringFixed(2))
	}
}

func fieldConfidence(a *models.StructuredAnalysis) map[string]float64 {
	weight := func(present bool, w float64) float64 {
		if present {
			return w
		}
		return 0
	}
	return map[string]float64{
		"vendor_name":  weight(a.VendorInfo.VendorName != "", 0.9),
		"total_amount": weight(a.FinancialData.TotalAmount.NonZero(), 0.9),
		"invoice_date": weight(a.DocumentDetails.InvoiceDate != "", 0.8),
		"due_date":     weight(a.DocumentDetails.DueDate != "", 0.7),
		"line_items":   weight(len(a.LineItems) > 0, 0.8),
		"tax_amount":   weight(a.FinancialData.TaxAmount.NonZero(), 0.7),
	}
}

// formatMoney renders d with two decimals and thousands separators
func formatMoney(d decimal.Decimal) string {
	s := d.Abs().StringFixed(2)
	intPart, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := b.String() + "." + frac
	if d.IsNegative() {
		out = "-" + out
	}
	return out
}
