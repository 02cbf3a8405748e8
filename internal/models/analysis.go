package models

// StructuredAnalysis represents the data extracted from an invoice by the completion
// service, later corrected by date disambiguation and the business validator.
type StructuredAnalysis struct {
	// Degraded records only
	Error       string `json:"error,omitempty"`
	RawResponse string `json:"raw_response,omitempty"`

	DocumentAnalysis DocumentAnalysis `json:"document_analysis"`
	FinancialData    FinancialData    `json:"financial_data"`
	VendorInfo       VendorInfo       `json:"vendor_info"`
	DocumentDetails  DocumentDetails  `json:"document_details"`
	LineItems        []LineItem       `json:"line_items"`
	BusinessInsights BusinessInsights `json:"business_insights"`

	// Added by the validator
	ValidationWarnings []ValidationWarning `json:"validation_warnings,omitempty"`
	FieldConfidence    map[string]float64  `json:"field_confidence,omitempty"`
}

// DocumentAnalysis describes the document as a whole
type DocumentAnalysis struct {
	DocumentType      string   `json:"document_type"`     // invoice, receipt, bill, other
	DetectedLanguage  string   `json:"detected_language"` // ISO 639-1
	TextQuality       string   `json:"text_quality"`      // excellent, good, fair, poor
	OverallConfidence *float64 `json:"overall_confidence"`
}

// FinancialData holds the invoice totals
type FinancialData struct {
	TotalAmount Number `json:"total_amount"`
	Currency    string `json:"currency"`
	TaxAmount   Number `json:"tax_amount"`
	Subtotal    Number `json:"subtotal"`
}

// VendorInfo identifies who issued the invoice
type VendorInfo struct {
	VendorName  string `json:"vendor_name"`
	ContactInfo string `json:"contact_info"`
}

// DocumentDetails holds identifiers and dates (YYYY-MM-DD)
type DocumentDetails struct {
	InvoiceNumber string `json:"invoice_number"`
	InvoiceDate   string `json:"invoice_date"`
	DueDate       string `json:"due_date"`
}

// LineItem represents a line item in an invoice
type LineItem struct {
	Description string `json:"description"`
	Quantity    Number `json:"quantity"`
	UnitPrice   Number `json:"unit_price"`
	Amount      Number `json:"amount"`
}

// BusinessInsights carries the classification hints
type BusinessInsights struct {
	SpendingCategory string `json:"spending_category"` // software, services, supplies, utilities, other
	PaymentUrgency   string `json:"payment_urgency"`   // immediate, standard, flexible
	DataCompleteness string `json:"data_completeness"` // complete, partial, minimal
}

// OverallConfidenceOr returns the reported overall confidence or def when missing
func (a *StructuredAnalysis) OverallConfidenceOr(def float64) float64 {
	if a == nil || a.DocumentAnalysis.OverallConfidence == nil {
		return def
	}
	return *a.DocumentAnalysis.OverallConfidence
}

// Degraded reports whether the analysis carries an error marker
func (a *StructuredAnalysis) Degraded() bool {
	return a != nil && a.Error != ""
}

// ValidationWarning is a non-critical issue with one field. Field is empty when
// the warning concerns the whole response.
type ValidationWarning struct {
	Field   string `json:"field"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// AddWarning appends a warning
func (a *StructuredAnalysis) AddWarning(w ValidationWarning) {
	a.ValidationWarnings = append(a.ValidationWarnings, w)
}

// WarningMessages returns the warning messages in order
func (a *StructuredAnalysis) WarningMessages() []string {
	if a == nil {
		return nil
	}
	out := make([]string, 0, len(a.ValidationWarnings))
	for _, w := range a.ValidationWarnings {
		out = append(out, w.Message)
	}
	return out
}

// Float returns a pointer to f, handy for optional confidence fields
func Float(f float64) *float64 { return &f }
