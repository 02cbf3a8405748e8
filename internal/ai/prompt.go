package ai

import (
	"fmt"
	"strings"

	"github.com/facturaIA/invoice-pipeline/internal/models"
)

var dateExamples = map[string]string{
	models.DateFormatMDY: "11/02/2019 means November 2nd, 2019 -> 2019-11-02",
	models.DateFormatDMY: "11/02/2019 means 11th February, 2019 -> 2019-02-11",
}

var defaultCategories = []string{"software", "services", "supplies", "utilities", "other"}

// buildAnalysisPrompt creates the locale-aware system prompt for invoice extraction
func buildAnalysisPrompt(hint models.LocaleHint, categories []string) string {
	example, ok := dateExamples[hint.DateFormat]
	if !ok {
		example = dateExamples[models.DateFormatMDY]
	}
	if len(categories) == 0 {
		categories = defaultCategories
	}

	return fmt.Sprintf(`You are extracting data from an invoice in %[1]s language with %[2]s date format.

DATE RULES FOR %[2]s:
- %[3]s
- ALWAYS convert dates to YYYY-MM-DD
- Ambiguous dates like "1102/2019" follow %[2]s

QUANTITY vs DESCRIPTION:
- "Labor 3hrs" is description "Labor (3 hours)" with quantity 1, NOT quantity 3
- Time units (hours, days, minutes) belong to the description
- Quantity is the number of items or services

LINE ITEMS:
- Copy EXACT amounts from the text
- Do not confuse unit prices with line totals
- Check quantity x unit_price = amount when possible

OCR CORRECTION:
- Fix obvious character mistakes: "1l02" -> "1102", "0" vs "O"
- Correct misread currency symbols and decimal points

Return valid JSON only:
{
  "document_analysis": {
    "document_type": "invoice/receipt/bill/other",
    "detected_language": "%[1]s",
    "text_quality": "excellent/good/fair/poor",
    "overall_confidence": 0.0-1.0
  },
  "financial_data": {
    "total_amount": number_or_null,
    "currency": "currency_code_or_null",
    "tax_amount": number_or_null,
    "subtotal": number_or_null
  },
  "vendor_info": {
    "vendor_name": "string_or_null",
    "contact_info": "string_or_null"
  },
  "document_details": {
    "invoice_number": "string_or_null",
    "invoice_date": "YYYY-MM-DD_or_null",
    "due_date": "YYYY-MM-DD_or_null"
  },
  "line_items": [
    {"description": "string", "quantity": number_or_null, "unit_price": number_or_null, "amount": number_or_null}
  ],
  "business_insights": {
    "spending_category": "%[4]s",
    "payment_urgency": "immediate/standard/flexible",
    "data_completeness": "complete/partial/minimal"
  }
}

No markdown, no explanation.`, hint.Language, hint.DateFormat, example, strings.Join(categories, "/"))
}

func buildAnalysisUserPrompt(text string) string {
	return "Extract and analyze data from this document text:\n\n" + text
}

// LocalePrompt asks for the language, country and date format of a document
const LocalePrompt = `Analyze this invoice text and determine:
1. Language (en/fr/de/es/it/nl/pt)
2. Likely country or region based on address, currency and language
3. Expected date format (MM/DD/YYYY for US, DD/MM/YYYY for most others)

Return JSON only: {"language": "en", "country": "US", "date_format": "MM/DD/YYYY"}`
