package ai

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
)

var (
	errNoJSONObject = errors.New("no JSON object in response")
	errTrailingData = errors.New("unexpected data after JSON object")
)

// ExtractJSONObject strips markdown fences and returns the outermost JSON object
// of content.
func ExtractJSONObject(content string) (string, error) {
	s := strings.TrimSpace(content)

	// Clean up markdown code blocks if present
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```JSON")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", errNoJSONObject
	}
	return s[start : end+1], nil
}

// textFields lists the string fields of each response section
var textFields = map[string][]string{
	"document_analysis": {"document_type", "detected_language", "text_quality"},
	"financial_data":    {"currency"},
	"vendor_info":       {"vendor_name", "contact_info"},
	"document_details":  {"invoice_number", "invoice_date", "due_date"},
	"business_insights": {"spending_category", "payment_urgency", "data_completeness"},
}

var (
	totalFields    = []string{"total_amount", "tax_amount", "subtotal"}
	lineItemFields = []string{"quantity", "unit_price", "amount"}

	// set by the pipeline, never taken from the model
	ownedFields = []string{"error", "raw_response", "validation_warnings", "field_confidence"}
)

// coerceAnalysisJSON rewrites scalar type mismatches so one odd field does not
// sink the whole decode. Numbers and booleans in text fields become strings, a
// quoted overall_confidence becomes a number, and values of an unusable shape
// are dropped. The schema check reports all of these separately.
func coerceAnalysisJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errTrailingData
	}
	for _, key := range ownedFields {
		delete(doc, key)
	}

	for section, fields := range textFields {
		v, ok := doc[section]
		if !ok || v == nil {
			continue
		}
		obj, ok := v.(map[string]any)
		if !ok {
			delete(doc, section)
			continue
		}
		for _, f := range fields {
			coerceText(obj, f)
		}
	}
	if da, ok := doc["document_analysis"].(map[string]any); ok {
		coerceConfidence(da, "overall_confidence")
	}
	if fd, ok := doc["financial_data"].(map[string]any); ok {
		for _, f := range totalFields {
			coerceAmount(fd, f)
		}
	}

	switch items := doc["line_items"].(type) {
	case nil:
	case []any:
		kept := make([]any, 0, len(items))
		for _, it := range items {
			obj, ok := it.(map[string]any)
			if !ok {
				continue
			}
			coerceText(obj, "description")
			for _, f := range lineItemFields {
				coerceAmount(obj, f)
			}
			kept = append(kept, obj)
		}
		doc["line_items"] = kept
	default:
		delete(doc, "line_items")
	}
	return json.Marshal(doc)
}

func coerceText(obj map[string]any, key string) {
	switch v := obj[key].(type) {
	case nil, string:
	case json.Number:
		obj[key] = v.String()
	case bool:
		obj[key] = strconv.FormatBool(v)
	default:
		delete(obj, key)
	}
}

// coerceAmount keeps what models.Number can decode: numbers, strings and null
func coerceAmount(obj map[string]any, key string) {
	switch obj[key].(type) {
	case nil, string, json.Number:
	default:
		delete(obj, key)
	}
}

func coerceConfidence(obj map[string]any, key string) {
	switch v := obj[key].(type) {
	case nil, json.Number:
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			delete(obj, key)
			return
		}
		obj[key] = f
	default:
		delete(obj, key)
	}
}
