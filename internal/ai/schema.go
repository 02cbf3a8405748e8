package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const analysisSchemaURL = "analysis.schema.json"

// Amounts arrive as numbers or formatted strings, everything may be null.
const analysisSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "definitions": {
    "amount": {"type": ["number", "string", "null"]},
    "text": {"type": ["string", "null"]}
  },
  "properties": {
    "document_analysis": {
      "type": "object",
      "properties": {
        "document_type": {"$ref": "#/definitions/text"},
        "detected_language": {"$ref": "#/definitions/text"},
        "text_quality": {"$ref": "#/definitions/text"},
        "overall_confidence": {"type": ["number", "null"], "minimum": 0, "maximum": 1}
      }
    },
    "financial_data": {
      "type": "object",
      "properties": {
        "total_amount": {"$ref": "#/definitions/amount"},
        "currency": {"$ref": "#/definitions/text"},
        "tax_amount": {"$ref": "#/definitions/amount"},
        "subtotal": {"$ref": "#/definitions/amount"}
      }
    },
    "vendor_info": {
      "type": "object",
      "properties": {
        "vendor_name": {"$ref": "#/definitions/text"},
        "contact_info": {"$ref": "#/definitions/text"}
      }
    },
    "document_details": {
      "type": "object",
      "properties": {
        "invoice_number": {"$ref": "#/definitions/text"},
        "invoice_date": {"$ref": "#/definitions/text"},
        "due_date": {"$ref": "#/definitions/text"}
      }
    },
    "line_items": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "properties": {
          "description": {"$ref": "#/definitions/text"},
          "quantity": {"$ref": "#/definitions/amount"},
          "unit_price": {"$ref": "#/definitions/amount"},
          "amount": {"$ref": "#/definitions/amount"}
        }
      }
    },
    "business_insights": {"type": ["object", "null"]}
  },
  "required": ["document_analysis", "financial_data"]
}`

var analysisSchema = jsonschema.MustCompileString(analysisSchemaURL, analysisSchemaJSON)

// validateAnalysisJSON checks raw against the analysis schema
func validateAnalysisJSON(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := analysisSchema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %s", schemaSummary(err))
	}
	return nil
}

// schemaSummary flattens a validation error to its leaf causes
func schemaSummary(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	var parts []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			parts = append(parts, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(parts, "; ")
}
