package models

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Number is a lenient numeric field. Completion services return amounts as JSON
// numbers, strings like "3,965.34" or null; Number keeps the raw text until it is
// coerced so the validator can decide what to do with it.
type Number struct {
	raw   string
	value decimal.Decimal
	valid bool
}

// NewNumber returns a valid Number holding d
func NewNumber(d decimal.Decimal) Number {
	return Number{value: d, valid: true}
}

// NumberFromFloat returns a valid Number holding f
func NumberFromFloat(f float64) Number {
	return NewNumber(decimal.NewFromFloat(f))
}

// PendingNumber returns a Number that still needs coercion
func PendingNumber(raw string) Number {
	return Number{raw: raw}
}

// Decimal returns the parsed value and whether it is valid
func (n Number) Decimal() (decimal.Decimal, bool) {
	return n.value, n.valid
}

// Float64 returns the parsed value as float64
func (n Number) Float64() (float64, bool) {
	if !n.valid {
		return 0, false
	}
	f, _ := n.value.Float64()
	return f, true
}

// Raw is the text received from upstream, empty for numbers decoded from JSON numbers
func (n Number) Raw() string { return n.raw }

// Valid reports whether the number holds a finite parsed value
func (n Number) Valid() bool { return n.valid }

// Pending reports whether a raw value is waiting for coercion
func (n Number) Pending() bool { return !n.valid && n.raw != "" }

// Present reports whether upstream sent anything for this field
func (n Number) Present() bool { return n.valid || n.raw != "" }

// NonZero reports whether the number is valid and different from zero
func (n Number) NonZero() bool { return n.valid && !n.value.IsZero() }

// Set stores a validated value
func (n *Number) Set(d decimal.Decimal) {
	n.value = d
	n.valid = true
}

// Clear marks the field as explicitly absent
func (n *Number) Clear() {
	*n = Number{}
}

func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		n.Clear()
		return nil
	}

	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			n.Clear()
			return nil
		}
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		*n = PendingNumber(raw)
		return nil
	}
	*n = NewNumber(d)
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	switch {
	case n.valid:
		return []byte(n.value.String()), nil
	case n.raw != "":
		return json.Marshal(n.raw)
	default:
		return []byte("null"), nil
	}
}
