package models

import "strings"

// Date formats understood by the disambiguation engine
const (
	DateFormatMDY = "MM/DD/YYYY"
	DateFormatDMY = "DD/MM/YYYY"
)

// SupportedLanguages lists the languages locale inference may return
var SupportedLanguages = []string{"en", "fr", "de", "es", "it", "nl", "pt"}

// europeanLanguages order day before month
var europeanLanguages = map[string]bool{
	"fr": true, "de": true, "es": true, "it": true, "nl": true, "pt": true,
}

// LocaleHint is the inferred language and date token ordering of a document
type LocaleHint struct {
	Language   string `json:"language"`
	Country    string `json:"country,omitempty"`
	DateFormat string `json:"date_format"`
}

// DefaultLocale is returned whenever inference fails
func DefaultLocale() LocaleHint {
	return LocaleHint{Language: "en", Country: "US", DateFormat: DateFormatMDY}
}

// IsSupportedLanguage reports whether code is one of SupportedLanguages
func IsSupportedLanguage(code string) bool {
	for _, l := range SupportedLanguages {
		if l == code {
			return true
		}
	}
	return false
}

// DayFirst reports whether ambiguous day/month pairs should be read as DD/MM
func (h LocaleHint) DayFirst() bool {
	return europeanLanguages[h.Language] || strings.HasPrefix(strings.ToUpper(h.DateFormat), "DD/MM")
}
