// Package dates resolves ambiguous numeric dates found in invoice text into
// ISO YYYY-MM-DD using the document's inferred locale.
package dates

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/facturaIA/invoice-pipeline/internal/models"
)

// ISOLayout is the layout of every date this package returns
const ISOLayout = "2006-01-02"

var (
	numberRun     = regexp.MustCompile(`\d+`)
	candidateExpr = regexp.MustCompile(`\d{1,4}[/\-.]\d{1,2}[/\-.]\d{2,4}`)
)

// token is one numeric component of a raw date
type token struct {
	value  int
	digits int
}

// FindDateCandidates returns the date-looking substrings of text in order of appearance
func FindDateCandidates(text string) []string {
	return candidateExpr.FindAllString(text, -1)
}

// Disambiguate resolves raw into YYYY-MM-DD. The year is found first, then the
// remaining pair is ordered: a value above 12 must be the day, otherwise the hint
// decides between DD/MM and MM/DD. Two-component dates take the year from now.
func Disambiguate(raw string, hint models.LocaleHint, now time.Time) (string, bool) {
	runs := numberRun.FindAllString(raw, -1)
	if len(runs) < 2 {
		return "", false
	}
	if len(runs) == 2 {
		runs = append(runs, strconv.Itoa(now.Year()))
	}

	toks := make([]token, 0, 3)
	for _, r := range runs[:3] {
		v, err := strconv.Atoi(r)
		if err != nil {
			return "", false
		}
		toks = append(toks, token{value: v, digits: len(strings.TrimLeft(r, "0"))})
	}

	year, rest, ok := pickYear(toks, hint.DateFormat)
	if !ok {
		return "", false
	}

	first, second := rest[0].value, rest[1].value
	var day, month int
	switch {
	case first > 12 && second > 12:
		return "", false
	case first > 12:
		day, month = first, second
	case second > 12:
		month, day = first, second
	case hint.DayFirst():
		day, month = first, second
	default:
		month, day = first, second
	}

	if day < 1 || day > 31 || month < 1 || month > 12 || year < 1900 || year > 2100 {
		return "", false
	}

	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month || t.Year() != year {
		return "", false
	}
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day), true
}

func pickYear(toks []token, format string) (int, []token, bool) {
	without := func(i int) []token {
		out := make([]token, 0, len(toks)-1)
		out = append(out, toks[:i]...)
		return append(out, toks[i+1:]...)
	}

	for i, t := range toks {
		if t.digits == 4 && t.value >= 1900 && t.value <= 2100 {
			return t.value, without(i), true
		}
	}
	for i, t := range toks {
		if t.value > 31 {
			return expandYear(t.value), without(i), true
		}
	}

	format = strings.ToUpper(strings.TrimSpace(format))
	idx := 0
	if strings.HasSuffix(format, "YYYY") || strings.HasSuffix(format, "YY") {
		idx = len(toks) - 1
	}
	return expandYear(toks[idx].value), without(idx), true
}

func expandYear(y int) int {
	switch {
	case y < 50:
		return y + 2000
	case y < 100:
		return y + 1900
	default:
		return y
	}
}

// IsISODate reports whether s is a valid YYYY-MM-DD date
func IsISODate(s string) bool {
	_, err := time.Parse(ISOLayout, s)
	return err == nil
}
