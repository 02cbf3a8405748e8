package ocr

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// minPDFText is the number of embedded characters at or below which a PDF is
// treated as scanned
const minPDFText = 50

func init() {
	// keep pdfcpu from creating a config directory in $HOME
	model.ConfigPath = "disable"
}

type pdfText struct {
	text     string
	pages    int
	warnings []string
}

func extractPDF(data []byte) (*pdfText, error) {
	pages, err := pageCount(data)
	if err != nil {
		return nil, newError(ReasonCorruptDocument, "pdf", err, "file may be corrupted or password-protected")
	}
	if pages == 0 {
		return nil, newError(ReasonCorruptDocument, "pdf", nil, "PDF contains no pages")
	}

	reader, err := openPDF(data)
	if err != nil {
		return nil, newError(ReasonCorruptDocument, "pdf", err, "")
	}

	text, warnings := collectPages(reader.NumPage(), func(i int) (string, error) {
		p := reader.Page(i)
		if p.V.IsNull() {
			return "", nil
		}
		return p.GetPlainText(nil)
	})

	if needsOCR(text) {
		return nil, newError(ReasonNoReadableText, "pdf", nil, "needs OCR")
	}
	return &pdfText{text: text, pages: pages, warnings: warnings}, nil
}

func needsOCR(text string) bool {
	return utf8.RuneCountInString(text) <= minPDFText
}

func pageCount(data []byte) (n int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("validate pdf: %v", rec)
		}
	}()
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return api.PageCount(bytes.NewReader(data), conf)
}

// openPDF guards against parser panics on malformed cross-reference tables
func openPDF(data []byte) (r *pdf.Reader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("parse pdf: %v", rec)
		}
	}()
	return pdf.NewReader(bytes.NewReader(data), int64(len(data)))
}

// collectPages joins the text of pages 1..n. A page that errors or panics is
// skipped with a warning.
func collectPages(n int, page func(i int) (string, error)) (string, []string) {
	var b strings.Builder
	var warnings []string
	for i := 1; i <= n; i++ {
		txt, err := safePage(i, page)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("page %d: %v", i, err))
			continue
		}
		if strings.TrimSpace(txt) == "" {
			continue
		}
		b.WriteString(txt)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String()), warnings
}

func safePage(i int, page func(int) (string, error)) (txt string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("extraction panicked: %v", rec)
		}
	}()
	return page(i)
}
