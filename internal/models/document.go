package models

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"time"
)

// Media types accepted at ingestion
const (
	MediaTypePDF  = "application/pdf"
	MediaTypePNG  = "image/png"
	MediaTypeJPEG = "image/jpeg"
	MediaTypeGIF  = "image/gif"
	MediaTypeBMP  = "image/bmp"
	MediaTypeTIFF = "image/tiff"
)

// Source identifies where extracted text came from
type Source string

const (
	SourcePDF Source = "pdf"
	SourceOCR Source = "ocr"
)

// RawDocument is an uploaded invoice as received. It is consumed once by the pipeline.
type RawDocument struct {
	Data      []byte
	MediaType string // declared media type, may be empty
	Filename  string
}

// ContentHash returns the hex encoded SHA-256 of the document bytes
func (d RawDocument) ContentHash() string {
	sum := sha256.Sum256(d.Data)
	return hex.EncodeToString(sum[:])
}

// MediaTypeFromFilename maps a file extension to a media type, "" when unknown
func MediaTypeFromFilename(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return MediaTypePDF
	case ".png":
		return MediaTypePNG
	case ".jpg", ".jpeg":
		return MediaTypeJPEG
	case ".gif":
		return MediaTypeGIF
	case ".bmp":
		return MediaTypeBMP
	case ".tif", ".tiff":
		return MediaTypeTIFF
	default:
		return ""
	}
}

// ExtractionResult is the text recovered from a document plus its confidence signal
type ExtractionResult struct {
	Text       string        `json:"text"`
	Source     Source        `json:"source"`
	Confidence float64       `json:"confidence"` // 0-1
	WordCount  int           `json:"word_count"`
	Warnings   []string      `json:"warnings,omitempty"`
	Pages      int           `json:"pages,omitempty"`
	Method     string        `json:"method,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
}
