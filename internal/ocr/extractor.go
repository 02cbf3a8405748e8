// Package ocr turns uploaded invoice documents into text. PDFs are read from their
// embedded text layer; images are deskewed, enhanced and run through Tesseract
// with several page segmentation strategies.
package ocr

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/facturaIA/invoice-pipeline/internal/models"
)

type Config struct {
	Tesseract     string  // binary name or absolute path; if empty -> "tesseract"
	Magick        string  // if empty -> "magick" or "convert"
	Language      string  // default "eng"
	MaxMegapixels float64 // upscaling is skipped above this size, default 4
	TempDir       string  // scratch space for intermediate images
}

type Extractor struct {
	cfg    Config
	runner Runner
	pre    *Preprocessor
	tess   *TesseractOCR
	logger *slog.Logger
}

type Option func(*Extractor)

// WithRunner replaces the command runner, used by tests
func WithRunner(r Runner) Option {
	return func(e *Extractor) { e.runner = r }
}

func NewExtractor(cfg Config, logger *slog.Logger, opts ...Option) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Extractor{cfg: cfg, runner: execRunner{logger: logger}, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	e.pre = NewPreprocessor(cfg.Magick, cfg.MaxMegapixels, e.runner, logger)
	e.tess = NewTesseractOCR(cfg.Tesseract, cfg.Language, e.runner, logger)
	return e
}

// Tools lists the external binaries the image path depends on
func (e *Extractor) Tools() []string {
	return []string{e.tess.binary, e.pre.magick}
}

// Extract returns the text of doc with a confidence in [0,1]. Failures are
// *ExtractionError values.
func (e *Extractor) Extract(ctx context.Context, doc models.RawDocument) (*models.ExtractionResult, error) {
	start := time.Now()
	if len(doc.Data) == 0 {
		return nil, newError(ReasonEmptyInput, "extract", nil, "empty file")
	}
	mt, err := ResolveMediaType(doc)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("ocr.extract.start", "media_type", mt, "bytes", len(doc.Data))

	var res *models.ExtractionResult
	if mt == models.MediaTypePDF {
		res, err = e.extractPDF(doc.Data)
	} else {
		res, err = e.extractImage(ctx, doc.Data)
	}
	if err != nil {
		e.logger.Warn("ocr.extract.failed", "media_type", mt, "error", err)
		return nil, err
	}
	res.Duration = time.Since(start)
	e.logger.Info("ocr.extract.done",
		"source", res.Source,
		"method", res.Method,
		"confidence", res.Confidence,
		"words", res.WordCount,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

func (e *Extractor) extractPDF(data []byte) (*models.ExtractionResult, error) {
	p, err := extractPDF(data)
	if err != nil {
		return nil, err
	}
	return &models.ExtractionResult{
		Text:       p.text,
		Source:     models.SourcePDF,
		Confidence: 1.0,
		WordCount:  len(strings.Fields(p.text)),
		Warnings:   p.warnings,
		Pages:      p.pages,
		Method:     "pdf_text",
	}, nil
}

func (e *Extractor) extractImage(ctx context.Context, data []byte) (*models.ExtractionResult, error) {
	img, format, err := decodeImage(data)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("ocr.image.decoded", "format", format, "width", img.Bounds().Dx(), "height", img.Bounds().Dy())

	deskewed, angle := Deskew(img)
	if angle != 0 {
		e.logger.Info("ocr.deskew", "angle", angle)
	}

	dir, err := os.MkdirTemp(e.cfg.TempDir, "invoice-ocr-*")
	if err != nil {
		return nil, newError(ReasonNoReadableText, "ocr", err, "create scratch dir")
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Warn("ocr.cleanup.failed", "dir", dir, "error", err)
		}
	}()

	src := filepath.Join(dir, "page.png")
	if err := imaging.Save(deskewed, src); err != nil {
		return nil, newError(ReasonCorruptDocument, "encode", err, "")
	}

	path, warnings := e.pre.Enhance(ctx, deskewed, src, dir)

	rec, err := e.tess.Recognize(ctx, path)
	if err != nil {
		return nil, err
	}

	return &models.ExtractionResult{
		Text:       rec.Text,
		Source:     models.SourceOCR,
		Confidence: clamp(rec.MeanConfidence/100, 0, 1),
		WordCount:  rec.WordCount,
		Warnings:   warnings,
		Pages:      1,
		Method:     "tesseract:" + rec.Config,
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
