package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// PSMConfig is one Tesseract page segmentation strategy
type PSMConfig struct {
	Name string
	Args []string
}

// DefaultConfigs are tried in order on every image
var DefaultConfigs = []PSMConfig{
	{Name: "whitelist_line", Args: []string{"--psm", "6", "-c", "tessedit_char_whitelist=0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz$.,/:- "}},
	{Name: "sparse", Args: []string{"--psm", "4", "-c", "preserve_interword_spaces=1"}},
	{Name: "default", Args: []string{"--psm", "3"}},
	{Name: "single_column", Args: []string{"--psm", "6"}},
	{Name: "single_block", Args: []string{"--psm", "1"}},
}

const (
	// used when the TSV pass fails
	defaultMeanConfidence = 50.0
	minAcceptedWords      = 5
)

// TesseractOCR runs the tesseract CLI with several configurations and keeps the best
type TesseractOCR struct {
	binary   string
	language string
	configs  []PSMConfig
	runner   Runner
	logger   *slog.Logger
}

// NewTesseractOCR creates a new Tesseract OCR engine
func NewTesseractOCR(binary, language string, runner Runner, logger *slog.Logger) *TesseractOCR {
	if binary == "" {
		binary = "tesseract"
	}
	if language == "" {
		language = "eng" // Default to English
	}
	return &TesseractOCR{
		binary:   binary,
		language: language,
		configs:  DefaultConfigs,
		runner:   runner,
		logger:   logger,
	}
}

// Recognition is the winning configuration's output
type Recognition struct {
	Text           string
	Config         string
	MeanConfidence float64 // 0-100
	WordCount      int
	Words          []WordInfo
}

// WordInfo contains detailed information about a detected word
type WordInfo struct {
	Text       string
	Confidence float64
	Box        BoundingBox
}

// BoundingBox represents the location of text in the image
type BoundingBox struct {
	X      int
	Y      int
	Width  int
	Height int
}

type attempt struct {
	config string
	text   string
	mean   float64
	words  int
	detail []WordInfo
}

// Recognize runs every configuration on the image at path. All attempts are
// evaluated; there is no early exit on a good result.
func (t *TesseractOCR) Recognize(ctx context.Context, path string) (*Recognition, error) {
	var attempts []attempt
	var errs []string

	for _, cfg := range t.configs {
		a, err := t.run(ctx, path, cfg)
		if err != nil {
			msg := fmt.Sprintf("OCR config '%s' failed: %v", cfg.Name, err)
			errs = append(errs, msg)
			t.logger.Warn("ocr.attempt.failed", "config", cfg.Name, "error", err)
			continue
		}
		if a == nil {
			t.logger.Debug("ocr.attempt.empty", "config", cfg.Name)
			continue
		}
		t.logger.Debug("ocr.attempt",
			"config", cfg.Name,
			"mean_confidence", a.mean,
			"words", a.words,
			"score", score(a.mean, a.words),
		)
		attempts = append(attempts, *a)
	}

	best, ok := selectBest(attempts)
	if !ok {
		if len(attempts) > 0 {
			errs = append(errs, fmt.Sprintf("no configuration produced more than %d words", minAcceptedWords))
		}
		if len(errs) > 3 {
			errs = errs[len(errs)-3:]
		}
		details := "All OCR configurations failed. Recent errors: " + strings.Join(errs, "; ")
		return nil, newError(ReasonNoReadableText, "ocr", ErrAllConfigsFailed, details)
	}

	t.logger.Info("ocr.selected", "config", best.config, "mean_confidence", best.mean, "words", best.words)
	return &Recognition{
		Text:           strings.TrimSpace(best.text),
		Config:         best.config,
		MeanConfidence: best.mean,
		WordCount:      best.words,
		Words:          best.detail,
	}, nil
}

// run returns nil without error when the configuration produced no text
func (t *TesseractOCR) run(ctx context.Context, path string, cfg PSMConfig) (*attempt, error) {
	args := append([]string{path, "stdout", "-l", t.language}, cfg.Args...)
	out, stderr, err := t.runner.Run(ctx, t.binary, args...)
	if err != nil {
		if msg := strings.TrimSpace(string(stderr)); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, truncate(msg, 200))
		}
		return nil, err
	}
	text := string(out)
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	a := &attempt{config: cfg.Name, text: text, words: len(strings.Fields(text)), mean: defaultMeanConfidence}

	tsv, _, err := t.runner.Run(ctx, t.binary, append(args, "tsv")...)
	if err != nil {
		t.logger.Warn("ocr.confidence.failed", "config", cfg.Name, "error", err)
		return a, nil
	}
	a.detail = parseTSV(string(tsv))
	a.mean = meanConfidence(a.detail)
	return a, nil
}

func score(meanConfidence float64, words int) float64 {
	return 0.7*meanConfidence + 0.3*float64(words)
}

// selectBest folds over all attempts. A candidate wins only with more than
// minAcceptedWords words and a strictly higher score than the current best.
func selectBest(attempts []attempt) (attempt, bool) {
	var best attempt
	bestScore := 0.0
	found := false
	for _, a := range attempts {
		s := score(a.mean, a.words)
		if a.words > minAcceptedWords && s > bestScore {
			best, bestScore, found = a, s, true
		}
	}
	return best, found
}

// parseTSV reads tesseract's TSV output into words with their boxes
func parseTSV(data string) []WordInfo {
	lines := strings.Split(strings.TrimSpace(data), "\n")
	if len(lines) < 2 {
		return nil
	}
	header := strings.Split(lines[0], "\t")
	col := map[string]int{}
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	confIdx, ok := col["conf"]
	if !ok {
		confIdx = 10
	}
	textIdx, ok := col["text"]
	if !ok {
		textIdx = 11
	}

	atoi := func(cols []string, name string) int {
		i, ok := col[name]
		if !ok || i >= len(cols) {
			return 0
		}
		n, _ := strconv.Atoi(strings.TrimSpace(cols[i]))
		return n
	}

	var words []WordInfo
	for _, ln := range lines[1:] {
		cols := strings.Split(strings.TrimRight(ln, "\r"), "\t")
		if len(cols) <= confIdx {
			continue
		}
		conf, err := strconv.ParseFloat(strings.TrimSpace(cols[confIdx]), 64)
		if err != nil {
			continue
		}
		var text string
		if textIdx < len(cols) {
			text = cols[textIdx]
		}
		words = append(words, WordInfo{
			Text:       text,
			Confidence: conf,
			Box: BoundingBox{
				X:      atoi(cols, "left"),
				Y:      atoi(cols, "top"),
				Width:  atoi(cols, "width"),
				Height: atoi(cols, "height"),
			},
		})
	}
	return words
}

// meanConfidence averages the positive word confidences, 0 when there are none
func meanConfidence(words []WordInfo) float64 {
	var sum float64
	var n int
	for _, w := range words {
		if w.Confidence > 0 {
			sum += w.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
