package ocr

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// Preprocessor handles image preprocessing for optimal OCR results
type Preprocessor struct {
	magick        string
	maxMegapixels float64
	runner        Runner
	logger        *slog.Logger
}

// NewPreprocessor creates a new image preprocessor. An empty magick binary picks
// ImageMagick 7 "magick" when available, otherwise ImageMagick 6 "convert".
func NewPreprocessor(magick string, maxMegapixels float64, runner Runner, logger *slog.Logger) *Preprocessor {
	if magick == "" {
		magick = "convert"
		if _, err := exec.LookPath("magick"); err == nil {
			magick = "magick"
		}
	}
	if maxMegapixels <= 0 {
		maxMegapixels = 4
	}
	return &Preprocessor{magick: magick, maxMegapixels: maxMegapixels, runner: runner, logger: logger}
}

// Enhance writes an OCR-ready version of img into dir and returns its path.
// srcPath must hold img already encoded. When ImageMagick fails the basic
// in-process enhancement is used; when that fails too, srcPath is returned.
func (p *Preprocessor) Enhance(ctx context.Context, img image.Image, srcPath, dir string) (string, []string) {
	out := filepath.Join(dir, "enhanced.png")
	err := p.enhanceWithMagick(ctx, img, srcPath, out)
	if err == nil {
		return out, nil
	}
	p.logger.Warn("ocr.enhance.fallback", "error", err)
	warnings := []string{fmt.Sprintf("advanced image enhancement failed, used basic enhancement: %v", err)}

	basic := filepath.Join(dir, "basic.png")
	if err := p.basicEnhance(img, basic); err != nil {
		p.logger.Warn("ocr.enhance.basic_failed", "error", err)
		return srcPath, append(warnings, fmt.Sprintf("basic enhancement failed, using original image: %v", err))
	}
	return basic, warnings
}

func (p *Preprocessor) enhanceWithMagick(ctx context.Context, img image.Image, in, out string) error {
	b := img.Bounds()
	args := []string{in}

	// Pipeline: upscale -> grayscale -> denoise -> adaptive threshold -> close
	if float64(b.Dx()*b.Dy()) > p.maxMegapixels*1_000_000 {
		p.logger.Info("ocr.enhance.skip_upscale", "width", b.Dx(), "height", b.Dy())
	} else {
		args = append(args, "-filter", "Catrom", "-resize", "200%")
	}
	args = append(args,
		"-colorspace", "Gray",
		"-despeckle",
		"-lat", "11x11-1%",
		"-morphology", "Close", "Square:0",
		out,
	)

	if _, stderr, err := p.runner.Run(ctx, p.magick, args...); err != nil {
		return fmt.Errorf("%s: %w: %s", p.magick, err, truncate(string(stderr), 200))
	}

	st, err := os.Stat(out)
	if err != nil {
		return fmt.Errorf("read enhanced image: %w", err)
	}
	if st.Size() == 0 {
		return fmt.Errorf("enhanced image is empty")
	}
	return nil
}

func (p *Preprocessor) basicEnhance(img image.Image, out string) error {
	g := imaging.Grayscale(img)
	g = imaging.AdjustContrast(g, 100)
	g = imaging.Sharpen(g, 1.5)
	return imaging.Save(g, out)
}
