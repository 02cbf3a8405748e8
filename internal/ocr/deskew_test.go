package ocr

import (
	"image"
	"image/color"
	"math"
	"testing"
)

func whiteImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	return img
}

func TestDeskewLeavesBlankImageAlone(t *testing.T) {
	img := whiteImage(120, 80)
	out, angle := Deskew(img)
	if angle != 0 {
		t.Fatalf("expected no rotation, got %v", angle)
	}
	if out != image.Image(img) {
		t.Fatalf("expected the original image back")
	}
}

func TestDeskewIgnoresStraightLines(t *testing.T) {
	img := whiteImage(200, 300)
	for y := 20; y < 280; y++ {
		for x := 99; x <= 101; x++ {
			img.Set(x, y, color.Black)
		}
	}
	if _, angle := Deskew(img); angle != 0 {
		t.Fatalf("expected no rotation for a vertical rule, got %v", angle)
	}
}

func TestDeskewDetectsTiltedRule(t *testing.T) {
	img := whiteImage(300, 500)
	slope := math.Tan(5 * math.Pi / 180)
	for y := 50; y < 450; y++ {
		xc := 150 + int(math.Round(float64(y-50)*slope))
		for x := xc - 1; x <= xc+1; x++ {
			img.Set(x, y, color.Black)
		}
	}

	angle, ok := detectSkew(img)
	if !ok {
		t.Fatalf("expected lines to be detected")
	}
	if angle < -6.5 || angle > -3.5 {
		t.Fatalf("expected roughly -5 degrees, got %v", angle)
	}

	out, applied := Deskew(img)
	if applied == 0 {
		t.Fatalf("expected rotation to be applied")
	}
	if out.Bounds() == img.Bounds() {
		t.Fatalf("expected rotated canvas")
	}
}

func TestMedian(t *testing.T) {
	if got := median([]float64{3, -1, 2}); got != 2 {
		t.Fatalf("odd median = %v", got)
	}
	if got := median([]float64{4, 1, 2, 3}); got != 2.5 {
		t.Fatalf("even median = %v", got)
	}
}
