package ocr

import (
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/disintegration/imaging"
)

const (
	houghThreshold = 100
	maxHoughLines  = 10
	peakWindow     = 3
	edgeThreshold  = 150
	// detection runs on a copy no larger than this on either side
	deskewMaxSide = 1600
)

type houghLine struct {
	theta int // degrees, [0,180)
	rho   int
	votes int
}

// Deskew rotates img when its dominant line angle is between 0.5 and 45 degrees.
// The original image is returned whenever no usable angle is found.
func Deskew(img image.Image) (image.Image, float64) {
	angle, ok := detectSkew(img)
	if !ok || math.Abs(angle) <= 0.5 || math.Abs(angle) >= 45 {
		return img, 0
	}
	return imaging.Rotate(img, angle, color.White), angle
}

// detectSkew returns the median normalised angle of the strongest Hough lines
func detectSkew(img image.Image) (float64, bool) {
	b := img.Bounds()
	if b.Dx() < 3 || b.Dy() < 3 {
		return 0, false
	}
	if b.Dx() > deskewMaxSide || b.Dy() > deskewMaxSide {
		img = imaging.Fit(img, deskewMaxSide, deskewMaxSide, imaging.Box)
	}
	gray := imaging.Grayscale(img)

	lines := houghLines(sobelEdges(gray), gray.Bounds().Dx(), gray.Bounds().Dy())
	if len(lines) == 0 {
		return 0, false
	}

	angles := make([]float64, 0, len(lines))
	for _, l := range lines {
		a := float64(l.theta)
		if a > 90 {
			a -= 180
		}
		angles = append(angles, a)
	}
	return median(angles), true
}

// sobelEdges marks pixels whose L1 gradient magnitude reaches edgeThreshold
func sobelEdges(gray *image.NRGBA) []image.Point {
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()
	lum := func(x, y int) int {
		return int(gray.Pix[y*gray.Stride+x*4])
	}

	var edges []image.Point
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := -lum(x-1, y-1) - 2*lum(x-1, y) - lum(x-1, y+1) +
				lum(x+1, y-1) + 2*lum(x+1, y) + lum(x+1, y+1)
			gy := -lum(x-1, y-1) - 2*lum(x, y-1) - lum(x+1, y-1) +
				lum(x-1, y+1) + 2*lum(x, y+1) + lum(x+1, y+1)
			if abs(gx)+abs(gy) >= edgeThreshold {
				edges = append(edges, image.Pt(x, y))
			}
		}
	}
	return edges
}

// houghLines votes edge points into a (theta, rho) accumulator with 1 degree and
// 1 pixel resolution and returns the strongest local maxima above houghThreshold.
func houghLines(edges []image.Point, w, h int) []houghLine {
	if len(edges) == 0 {
		return nil
	}
	diag := int(math.Ceil(math.Hypot(float64(w), float64(h))))
	width := 2*diag + 1

	var cos, sin [180]float64
	for t := 0; t < 180; t++ {
		rad := float64(t) * math.Pi / 180
		cos[t], sin[t] = math.Cos(rad), math.Sin(rad)
	}

	acc := make([]int32, 180*width)
	for _, p := range edges {
		for t := 0; t < 180; t++ {
			rho := int(math.Round(float64(p.X)*cos[t]+float64(p.Y)*sin[t])) + diag
			acc[t*width+rho]++
		}
	}

	// theta wraps around with rho mirrored
	at := func(t, r int) (int32, int) {
		if t < 0 {
			t, r = t+180, 2*diag-r
		} else if t >= 180 {
			t, r = t-180, 2*diag-r
		}
		if r < 0 || r >= width {
			return 0, -1
		}
		return acc[t*width+r], t*width + r
	}

	var lines []houghLine
	for t := 0; t < 180; t++ {
		for r := 0; r < width; r++ {
			idx := t*width + r
			v := acc[idx]
			if v >= houghThreshold && isPeak(at, t, r, idx, v) {
				lines = append(lines, houghLine{theta: t, rho: r - diag, votes: int(v)})
			}
		}
	}

	sort.SliceStable(lines, func(i, j int) bool { return lines[i].votes > lines[j].votes })
	if len(lines) > maxHoughLines {
		lines = lines[:maxHoughLines]
	}
	return lines
}

// isPeak reports whether v is the maximum of its peakWindow neighbourhood. Ties
// go to the cell with the lower accumulator index.
func isPeak(at func(t, r int) (int32, int), t, r, idx int, v int32) bool {
	for dt := -peakWindow; dt <= peakWindow; dt++ {
		for dr := -peakWindow; dr <= peakWindow; dr++ {
			if dt == 0 && dr == 0 {
				continue
			}
			n, nidx := at(t+dt, r+dr)
			if n > v || (n == v && nidx < idx) {
				return false
			}
		}
	}
	return true
}

func median(vals []float64) float64 {
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
