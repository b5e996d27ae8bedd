package histogram

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"dicomsurface/internal/models"
)

const margin = 16

var (
	background = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	barColour  = color.RGBA{R: 70, G: 110, B: 160, A: 255}
	axisColour = color.RGBA{R: 40, G: 40, B: 40, A: 255}
	markColour = color.RGBA{R: 200, G: 40, B: 40, A: 255}
)

// Render draws a log-scaled bar plot of h. A threshold inside the binned
// range is marked with a vertical line; pass NaN to omit it.
func Render(h models.HistogramBins, width, height int, threshold float64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)

	left, right := margin, width-margin
	top, bottom := margin+4, height-margin-4
	plotW, plotH := right-left, bottom-top
	if plotW <= 0 || plotH <= 0 || len(h.Bins) == 0 {
		return img
	}

	peak := 0
	for _, b := range h.Bins {
		if b.Count > peak {
			peak = b.Count
		}
	}
	scale := math.Log1p(float64(peak))

	n := len(h.Bins)
	for i, b := range h.Bins {
		if b.Count == 0 {
			continue
		}
		x0 := left + i*plotW/n
		x1 := left + (i+1)*plotW/n
		if x1 <= x0 {
			x1 = x0 + 1
		}
		barH := int(math.Round(math.Log1p(float64(b.Count)) / scale * float64(plotH)))
		if barH < 1 {
			barH = 1
		}
		draw.Draw(img, image.Rect(x0, bottom-barH, x1, bottom), image.NewUniform(barColour), image.Point{}, draw.Src)
	}

	// x axis
	draw.Draw(img, image.Rect(left, bottom, right, bottom+1), image.NewUniform(axisColour), image.Point{}, draw.Src)

	lo, hi := h.Bins[0].Lo, h.Bins[n-1].Hi
	if !math.IsNaN(threshold) && threshold >= lo && threshold <= hi && hi > lo {
		x := left + int((threshold-lo)/(hi-lo)*float64(plotW))
		draw.Draw(img, image.Rect(x, top, x+1, bottom), image.NewUniform(markColour), image.Point{}, draw.Src)
	}

	label(img, left, height-4, fmt.Sprintf("%g", lo))
	hiText := fmt.Sprintf("%g", hi)
	label(img, right-font.MeasureString(basicfont.Face7x13, hiText).Round(), height-4, hiText)
	label(img, left, margin, fmt.Sprintf("peak %d (log scale)", peak))
	return img
}

func label(img *image.RGBA, x, y int, text string) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(axisColour),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

// SavePNG renders h and writes it to path
func SavePNG(path string, h models.HistogramBins, width, height int, threshold float64) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := png.Encode(file, Render(h, width, height, threshold)); err != nil {
		return fmt.Errorf("failed to encode histogram: %w", err)
	}
	return file.Close()
}
