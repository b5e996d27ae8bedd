// Package histogram computes the intensity distribution of a volume for
// diagnostics and threshold sanity checks.
package histogram

import (
	"errors"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"dicomsurface/internal/models"
)

// MaxBins bounds the number of bins produced by Compute
const MaxBins = 1000

var (
	// ErrThresholdOutOfRange means the threshold lies outside the scalar range
	ErrThresholdOutOfRange = errors.New("threshold outside scalar range")

	// ErrNoForeground means no voxel reaches the threshold
	ErrNoForeground = errors.New("threshold leaves no foreground")
)

// Compute bins every voxel of vol. Integral data whose range fits in MaxBins
// gets unit-width bins centred on each integer; other data gets MaxBins
// equal-width bins over the scalar range. A constant volume gets one bin.
func Compute(vol *models.ScalarVolume) models.HistogramBins {
	n := len(vol.Data)
	if n == 0 {
		return models.HistogramBins{}
	}
	lo, hi := vol.ScalarRange[0], vol.ScalarRange[1]

	if lo == hi {
		return models.HistogramBins{
			Bins:  []models.Bin{{Lo: lo, Hi: hi, Count: n}},
			Total: n,
		}
	}

	if integral(vol.Data) && hi-lo+1 <= MaxBins {
		count := int(hi-lo) + 1
		bins := make([]models.Bin, count)
		for i := range bins {
			centre := lo + float64(i)
			bins[i] = models.Bin{Lo: centre - 0.5, Hi: centre + 0.5}
		}
		for _, v := range vol.Data {
			bins[int(v-lo)].Count++
		}
		return models.HistogramBins{Bins: bins, BinWidth: 1, Total: n}
	}

	edges := floats.Span(make([]float64, MaxBins+1), lo, hi)
	width := (hi - lo) / MaxBins
	bins := make([]models.Bin, MaxBins)
	for i := range bins {
		bins[i] = models.Bin{Lo: edges[i], Hi: edges[i+1]}
	}
	for _, v := range vol.Data {
		i := int((v - lo) / width)
		if i >= MaxBins {
			i = MaxBins - 1
		}
		if i < 0 {
			i = 0
		}
		bins[i].Count++
	}
	return models.HistogramBins{Bins: bins, BinWidth: width, Total: n}
}

func integral(data []float64) bool {
	for _, v := range data {
		if v != math.Trunc(v) {
			return false
		}
	}
	return true
}

// Summary is the diagnostic record printed after the volume is loaded
type Summary struct {
	Range  [2]float64
	Dims   [3]int
	Points int
	Bins   int
	Total  int
	Mean   float64
	StdDev float64
}

// Summarize collects range, dimensions, counts and moments of vol
func Summarize(vol *models.ScalarVolume, bins models.HistogramBins) Summary {
	s := Summary{
		Range:  vol.ScalarRange,
		Dims:   vol.Dims,
		Points: vol.VoxelCount(),
		Bins:   len(bins.Bins),
		Total:  bins.Sum(),
	}
	if len(vol.Data) > 0 {
		s.Mean = stat.Mean(vol.Data, nil)
	}
	if len(vol.Data) > 1 {
		s.StdDev = stat.StdDev(vol.Data, nil)
	}
	return s
}

// Log writes the summary as one info event
func (s Summary) Log(l zerolog.Logger) {
	l.Info().
		Floats64("range", s.Range[:]).
		Ints("dims", s.Dims[:]).
		Int("points", s.Points).
		Int("bins", s.Bins).
		Int("total", s.Total).
		Float64("mean", s.Mean).
		Float64("stddev", s.StdDev).
		Msg("histogram summary")
}

// FractionAbove estimates the share of voxels at or above t at bin
// resolution: a bin counts when its centre reaches t.
func FractionAbove(h models.HistogramBins, t float64) float64 {
	if h.Total == 0 {
		return 0
	}
	above := 0
	for _, b := range h.Bins {
		if (b.Lo+b.Hi)/2 >= t {
			above += b.Count
		}
	}
	return float64(above) / float64(h.Total)
}

// CheckThreshold reports whether t is useful for a volume with the given
// scalar range and histogram
func CheckThreshold(h models.HistogramBins, scalarRange [2]float64, t float64) error {
	if t < scalarRange[0] || t > scalarRange[1] {
		return ErrThresholdOutOfRange
	}
	if FractionAbove(h, t) == 0 {
		return ErrNoForeground
	}
	return nil
}
