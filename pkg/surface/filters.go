package surface

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"dicomsurface/internal/models"
)

// lineFilter maps one line of voxels along an axis to its filtered values
type lineFilter func(in, out []float64)

// Smooth applies a separable Gaussian with standard deviation deviation (in
// voxels) along x, y and z. The kernel spans floor(deviation*radiusFactor)
// voxels each side, never more than the longest axis, and is renormalised
// where it is cut by the volume border. A zero deviation or a zero half-width
// returns vol unchanged.
func Smooth(vol *models.ScalarVolume, radiusFactor, deviation float64, workers int) (*models.ScalarVolume, error) {
	if !(deviation > 0) {
		return vol, nil
	}
	r := halfWidth(math.Floor(deviation*radiusFactor), vol.Dims)
	if r < 1 {
		return vol, nil
	}

	kernel := make([]float64, 2*r+1)
	for k := -r; k <= r; k++ {
		kernel[k+r] = math.Exp(-float64(k*k) / (2 * deviation * deviation))
	}

	return separable(vol, workers, func(in, out []float64) {
		n := len(in)
		for i := 0; i < n; i++ {
			var sum, weight float64
			for j := max(i-r, 0); j <= min(i+r, n-1); j++ {
				w := kernel[j-i+r]
				sum += w * in[j]
				weight += w
			}
			out[i] = sum / weight
		}
	})
}

// halfWidth converts a kernel half-width to voxels. Taps further than the
// longest axis always fall outside the volume, so wider kernels are cut there.
func halfWidth(w float64, dims [3]int) int {
	limit := max(dims[0], dims[1], dims[2]) - 1
	if !(w < float64(limit)) {
		return limit
	}
	if w < 0 {
		return 0
	}
	return int(w)
}

// Threshold zeroes every voxel below t
func Threshold(vol *models.ScalarVolume, t float64) *models.ScalarVolume {
	data := make([]float64, len(vol.Data))
	for i, v := range vol.Data {
		if v >= t {
			data[i] = v
		}
	}
	return vol.WithData(data)
}

// Close performs a grey-scale morphological closing (dilation, then erosion)
// with a cubic structuring element of half-width floor(morphRadius)/2.
// Radii below 2 return vol unchanged.
func Close(vol *models.ScalarVolume, morphRadius float64, workers int) (*models.ScalarVolume, error) {
	h := halfWidth(math.Floor(math.Floor(morphRadius)/2), vol.Dims)
	if h < 1 {
		return vol, nil
	}
	dilated, err := separable(vol, workers, window(h, math.Max))
	if err != nil {
		return nil, err
	}
	return separable(dilated, workers, window(h, math.Min))
}

// window returns a sliding extremum over [i-h, i+h] clipped to the line
func window(h int, pick func(a, b float64) float64) lineFilter {
	return func(in, out []float64) {
		n := len(in)
		for i := 0; i < n; i++ {
			v := in[i]
			for j := max(i-h, 0); j <= min(i+h, n-1); j++ {
				v = pick(v, in[j])
			}
			out[i] = v
		}
	}
}

// separable runs filter over every line along x, then y, then z. Lines are
// independent, so planes are processed concurrently.
func separable(vol *models.ScalarVolume, workers int, filter lineFilter) (*models.ScalarVolume, error) {
	dims := vol.Dims
	stride := [3]int{1, dims[0], dims[0] * dims[1]}
	if workers <= 0 {
		workers = 1
	}

	src := vol.Data
	ran := false
	for axis := 0; axis < 3; axis++ {
		n := dims[axis]
		if n < 2 {
			continue
		}
		// u and w are the two other axes; each goroutine owns one w plane
		u, w := (axis+1)%3, (axis+2)%3
		if u > w {
			u, w = w, u
		}

		dst := make([]float64, len(src))
		in := src
		g := new(errgroup.Group)
		g.SetLimit(workers)
		for wi := 0; wi < dims[w]; wi++ {
			wi := wi // per-iteration copy (Go < 1.22 loop semantics)
			g.Go(func() error {
				line := make([]float64, n)
				filtered := make([]float64, n)
				for ui := 0; ui < dims[u]; ui++ {
					base := ui*stride[u] + wi*stride[w]
					for k := 0; k < n; k++ {
						line[k] = in[base+k*stride[axis]]
					}
					filter(line, filtered)
					for k := 0; k < n; k++ {
						dst[base+k*stride[axis]] = filtered[k]
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("filter along axis %d: %w", axis, err)
		}
		src = dst
		ran = true
	}

	if !ran {
		return vol, nil
	}
	return vol.WithData(src), nil
}
