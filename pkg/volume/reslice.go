package volume

import (
	"fmt"
	"math"
	"runtime"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"dicomsurface/internal/models"
)

// DefaultCap is the largest volume dimension kept after downsampling
const DefaultCap = 255

// sampleEps tolerates rounding when a grid point lands on the volume border
const sampleEps = 1e-6

// cropMargin is the zero border AutoCrop keeps around the content, in voxels
const cropMargin = 1

// Options controls materialisation
type Options struct {
	// Cap bounds the largest output dimension; zero or negative disables downsampling
	Cap int

	// Workers is the number of z-slabs resampled concurrently (default: all CPUs)
	Workers int

	Log zerolog.Logger
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.NumCPU()
}

// Materialize reorients raw into an axis-aligned patient-space volume,
// crops it to its nonzero content and bounds its largest dimension by opts.Cap.
func Materialize(raw *RawSeries, opts Options) (*models.ScalarVolume, error) {
	if err := raw.validate(); err != nil {
		return nil, err
	}

	resliced, err := Reslice(raw, opts.workers())
	if err != nil {
		return nil, err
	}
	b := resliced.Bounds()
	opts.Log.Info().Ints("dims", resliced.Dims[:]).Floats64("bounds", b[:]).Msg("resliced into patient space")

	cropped := AutoCrop(resliced)
	if cropped.Dims != resliced.Dims {
		b = cropped.Bounds()
		opts.Log.Info().Ints("dims", cropped.Dims[:]).Floats64("bounds", b[:]).Msg("cropped to nonzero content")
	}

	out, err := Downsample(cropped, opts.Cap, opts.workers())
	if err != nil {
		return nil, err
	}
	if out != cropped {
		b = out.Bounds()
		opts.Log.Info().
			Float64("reduction", float64(opts.Cap)/float64(maxDim(cropped.Dims))).
			Ints("dims", out.Dims[:]).
			Floats64("bounds", b[:]).
			Msg("downsampled")
	}
	return out, nil
}

func (r *RawSeries) validate() error {
	for axis := 0; axis < 3; axis++ {
		if r.Dims[axis] <= 0 {
			return fmt.Errorf("%w: dimension %d is %d", ErrInvalidGeometry, axis, r.Dims[axis])
		}
		if !(r.Spacing[axis] > 0) {
			return fmt.Errorf("%w: spacing %d is %v", ErrInvalidGeometry, axis, r.Spacing[axis])
		}
	}
	if want := r.Dims[0] * r.Dims[1] * r.Dims[2]; len(r.Data) != want {
		return fmt.Errorf("%w: %d samples for %v voxels", ErrInvalidGeometry, len(r.Data), r.Dims)
	}
	return nil
}

// PatientMatrix returns the 4x4 affine mapping data coordinates (mm along the
// native index axes) to patient coordinates
func (r *RawSeries) PatientMatrix() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for axis := 0; axis < 3; axis++ {
		for k := 0; k < 3; k++ {
			m.Set(k, axis, r.Direction[axis][k])
		}
		m.Set(axis, 3, r.Origin[axis])
	}
	m.Set(3, 3, 1)
	return m
}

// Reslice resamples raw onto an axis-aligned patient-space grid covering the
// transformed extent of the series, using the inverse of its patient matrix
// and trilinear interpolation. Grid points outside the series read as 0.
func Reslice(raw *RawSeries, workers int) (*models.ScalarVolume, error) {
	patient := raw.PatientMatrix()
	var inverse mat.Dense
	if err := inverse.Inverse(patient); err != nil {
		return nil, fmt.Errorf("%w: patient matrix is not invertible: %v", ErrInvalidGeometry, err)
	}
	var toData [3][4]float64
	for row := 0; row < 3; row++ {
		for col := 0; col < 4; col++ {
			toData[row][col] = inverse.At(row, col)
		}
	}

	// Patient-space bounds of the transformed series corners
	lo := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	corner := mat.NewVecDense(4, nil)
	var p mat.VecDense
	for c := 0; c < 8; c++ {
		for axis := 0; axis < 3; axis++ {
			v := 0.0
			if c&(1<<axis) != 0 {
				v = float64(raw.Dims[axis]-1) * raw.Spacing[axis]
			}
			corner.SetVec(axis, v)
		}
		corner.SetVec(3, 1)
		p.MulVec(patient, corner)
		for k := 0; k < 3; k++ {
			lo[k] = math.Min(lo[k], p.AtVec(k))
			hi[k] = math.Max(hi[k], p.AtVec(k))
		}
	}

	// Output spacing along patient axis k blends the native spacings by the
	// squared direction cosines, which is exact for axis-aligned series.
	var spacing [3]float64
	var dims [3]int
	for k := 0; k < 3; k++ {
		for axis := 0; axis < 3; axis++ {
			d := raw.Direction[axis][k]
			spacing[k] += d * d * raw.Spacing[axis]
		}
		if !(spacing[k] > 0) {
			return nil, fmt.Errorf("%w: degenerate spacing along patient axis %d", ErrInvalidGeometry, k)
		}
		dims[k] = int(math.Floor((hi[k]-lo[k])/spacing[k]+sampleEps)) + 1
	}

	out := make([]float64, dims[0]*dims[1]*dims[2])
	g := new(errgroup.Group)
	g.SetLimit(workers)
	for z := 0; z < dims[2]; z++ {
		z := z // per-iteration copy (Go < 1.22 loop semantics)
		g.Go(func() error {
			pz := lo[2] + float64(z)*spacing[2]
			for y := 0; y < dims[1]; y++ {
				py := lo[1] + float64(y)*spacing[1]
				row := (z*dims[1] + y) * dims[0]
				for x := 0; x < dims[0]; x++ {
					px := lo[0] + float64(x)*spacing[0]
					var c [3]float64
					for axis := 0; axis < 3; axis++ {
						q := toData[axis][0]*px + toData[axis][1]*py + toData[axis][2]*pz + toData[axis][3]
						c[axis] = q / raw.Spacing[axis]
					}
					out[row+x] = sampleTrilinear(raw.Data, raw.Dims, c)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return models.NewScalarVolume(out, dims, spacing, lo), nil
}

// AutoCrop returns the bounding box of nonzero voxels grown by a one voxel
// margin, clamped to the grid. Content that sat on a zero background keeps a
// zero border, so surfaces around it stay closed. A volume with no nonzero
// voxel is returned unchanged.
func AutoCrop(vol *models.ScalarVolume) *models.ScalarVolume {
	nx, ny, nz := vol.Dims[0], vol.Dims[1], vol.Dims[2]
	lo := [3]int{nx, ny, nz}
	hi := [3]int{-1, -1, -1}
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			row := (z*ny + y) * nx
			for x := 0; x < nx; x++ {
				if vol.Data[row+x] == 0 {
					continue
				}
				idx := [3]int{x, y, z}
				for a := 0; a < 3; a++ {
					if idx[a] < lo[a] {
						lo[a] = idx[a]
					}
					if idx[a] > hi[a] {
						hi[a] = idx[a]
					}
				}
			}
		}
	}
	if hi[0] < 0 {
		return vol
	}
	for a := 0; a < 3; a++ {
		lo[a] = max(lo[a]-cropMargin, 0)
		hi[a] = min(hi[a]+cropMargin, vol.Dims[a]-1)
	}
	if lo == [3]int{0, 0, 0} && hi == [3]int{nx - 1, ny - 1, nz - 1} {
		return vol
	}

	var dims [3]int
	var origin [3]float64
	for a := 0; a < 3; a++ {
		dims[a] = hi[a] - lo[a] + 1
		origin[a] = vol.Origin[a] + float64(lo[a])*vol.Spacing[a]
	}
	data := make([]float64, dims[0]*dims[1]*dims[2])
	for z := 0; z < dims[2]; z++ {
		for y := 0; y < dims[1]; y++ {
			src := vol.Index(lo[0], lo[1]+y, lo[2]+z)
			dst := (z*dims[1] + y) * dims[0]
			copy(data[dst:dst+dims[0]], vol.Data[src:src+dims[0]])
		}
	}
	return models.NewScalarVolume(data, dims, vol.Spacing, origin)
}

// Downsample shrinks every axis by limit/max(dims) with trilinear interpolation
// when the largest dimension exceeds limit, preserving the physical extent and
// aspect ratio. Otherwise vol is returned as is.
func Downsample(vol *models.ScalarVolume, limit int, workers int) (*models.ScalarVolume, error) {
	largest := maxDim(vol.Dims)
	if limit <= 0 || largest <= limit {
		return vol, nil
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	factor := float64(limit) / float64(largest)
	var dims [3]int
	var spacing, origin, step [3]float64
	for a := 0; a < 3; a++ {
		n := int(math.Round(float64(vol.Dims[a]) * factor))
		if vol.Dims[a] == largest {
			n = limit
		}
		if n < 1 {
			n = 1
		}
		dims[a] = n
		origin[a] = vol.Origin[a]
		if n > 1 {
			step[a] = float64(vol.Dims[a]-1) / float64(n-1)
			spacing[a] = vol.Spacing[a] * step[a]
		} else {
			// A single sample sits in the middle of the old extent
			origin[a] += vol.Spacing[a] * float64(vol.Dims[a]-1) / 2
			spacing[a] = vol.Spacing[a] * float64(vol.Dims[a])
		}
	}

	data := make([]float64, dims[0]*dims[1]*dims[2])
	g := new(errgroup.Group)
	g.SetLimit(workers)
	for z := 0; z < dims[2]; z++ {
		z := z // per-iteration copy (Go < 1.22 loop semantics)
		g.Go(func() error {
			for y := 0; y < dims[1]; y++ {
				row := (z*dims[1] + y) * dims[0]
				for x := 0; x < dims[0]; x++ {
					c := [3]float64{float64(x) * step[0], float64(y) * step[1], float64(z) * step[2]}
					for a := 0; a < 3; a++ {
						if dims[a] == 1 {
							c[a] = float64(vol.Dims[a]-1) / 2
						}
					}
					data[row+x] = sampleTrilinear(vol.Data, vol.Dims, c)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to downsample: %w", err)
	}
	return models.NewScalarVolume(data, dims, spacing, origin), nil
}

// sampleTrilinear interpolates data at the continuous index c. Points outside
// the sampled lattice read as 0.
func sampleTrilinear(data []float64, dims [3]int, c [3]float64) float64 {
	var base [3]int
	var frac [3]float64
	var step [3]int
	stride := [3]int{1, dims[0], dims[0] * dims[1]}
	for a := 0; a < 3; a++ {
		last := float64(dims[a] - 1)
		if c[a] < -sampleEps || c[a] > last+sampleEps {
			return 0
		}
		v := math.Min(math.Max(c[a], 0), last)
		i := int(math.Floor(v))
		if i >= dims[a]-1 {
			i = dims[a] - 1
			frac[a] = 0
		} else {
			frac[a] = v - float64(i)
			step[a] = stride[a]
		}
		base[a] = i
	}

	idx := base[0] + base[1]*stride[1] + base[2]*stride[2]
	sx, sy, sz := step[0], step[1], step[2]
	fx, fy, fz := frac[0], frac[1], frac[2]

	c00 := data[idx]*(1-fx) + data[idx+sx]*fx
	c10 := data[idx+sy]*(1-fx) + data[idx+sy+sx]*fx
	c01 := data[idx+sz]*(1-fx) + data[idx+sz+sx]*fx
	c11 := data[idx+sz+sy]*(1-fx) + data[idx+sz+sy+sx]*fx

	c0 := c00*(1-fy) + c10*fy
	c1 := c01*(1-fy) + c11*fy
	return c0*(1-fz) + c1*fz
}

func maxDim(dims [3]int) int {
	m := dims[0]
	for _, d := range dims[1:] {
		if d > m {
			m = d
		}
	}
	return m
}
