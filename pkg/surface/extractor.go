// Package surface turns a scalar volume and a parameter set into a single
// connected triangulated surface.
//
// The extraction is a fixed composition of pure stages, each taking an
// immutable volume (or mesh) and returning a new one:
//
//  1. Smooth: separable Gaussian smoothing
//  2. Threshold: binarisation (binary variant only)
//  3. Close: grey-scale morphological closing
//  4. isosurface.Extract: marching tetrahedra at the selected iso-value
//  5. LargestComponent: keep the biggest connected piece
package surface

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"dicomsurface/internal/models"
	"dicomsurface/pkg/isosurface"
)

var (
	// ErrEmptyVolume means there are no voxels to extract from
	ErrEmptyVolume = errors.New("volume has no voxels")

	// ErrInvalidParameters wraps a parameter set that failed validation
	ErrInvalidParameters = errors.New("invalid extraction parameters")

	// ErrUnknownVariant is returned by ParseVariant
	ErrUnknownVariant = errors.New("unknown iso variant")
)

// Variant selects how the threshold becomes an iso-value
type Variant int

const (
	// VariantIso extracts the surface where the smoothed volume equals the threshold
	VariantIso Variant = iota

	// VariantBinary zeroes everything below the threshold and extracts the
	// surface at half the threshold
	VariantBinary
)

func (v Variant) String() string {
	switch v {
	case VariantIso:
		return "iso"
	case VariantBinary:
		return "binary"
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

// ParseVariant reads a variant name; the empty string selects VariantIso
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "iso":
		return VariantIso, nil
	case "binary":
		return VariantBinary, nil
	}
	return VariantIso, fmt.Errorf("%w: %q (want iso or binary)", ErrUnknownVariant, s)
}

// IsoValue returns the iso-value used for threshold under variant
func IsoValue(variant Variant, threshold float64) float64 {
	if variant == VariantBinary {
		return threshold / 2
	}
	return threshold
}

// Extractor runs the extraction chain. The zero value uses VariantIso and
// one worker per CPU.
type Extractor struct {
	Variant Variant

	// Workers bounds the goroutines used by the volume filters
	Workers int

	Log zerolog.Logger
}

func (e *Extractor) workers() int {
	if e.Workers > 0 {
		return e.Workers
	}
	return runtime.NumCPU()
}

// Extract builds the surface of vol for params. It never modifies vol and
// returns identical meshes for identical inputs. A threshold outside the data
// range gives a mesh with zero triangles, not an error.
func (e *Extractor) Extract(vol *models.ScalarVolume, params models.ParameterSet) (*models.Mesh, error) {
	if vol == nil || vol.VoxelCount() == 0 || len(vol.Data) != vol.VoxelCount() {
		return nil, ErrEmptyVolume
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}

	start := time.Now()
	workers := e.workers()

	grid, err := Smooth(vol, params.GaussRadius, params.GaussDeviation, workers)
	if err != nil {
		return nil, fmt.Errorf("smoothing: %w", err)
	}
	if e.Variant == VariantBinary {
		grid = Threshold(grid, params.Threshold)
	}
	grid, err = Close(grid, params.MorphRadius, workers)
	if err != nil {
		return nil, fmt.Errorf("closing: %w", err)
	}

	iso := IsoValue(e.Variant, params.Threshold)
	surface := isosurface.Extract(grid, iso)
	mesh := LargestComponent(surface)

	e.Log.Debug().
		Str("variant", e.Variant.String()).
		Float64("iso", iso).
		Int("raw_triangles", surface.TriangleCount()).
		Int("triangles", mesh.TriangleCount()).
		Dur("elapsed", time.Since(start)).
		Msg("surface extracted")
	return mesh, nil
}
