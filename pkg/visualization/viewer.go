// Package visualization exports orthogonal slices of a normalised volume as
// images for inspection.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"dicomsurface/internal/models"
)

// Viewer renders slices of a scalar volume
type Viewer struct {
	vol *models.ScalarVolume

	// lo and hi are the intensities mapped to black and white
	lo, hi float64
}

// NewViewer creates a viewer windowed to the scalar range of vol
func NewViewer(vol *models.ScalarVolume) *Viewer {
	return &Viewer{vol: vol, lo: vol.ScalarRange[0], hi: vol.ScalarRange[1]}
}

// SetWindow maps lo to black and hi to white
func (v *Viewer) SetWindow(lo, hi float64) error {
	if !(hi > lo) {
		return fmt.Errorf("window [%v, %v] is empty", lo, hi)
	}
	v.lo, v.hi = lo, hi
	return nil
}

func (v *Viewer) gray(value float64) color.Gray16 {
	if v.hi <= v.lo {
		return color.Gray16{}
	}
	scaled := (value - v.lo) / (v.hi - v.lo) * 65535
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, math.Round(scaled))))}
}

// axisLength returns the number of slices along axis
func (v *Viewer) axisLength(axis string) (int, error) {
	switch strings.ToLower(axis) {
	case "x":
		return v.vol.Dims[0], nil
	case "y":
		return v.vol.Dims[1], nil
	case "z":
		return v.vol.Dims[2], nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// ExtractSlice extracts a 2D slice perpendicular to axis at position.
// x slices are depth wide and height tall, y slices width by depth, z slices
// width by height.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	n, err := v.axisLength(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= n {
		return nil, fmt.Errorf("position %d outside [0, %d) along %s", position, n, axis)
	}

	nx, ny, nz := v.vol.Dims[0], v.vol.Dims[1], v.vol.Dims[2]
	var img *image.Gray16
	switch strings.ToLower(axis) {
	case "x":
		img = image.NewGray16(image.Rect(0, 0, nz, ny))
		for y := 0; y < ny; y++ {
			for z := 0; z < nz; z++ {
				img.SetGray16(z, y, v.gray(v.vol.At(position, y, z)))
			}
		}
	case "y":
		img = image.NewGray16(image.Rect(0, 0, nx, nz))
		for z := 0; z < nz; z++ {
			for x := 0; x < nx; x++ {
				img.SetGray16(x, z, v.gray(v.vol.At(x, position, z)))
			}
		}
	case "z":
		img = image.NewGray16(image.Rect(0, 0, nx, ny))
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				img.SetGray16(x, y, v.gray(v.vol.At(x, y, position)))
			}
		}
	}
	return img, nil
}

// SaveSlice writes img as PNG
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := png.Encode(file, img); err != nil {
		return err
	}
	return file.Close()
}

// SaveSliceSequence writes every slice along axis to outputDir and returns
// the number of files written
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) (int, error) {
	n, err := v.axisLength(axis)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	for pos := 0; pos < n; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return pos, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", strings.ToLower(axis), pos))
		if err := SaveSlice(img, filename); err != nil {
			return pos, err
		}
	}
	return n, nil
}

// SaveAll writes the x, y and z sequences into subdirectories of outputDir
func (v *Viewer) SaveAll(outputDir string) (int, error) {
	total := 0
	for _, axis := range []string{"x", "y", "z"} {
		n, err := v.SaveSliceSequence(axis, filepath.Join(outputDir, axis))
		total += n
		if err != nil {
			return total, fmt.Errorf("failed to save %s-axis slices: %w", axis, err)
		}
	}
	return total, nil
}
