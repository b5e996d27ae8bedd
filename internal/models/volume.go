package models

// ScalarVolume represents an axis-aligned scalar volume in patient space
type ScalarVolume struct {
	// Data holds the voxel intensities, x varying fastest, then y, then z
	Data []float64

	// Dims is the number of voxels along x, y and z
	Dims [3]int

	// Spacing is the physical size of a voxel along each axis in mm
	Spacing [3]float64

	// Origin is the patient-space position of voxel (0, 0, 0)
	Origin [3]float64

	// ScalarRange is the [min, max] intensity found in Data
	ScalarRange [2]float64
}

// NewScalarVolume wraps data into a volume and computes its scalar range.
// The volume takes ownership of data.
func NewScalarVolume(data []float64, dims [3]int, spacing, origin [3]float64) *ScalarVolume {
	v := &ScalarVolume{
		Data:    data,
		Dims:    dims,
		Spacing: spacing,
		Origin:  origin,
	}
	v.ScalarRange = scalarRange(data)
	return v
}

// VoxelCount returns nx*ny*nz
func (v *ScalarVolume) VoxelCount() int {
	return v.Dims[0] * v.Dims[1] * v.Dims[2]
}

// Index returns the offset of voxel (x, y, z) in Data
func (v *ScalarVolume) Index(x, y, z int) int {
	return (z*v.Dims[1]+y)*v.Dims[0] + x
}

// At returns the intensity of voxel (x, y, z)
func (v *ScalarVolume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Bounds returns xmin, xmax, ymin, ymax, zmin, zmax of the voxel centres
func (v *ScalarVolume) Bounds() [6]float64 {
	var b [6]float64
	for axis := 0; axis < 3; axis++ {
		extent := float64(v.Dims[axis]-1) * v.Spacing[axis]
		if extent < 0 {
			extent = 0
		}
		b[2*axis] = v.Origin[axis]
		b[2*axis+1] = v.Origin[axis] + extent
	}
	return b
}

// WithData returns a volume sharing this volume's geometry but holding data.
// Filters use it to produce new stage outputs without touching their input.
func (v *ScalarVolume) WithData(data []float64) *ScalarVolume {
	return NewScalarVolume(data, v.Dims, v.Spacing, v.Origin)
}

func scalarRange(data []float64) [2]float64 {
	if len(data) == 0 {
		return [2]float64{0, 0}
	}
	lo, hi := data[0], data[0]
	for _, val := range data[1:] {
		if val < lo {
			lo = val
		}
		if val > hi {
			hi = val
		}
	}
	return [2]float64{lo, hi}
}

// SeriesDescriptor identifies one candidate series of a study while the user picks one
type SeriesDescriptor struct {
	Index       int
	Description string
	Modality    string
	Rows        int
	Columns     int
	Slices      int
}
