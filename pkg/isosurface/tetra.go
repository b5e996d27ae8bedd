// Package isosurface extracts triangulated iso-surfaces from scalar volumes
// with marching tetrahedra.
//
// Every lattice cell is split into six tetrahedra around its main diagonal.
// Neighbouring cells split shared faces along the same diagonal, so the
// resulting surface has no cracks. Vertices on shared lattice edges are
// welded, which makes connectivity queries on the mesh meaningful.
package isosurface

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"dicomsurface/internal/models"
)

// cellCorners are the lattice offsets of the eight cube corners
var cellCorners = [8][3]int{
	{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0},
	{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1},
}

// cellTetrahedra share the diagonal 0-6
var cellTetrahedra = [6][4]int{
	{0, 1, 2, 6}, {0, 2, 3, 6}, {0, 3, 7, 6},
	{0, 7, 4, 6}, {0, 4, 5, 6}, {0, 5, 1, 6},
}

// extractor walks the lattice grown by one layer on every side. The extra
// layer holds the data minimum, which is always outside, so foreground that
// touches the volume border is capped rather than left open.
type extractor struct {
	vol  *models.ScalarVolume
	iso  float64
	pad  float64
	dims [3]int
	mesh *models.Mesh
	weld map[uint64]int32
}

// Extract returns the surface where vol crosses iso. Voxels at or above iso
// are inside; faces are wound so their normals point from high to low
// intensity. The surface is closed even where the inside reaches the volume
// border. An iso-value outside the data range yields an empty mesh.
func Extract(vol *models.ScalarVolume, iso float64) *models.Mesh {
	e := &extractor{
		vol:  vol,
		iso:  iso,
		pad:  vol.ScalarRange[0],
		dims: [3]int{vol.Dims[0] + 2, vol.Dims[1] + 2, vol.Dims[2] + 2},
		mesh: &models.Mesh{},
		weld: make(map[uint64]int32),
	}
	if math.IsNaN(iso) || iso > vol.ScalarRange[1] || iso <= vol.ScalarRange[0] {
		return e.mesh
	}

	nx, ny, nz := e.dims[0], e.dims[1], e.dims[2]
	var corner [8]int
	var value [8]float64
	for z := 0; z < nz-1; z++ {
		for y := 0; y < ny-1; y++ {
			for x := 0; x < nx-1; x++ {
				inside := 0
				for c, off := range cellCorners {
					px, py, pz := x+off[0], y+off[1], z+off[2]
					corner[c] = (pz*ny+py)*nx + px
					value[c] = e.sample(px, py, pz)
					if value[c] >= iso {
						inside++
					}
				}
				if inside == 0 || inside == 8 {
					continue
				}
				for _, tet := range cellTetrahedra {
					var p [4]int
					var v [4]float64
					for k, c := range tet {
						p[k], v[k] = corner[c], value[c]
					}
					e.tetrahedron(p, v)
				}
			}
		}
	}

	e.computeNormals()
	return e.mesh
}

// sample reads the grown lattice at (x, y, z)
func (e *extractor) sample(x, y, z int) float64 {
	if x == 0 || y == 0 || z == 0 || x == e.dims[0]-1 || y == e.dims[1]-1 || z == e.dims[2]-1 {
		return e.pad
	}
	return e.vol.At(x-1, y-1, z-1)
}

func (e *extractor) tetrahedron(p [4]int, v [4]float64) {
	var in, out []int
	var vin, vout []float64
	for k, idx := range p {
		if v[k] >= e.iso {
			in, vin = append(in, idx), append(vin, v[k])
		} else {
			out, vout = append(out, idx), append(vout, v[k])
		}
	}

	switch len(in) {
	case 1:
		a, va := in[0], vin[0]
		e.triangle(e.vertex(a, out[0], va, vout[0]), e.vertex(a, out[1], va, vout[1]), e.vertex(a, out[2], va, vout[2]), in, out)
	case 3:
		d, vd := out[0], vout[0]
		e.triangle(e.vertex(in[0], d, vin[0], vd), e.vertex(in[1], d, vin[1], vd), e.vertex(in[2], d, vin[2], vd), in, out)
	case 2:
		ac, ad := e.vertex(in[0], out[0], vin[0], vout[0]), e.vertex(in[0], out[1], vin[0], vout[1])
		bd, bc := e.vertex(in[1], out[1], vin[1], vout[1]), e.vertex(in[1], out[0], vin[1], vout[0])
		e.triangle(ac, ad, bd, in, out)
		e.triangle(ac, bd, bc, in, out)
	}
}

// vertex returns the welded vertex where the segment between lattice points
// a and b, holding va and vb, crosses the iso-value
func (e *extractor) vertex(a, b int, va, vb float64) int32 {
	lo, hi, vlo, vhi := a, b, va, vb
	if lo > hi {
		lo, hi, vlo, vhi = hi, lo, vhi, vlo
	}
	t := (e.iso - vlo) / (vhi - vlo)

	// Crossings on a lattice point are shared by every edge meeting there
	key := uint64(lo)<<32 | uint64(hi)
	switch {
	case t <= 0:
		key, t = uint64(lo)<<32|uint64(lo), 0
	case t >= 1:
		key, t = uint64(hi)<<32|uint64(hi), 0
		lo = hi
	}
	if id, ok := e.weld[key]; ok {
		return id
	}

	pa := e.position(lo)
	p := pa
	if t > 0 {
		p = r3.Add(pa, r3.Scale(t, r3.Sub(e.position(hi), pa)))
	}
	id := int32(len(e.mesh.Vertices))
	e.mesh.Vertices = append(e.mesh.Vertices, p)
	e.weld[key] = id
	return id
}

// position maps a point of the grown lattice to patient space
func (e *extractor) position(idx int) r3.Vec {
	nx, ny := e.dims[0], e.dims[1]
	x := idx%nx - 1
	y := (idx/nx)%ny - 1
	z := idx/(nx*ny) - 1
	return r3.Vec{
		X: e.vol.Origin[0] + float64(x)*e.vol.Spacing[0],
		Y: e.vol.Origin[1] + float64(y)*e.vol.Spacing[1],
		Z: e.vol.Origin[2] + float64(z)*e.vol.Spacing[2],
	}
}

// triangle appends a face oriented from the inside corners towards the
// outside corners. Faces collapsed by welding are dropped.
func (e *extractor) triangle(a, b, c int32, in, out []int) {
	if a == b || b == c || a == c {
		return
	}
	v := e.mesh.Vertices
	n := r3.Cross(r3.Sub(v[b], v[a]), r3.Sub(v[c], v[a]))
	if r3.Norm2(n) == 0 {
		return
	}
	if r3.Dot(n, r3.Sub(e.centroid(out), e.centroid(in))) < 0 {
		b, c = c, b
	}
	e.mesh.Triangles = append(e.mesh.Triangles, [3]int32{a, b, c})
}

func (e *extractor) centroid(points []int) r3.Vec {
	var sum r3.Vec
	for _, p := range points {
		sum = r3.Add(sum, e.position(p))
	}
	return r3.Scale(1/float64(len(points)), sum)
}

// computeNormals sets each vertex normal to the normalised sum of the
// area-weighted normals of its faces
func (e *extractor) computeNormals() {
	m := e.mesh
	m.Normals = make([]r3.Vec, len(m.Vertices))
	for i, t := range m.Triangles {
		n := m.FaceNormal(i)
		for _, idx := range t {
			m.Normals[idx] = r3.Add(m.Normals[idx], n)
		}
	}
	for i, n := range m.Normals {
		if r3.Norm(n) > 0 {
			m.Normals[i] = r3.Unit(n)
		}
	}
}
