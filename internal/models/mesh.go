package models

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Mesh is a triangulated surface with per-vertex normals.
// A published Mesh is never modified; rebuilding produces a new one.
type Mesh struct {
	// Vertices are positions in patient space (mm)
	Vertices []r3.Vec

	// Normals holds one unit normal per vertex
	Normals []r3.Vec

	// Triangles index into Vertices, wound counter-clockwise seen from outside
	Triangles [][3]int32
}

// TriangleCount returns the number of faces
func (m *Mesh) TriangleCount() int {
	if m == nil {
		return 0
	}
	return len(m.Triangles)
}

// IsEmpty reports whether the mesh has no faces
func (m *Mesh) IsEmpty() bool {
	return m.TriangleCount() == 0
}

// Bounds returns xmin, xmax, ymin, ymax, zmin, zmax over all vertices
func (m *Mesh) Bounds() [6]float64 {
	if m == nil || len(m.Vertices) == 0 {
		return [6]float64{}
	}
	b := [6]float64{math.Inf(1), math.Inf(-1), math.Inf(1), math.Inf(-1), math.Inf(1), math.Inf(-1)}
	for _, v := range m.Vertices {
		b[0], b[1] = math.Min(b[0], v.X), math.Max(b[1], v.X)
		b[2], b[3] = math.Min(b[2], v.Y), math.Max(b[3], v.Y)
		b[4], b[5] = math.Min(b[4], v.Z), math.Max(b[5], v.Z)
	}
	return b
}

// FaceNormal returns the unnormalised normal of triangle i (twice its area in length)
func (m *Mesh) FaceNormal(i int) r3.Vec {
	t := m.Triangles[i]
	a, b, c := m.Vertices[t[0]], m.Vertices[t[1]], m.Vertices[t[2]]
	return r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
}

// EnclosedVolume returns the signed volume bounded by the mesh using the
// divergence theorem. It is positive for closed, outward-wound surfaces.
func (m *Mesh) EnclosedVolume() float64 {
	if m == nil {
		return 0
	}
	var vol float64
	for _, t := range m.Triangles {
		a, b, c := m.Vertices[t[0]], m.Vertices[t[1]], m.Vertices[t[2]]
		vol += r3.Dot(a, r3.Cross(b, c))
	}
	return vol / 6
}

// ComponentLabels groups triangles connected through shared vertices.
// It returns one label per triangle and the number of components; labels are
// numbered in order of each component's first triangle.
func (m *Mesh) ComponentLabels() ([]int, int) {
	if m == nil || len(m.Triangles) == 0 {
		return nil, 0
	}
	parent := make([]int32, len(m.Vertices))
	for i := range parent {
		parent[i] = int32(i)
	}
	find := func(x int32) int32 {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int32) {
		ra, rb := find(a), find(b)
		if ra != rb {
			if ra < rb {
				parent[rb] = ra
			} else {
				parent[ra] = rb
			}
		}
	}
	for _, t := range m.Triangles {
		union(t[0], t[1])
		union(t[1], t[2])
	}

	labels := make([]int, len(m.Triangles))
	rootLabel := make(map[int32]int)
	for i, t := range m.Triangles {
		root := find(t[0])
		label, ok := rootLabel[root]
		if !ok {
			label = len(rootLabel)
			rootLabel[root] = label
		}
		labels[i] = label
	}
	return labels, len(rootLabel)
}

// ComponentCount returns the number of connected components
func (m *Mesh) ComponentCount() int {
	_, n := m.ComponentLabels()
	return n
}
