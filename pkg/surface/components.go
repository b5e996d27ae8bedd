package surface

import (
	"gonum.org/v1/gonum/spatial/r3"

	"dicomsurface/internal/models"
)

// LargestComponent keeps the connected component with the most triangles.
// Ties go to the component whose first triangle comes first. Unused vertices
// are dropped and indices renumbered in order of first use.
func LargestComponent(mesh *models.Mesh) *models.Mesh {
	labels, n := mesh.ComponentLabels()
	if n <= 1 {
		return mesh
	}

	sizes := make([]int, n)
	for _, l := range labels {
		sizes[l]++
	}
	best := 0
	for l, size := range sizes {
		if size > sizes[best] {
			best = l
		}
	}

	out := &models.Mesh{Triangles: make([][3]int32, 0, sizes[best])}
	remap := make(map[int32]int32)
	for i, t := range mesh.Triangles {
		if labels[i] != best {
			continue
		}
		var nt [3]int32
		for k, idx := range t {
			id, ok := remap[idx]
			if !ok {
				id = int32(len(out.Vertices))
				remap[idx] = id
				out.Vertices = append(out.Vertices, mesh.Vertices[idx])
				if idx < int32(len(mesh.Normals)) {
					out.Normals = append(out.Normals, mesh.Normals[idx])
				} else {
					out.Normals = append(out.Normals, r3.Vec{})
				}
			}
			nt[k] = id
		}
		out.Triangles = append(out.Triangles, nt)
	}
	return out
}
