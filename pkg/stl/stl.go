// Package stl writes surface meshes as binary STL, ASCII STL or Wavefront OBJ.
package stl

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"dicomsurface/internal/models"
)

// ErrUnknownFormat is returned by ForFormat
var ErrUnknownFormat = errors.New("unknown mesh format")

// Triangle is one STL facet
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// MeshWriter encodes a mesh in one file format
type MeshWriter interface {
	// Ext is the file extension without the dot
	Ext() string
	Write(w io.Writer, name string, mesh *models.Mesh) error
}

// ForFormat returns the writer for a model_format value: stl, stl-ascii or obj
func ForFormat(format string) (MeshWriter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "stl", "stl-binary":
		return BinaryWriter{}, nil
	case "stl-ascii":
		return ASCIIWriter{}, nil
	case "obj":
		return OBJWriter{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// Triangles converts mesh faces to STL facets with unit face normals
func Triangles(mesh *models.Mesh) []Triangle {
	if mesh == nil {
		return nil
	}
	out := make([]Triangle, len(mesh.Triangles))
	for i, t := range mesh.Triangles {
		n := mesh.FaceNormal(i)
		if r3.Norm(n) > 0 {
			n = r3.Unit(n)
		}
		out[i] = Triangle{
			Normal:  vec32(n),
			Vertex1: vec32(mesh.Vertices[t[0]]),
			Vertex2: vec32(mesh.Vertices[t[1]]),
			Vertex3: vec32(mesh.Vertices[t[2]]),
		}
	}
	return out
}

func vec32(v r3.Vec) [3]float32 {
	return [3]float32{float32(v.X), float32(v.Y), float32(v.Z)}
}

// SaveToSTL writes triangles to filename as binary STL
func SaveToSTL(filename string, triangles []Triangle) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := WriteBinary(file, "", triangles); err != nil {
		return err
	}
	return file.Close()
}

// WriteBinary encodes triangles as binary STL: an 80 byte header, the facet
// count and 50 bytes per facet
func WriteBinary(w io.Writer, name string, triangles []Triangle) error {
	bw := bufio.NewWriter(w)

	var header [80]byte
	copy(header[:], "dicomsurface "+name)
	if _, err := bw.Write(header[:]); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(triangles))); err != nil {
		return err
	}

	type facet struct {
		Triangle
		Attribute uint16
	}
	for _, t := range triangles {
		if err := binary.Write(bw, binary.LittleEndian, facet{Triangle: t}); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteASCII encodes triangles as an ASCII STL solid
func WriteASCII(w io.Writer, name string, triangles []Triangle) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "solid %s\n", name)
	for _, t := range triangles {
		fmt.Fprintf(bw, "  facet normal %e %e %e\n", t.Normal[0], t.Normal[1], t.Normal[2])
		fmt.Fprintln(bw, "    outer loop")
		for _, v := range [3][3]float32{t.Vertex1, t.Vertex2, t.Vertex3} {
			fmt.Fprintf(bw, "      vertex %e %e %e\n", v[0], v[1], v[2])
		}
		fmt.Fprintln(bw, "    endloop")
		fmt.Fprintln(bw, "  endfacet")
	}
	fmt.Fprintf(bw, "endsolid %s\n", name)
	return bw.Flush()
}

// WriteOBJ encodes mesh as Wavefront OBJ with per-vertex normals
func WriteOBJ(w io.Writer, name string, mesh *models.Mesh) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "o %s\n", name)
	for _, v := range mesh.Vertices {
		fmt.Fprintf(bw, "v %g %g %g\n", v.X, v.Y, v.Z)
	}
	hasNormals := len(mesh.Normals) == len(mesh.Vertices)
	if hasNormals {
		for _, n := range mesh.Normals {
			fmt.Fprintf(bw, "vn %g %g %g\n", n.X, n.Y, n.Z)
		}
	}
	for _, t := range mesh.Triangles {
		// OBJ indices are 1-based
		a, b, c := t[0]+1, t[1]+1, t[2]+1
		if hasNormals {
			fmt.Fprintf(bw, "f %d//%d %d//%d %d//%d\n", a, a, b, b, c, c)
		} else {
			fmt.Fprintf(bw, "f %d %d %d\n", a, b, c)
		}
	}
	return bw.Flush()
}

// BinaryWriter writes binary STL
type BinaryWriter struct{}

// Ext returns the file extension for binary STL
func (BinaryWriter) Ext() string { return "stl" }

// Write encodes mesh as binary STL
func (BinaryWriter) Write(w io.Writer, name string, mesh *models.Mesh) error {
	return WriteBinary(w, name, Triangles(mesh))
}

// ASCIIWriter writes ASCII STL
type ASCIIWriter struct{}

// Ext returns the file extension for ASCII STL
func (ASCIIWriter) Ext() string { return "stl" }

// Write encodes mesh as ASCII STL
func (ASCIIWriter) Write(w io.Writer, name string, mesh *models.Mesh) error {
	return WriteASCII(w, name, Triangles(mesh))
}

// OBJWriter writes Wavefront OBJ
type OBJWriter struct{}

// Ext returns the file extension for Wavefront OBJ
func (OBJWriter) Ext() string { return "obj" }

// Write encodes mesh as Wavefront OBJ
func (OBJWriter) Write(w io.Writer, name string, mesh *models.Mesh) error {
	return WriteOBJ(w, name, mesh)
}

// SaveMesh writes mesh to path with writer
func SaveMesh(path, name string, mesh *models.Mesh, writer MeshWriter) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := writer.Write(file, name, mesh); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return file.Close()
}
