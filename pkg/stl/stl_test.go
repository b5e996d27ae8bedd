package stl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"dicomsurface/internal/models"
	"dicomsurface/pkg/isosurface"
)

// createSphereMesh extracts the surface of a radius-5 ball in a 20^3 volume
func createSphereMesh() *models.Mesh {
	size := 20
	data := make([]float64, size*size*size)
	center := float64(size) / 2.0
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dx := float64(x) - center
				dy := float64(y) - center
				dz := float64(z) - center
				if math.Sqrt(dx*dx+dy*dy+dz*dz) < float64(size)/4.0 {
					data[z*size*size+y*size+x] = 1.0
				}
			}
		}
	}
	vol := models.NewScalarVolume(data, [3]int{size, size, size}, [3]float64{1, 1, 1}, [3]float64{})
	return isosurface.Extract(vol, 0.5)
}

func createQuadMesh() *models.Mesh {
	return &models.Mesh{
		Vertices:  []r3.Vec{{X: 0}, {X: 1}, {X: 1, Y: 1}, {Y: 1}},
		Normals:   []r3.Vec{{Z: 1}, {Z: 1}, {Z: 1}, {Z: 1}},
		Triangles: [][3]int32{{0, 1, 2}, {0, 2, 3}},
	}
}

// TestTrianglesFromSphere verifies facets of an extracted sphere face outward
func TestTrianglesFromSphere(t *testing.T) {
	triangles := Triangles(createSphereMesh())
	if len(triangles) < 100 {
		t.Fatalf("Expected at least 100 triangles for sphere, got %d", len(triangles))
	}

	for i, triangle := range triangles {
		centerX := (triangle.Vertex1[0] + triangle.Vertex2[0] + triangle.Vertex3[0]) / 3
		centerY := (triangle.Vertex1[1] + triangle.Vertex2[1] + triangle.Vertex3[1]) / 3
		centerZ := (triangle.Vertex1[2] + triangle.Vertex2[2] + triangle.Vertex3[2]) / 3

		vx, vy, vz := centerX-10, centerY-10, centerZ-10
		mag := float32(math.Sqrt(float64(vx*vx + vy*vy + vz*vz)))
		if mag > 0 {
			vx /= mag
			vy /= mag
			vz /= mag
		}

		// The binary ball is blocky, so only reject clearly inward facets
		dot := vx*triangle.Normal[0] + vy*triangle.Normal[1] + vz*triangle.Normal[2]
		if dot < -0.5 {
			t.Fatalf("Triangle %d normal points inward, dot product: %f", i, dot)
		}

		length := math.Sqrt(float64(triangle.Normal[0]*triangle.Normal[0] + triangle.Normal[1]*triangle.Normal[1] + triangle.Normal[2]*triangle.Normal[2]))
		if math.Abs(length-1) > 1e-5 {
			t.Fatalf("Triangle %d normal has length %f", i, length)
		}
	}
}

// TestSaveToSTL verifies that the STL file can be written
func TestSaveToSTL(t *testing.T) {
	triangles := []Triangle{
		{
			Normal:  [3]float32{0, 0, 1},
			Vertex1: [3]float32{0, 0, 0},
			Vertex2: [3]float32{1, 0, 0},
			Vertex3: [3]float32{0, 1, 0},
		},
	}

	path := filepath.Join(t.TempDir(), "test.stl")
	if err := SaveToSTL(path, triangles); err != nil {
		t.Fatalf("Failed to save STL: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read output file: %v", err)
	}

	// STL header: 80 bytes, facet count: 4 bytes, facet: 50 bytes
	if len(raw) != 80+4+50 {
		t.Fatalf("Expected %d bytes, got %d", 80+4+50, len(raw))
	}
	if n := binary.LittleEndian.Uint32(raw[80:84]); n != 1 {
		t.Errorf("Expected facet count 1, got %d", n)
	}
	// Second vertex x coordinate: offset 84 + normal(12) + vertex1(12)
	if x := math.Float32frombits(binary.LittleEndian.Uint32(raw[108:112])); x != 1 {
		t.Errorf("Expected vertex2.x = 1, got %v", x)
	}
}

func TestBinaryWriterSize(t *testing.T) {
	mesh := createSphereMesh()
	var buf bytes.Buffer
	if err := (BinaryWriter{}).Write(&buf, "sphere", mesh); err != nil {
		t.Fatal(err)
	}
	if want := 84 + 50*mesh.TriangleCount(); buf.Len() != want {
		t.Errorf("Expected %d bytes, got %d", want, buf.Len())
	}
	if !strings.HasPrefix(buf.String(), "dicomsurface sphere") {
		t.Errorf("Header does not carry the model name")
	}
}

func TestWriteASCII(t *testing.T) {
	var buf bytes.Buffer
	if err := (ASCIIWriter{}).Write(&buf, "quad", createQuadMesh()); err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	if !strings.HasPrefix(out, "solid quad\n") || !strings.HasSuffix(out, "endsolid quad\n") {
		t.Errorf("Missing solid header or footer:\n%s", out)
	}
	if n := strings.Count(out, "facet normal"); n != 2 {
		t.Errorf("Expected 2 facets, got %d", n)
	}
	if n := strings.Count(out, "vertex "); n != 6 {
		t.Errorf("Expected 6 vertices, got %d", n)
	}
	if !strings.Contains(out, "facet normal 0.000000e+00 0.000000e+00 1.000000e+00") {
		t.Errorf("Expected +z facet normal:\n%s", out)
	}
}

func TestWriteOBJ(t *testing.T) {
	var buf bytes.Buffer
	if err := (OBJWriter{}).Write(&buf, "quad", createQuadMesh()); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")

	counts := map[string]int{}
	for _, l := range lines {
		counts[strings.Fields(l)[0]]++
	}
	if counts["v"] != 4 || counts["vn"] != 4 || counts["f"] != 2 {
		t.Errorf("Unexpected element counts %v", counts)
	}
	if lines[len(lines)-1] != "f 1//1 3//3 4//4" {
		t.Errorf("Last face = %q", lines[len(lines)-1])
	}

	// Without normals faces reference vertices only
	mesh := createQuadMesh()
	mesh.Normals = nil
	buf.Reset()
	if err := WriteOBJ(&buf, "quad", mesh); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "f 1 2 3\n") {
		t.Errorf("Expected plain face indices:\n%s", buf.String())
	}
}

func TestForFormat(t *testing.T) {
	tests := []struct {
		format string
		ext    string
	}{
		{"", "stl"},
		{"stl", "stl"},
		{"STL-ASCII", "stl"},
		{"obj", "obj"},
	}
	for _, tt := range tests {
		w, err := ForFormat(tt.format)
		if err != nil {
			t.Errorf("ForFormat(%q) failed: %v", tt.format, err)
			continue
		}
		if w.Ext() != tt.ext {
			t.Errorf("ForFormat(%q).Ext() = %q, want %q", tt.format, w.Ext(), tt.ext)
		}
	}
	if _, err := ForFormat("ply"); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("ForFormat(ply) = %v, want ErrUnknownFormat", err)
	}
}

func TestSaveMesh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quad.obj")
	if err := SaveMesh(path, "quad", createQuadMesh(), OBJWriter{}); err != nil {
		t.Fatalf("SaveMesh failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Output missing: %v", err)
	}
	if err := SaveMesh(filepath.Join(t.TempDir(), "missing", "x.obj"), "x", createQuadMesh(), OBJWriter{}); err == nil {
		t.Error("Expected an error for a missing directory")
	}
}

// BenchmarkWriteBinary benchmarks encoding an extracted sphere
func BenchmarkWriteBinary(b *testing.B) {
	mesh := createSphereMesh()
	var buf bytes.Buffer
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		if err := (BinaryWriter{}).Write(&buf, "sphere", mesh); err != nil {
			b.Fatal(err)
		}
	}
}
