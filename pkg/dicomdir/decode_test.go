package dicomdir

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"dicomsurface/pkg/volume"
)

const explicitVRLittleEndian = "1.2.840.10008.1.2.1"

// fixtureSlice describes one DICOM file written for a test
type fixtureSlice struct {
	study, series string
	number        int
	instance      int
	z             float64
	rows, cols    int

	// frames holds the stored pixel values of each frame, row by row
	frames [][]int

	slope, intercept string
	signed           bool
}

func float64String(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func mustElement(t *testing.T, tg tag.Tag, value interface{}) *dicom.Element {
	t.Helper()
	elem, err := dicom.NewElement(tg, value)
	if err != nil {
		t.Fatalf("Failed to build element %v: %v", tg, err)
	}
	return elem
}

// writeFixture writes s to path as an explicit VR little endian file
func writeFixture(t *testing.T, path string, s fixtureSlice) {
	t.Helper()

	var frames []frame.Frame
	for _, pixels := range s.frames {
		data := make([][]int, len(pixels))
		for i, v := range pixels {
			data[i] = []int{v}
		}
		frames = append(frames, frame.Frame{
			Encapsulated: false,
			NativeData: frame.NativeFrame{
				BitsPerSample: 16,
				Rows:          s.rows,
				Cols:          s.cols,
				Data:          data,
			},
		})
	}

	representation := 0
	if s.signed {
		representation = 1
	}
	instanceUID := s.series + "." + strconv.Itoa(s.instance)

	elements := []*dicom.Element{
		mustElement(t, tag.FileMetaInformationVersion, []byte{0, 1}),
		mustElement(t, tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.4"}),
		mustElement(t, tag.MediaStorageSOPInstanceUID, []string{instanceUID}),
		mustElement(t, tag.TransferSyntaxUID, []string{explicitVRLittleEndian}),
		mustElement(t, tag.SOPInstanceUID, []string{instanceUID}),
		mustElement(t, tag.Modality, []string{"MR"}),
		mustElement(t, tag.StudyDescription, []string{"HEAD"}),
		mustElement(t, tag.SeriesDescription, []string{"T1 " + s.series}),
		mustElement(t, tag.StudyInstanceUID, []string{s.study}),
		mustElement(t, tag.SeriesInstanceUID, []string{s.series}),
		mustElement(t, tag.SeriesNumber, []string{strconv.Itoa(s.number)}),
		mustElement(t, tag.InstanceNumber, []string{strconv.Itoa(s.instance)}),
		mustElement(t, tag.ImagePositionPatient, []string{"-10", "20", float64String(s.z)}),
		mustElement(t, tag.ImageOrientationPatient, []string{"1", "0", "0", "0", "1", "0"}),
		mustElement(t, tag.PixelSpacing, []string{"0.5", "0.8"}),
		mustElement(t, tag.SliceThickness, []string{"2.5"}),
		mustElement(t, tag.SamplesPerPixel, []int{1}),
		mustElement(t, tag.Rows, []int{s.rows}),
		mustElement(t, tag.Columns, []int{s.cols}),
		mustElement(t, tag.BitsAllocated, []int{16}),
		mustElement(t, tag.BitsStored, []int{16}),
		mustElement(t, tag.HighBit, []int{15}),
		mustElement(t, tag.PixelRepresentation, []int{representation}),
	}
	if len(s.frames) > 1 {
		elements = append(elements, mustElement(t, tag.NumberOfFrames, []string{strconv.Itoa(len(s.frames))}))
	}
	if s.slope != "" {
		elements = append(elements, mustElement(t, tag.RescaleSlope, []string{s.slope}))
	}
	if s.intercept != "" {
		elements = append(elements, mustElement(t, tag.RescaleIntercept, []string{s.intercept}))
	}
	elements = append(elements, mustElement(t, tag.PixelData, dicom.PixelDataInfo{
		IsEncapsulated: false,
		Frames:         frames,
	}))

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := dicom.Write(f, dicom.Dataset{Elements: elements}); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

// plane returns rows*cols stored values starting at base
func plane(rows, cols, base int) []int {
	out := make([]int, rows*cols)
	for i := range out {
		out[i] = base + i
	}
	return out
}

func TestScanAndLoadSeries(t *testing.T) {
	dir := t.TempDir()

	// Written out of order; instance numbers disagree with positions
	for _, s := range []struct {
		file     string
		instance int
		z        float64
		base     int
	}{
		{"b.dcm", 1, 5, 200},
		{"a.dcm", 3, 0, 100},
		{"sub/c.dcm", 2, 10, 300},
	} {
		writeFixture(t, filepath.Join(dir, s.file), fixtureSlice{
			study: "1.2.3", series: "1.2.3.1", number: 4,
			instance: s.instance, z: s.z, rows: 2, cols: 3,
			frames: [][]int{plane(2, 3, s.base)},
			slope:  "2", intercept: "-5",
		})
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not an image"), 0644); err != nil {
		t.Fatal(err)
	}

	studies, err := (&Scanner{Log: zerolog.Nop()}).Scan(dir)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(studies) != 1 || len(studies[0].Series) != 1 {
		t.Fatalf("Expected 1 study with 1 series, got %+v", studies)
	}
	series := studies[0].Series[0]
	if series.Rows != 2 || series.Columns != 3 || series.Slices != 3 || series.Modality != "MR" {
		t.Errorf("Unexpected descriptor %+v", series.SeriesDescriptor)
	}

	raw, err := series.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if raw.Dims != [3]int{3, 2, 3} {
		t.Fatalf("Expected dims [3 2 3], got %v", raw.Dims)
	}
	if raw.Spacing != [3]float64{0.8, 0.5, 5} {
		t.Errorf("Expected spacing [0.8 0.5 5], got %v", raw.Spacing)
	}
	if raw.Origin != [3]float64{-10, 20, 0} {
		t.Errorf("Expected origin [-10 20 0], got %v", raw.Origin)
	}
	if raw.Direction[2] != [3]float64{0, 0, 1} {
		t.Errorf("Expected slice normal +z, got %v", raw.Direction[2])
	}

	// Slices follow position: z=0 (base 100), z=5 (200), z=10 (300)
	for k, base := range []int{100, 200, 300} {
		for i := 0; i < 6; i++ {
			want := 2*float64(base+i) - 5
			if got := raw.Data[k*6+i]; got != want {
				t.Fatalf("slice %d pixel %d = %v, want %v", k, i, got, want)
			}
		}
	}
}

func TestLoadSignedPixels(t *testing.T) {
	dir := t.TempDir()
	stored := []int{65531, 0, 7, 32768}
	writeFixture(t, filepath.Join(dir, "ct.dcm"), fixtureSlice{
		study: "1.9", series: "1.9.1", number: 1, instance: 1,
		rows: 2, cols: 2, frames: [][]int{stored},
		slope: "1", intercept: "-1024", signed: true,
	})

	studies, err := (&Scanner{Log: zerolog.Nop()}).Scan(dir)
	if err != nil || len(studies) != 1 {
		t.Fatalf("Scan: %v, %d studies", err, len(studies))
	}
	raw, err := studies[0].Series[0].Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := []float64{-5 - 1024, -1024, 7 - 1024, -32768 - 1024}
	for i := range want {
		if raw.Data[i] != want[i] {
			t.Errorf("pixel %d = %v, want %v", i, raw.Data[i], want[i])
		}
	}
}

func TestLoadMultiFrame(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, filepath.Join(dir, "cine.dcm"), fixtureSlice{
		study: "1.7", series: "1.7.1", number: 1, instance: 1,
		rows: 2, cols: 2,
		frames: [][]int{plane(2, 2, 0), plane(2, 2, 10), plane(2, 2, 20)},
	})

	studies, err := (&Scanner{Log: zerolog.Nop()}).Scan(dir)
	if err != nil || len(studies) != 1 {
		t.Fatalf("Scan: %v, %d studies", err, len(studies))
	}
	series := studies[0].Series[0]
	if series.Slices != 3 {
		t.Errorf("Expected 3 slices from 3 frames, got %d", series.Slices)
	}

	raw, err := series.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if raw.Dims != [3]int{2, 2, 3} {
		t.Fatalf("Expected dims [2 2 3], got %v", raw.Dims)
	}
	// A single file has no neighbour, so the slice thickness is the spacing
	if math.Abs(raw.Spacing[2]-2.5) > 1e-12 {
		t.Errorf("Expected slice spacing 2.5, got %v", raw.Spacing[2])
	}
	if raw.Data[4] != 10 || raw.Data[11] != 23 {
		t.Errorf("Frames out of order: %v", raw.Data)
	}
}

func TestScanTwoStudiesIsAmbiguous(t *testing.T) {
	dir := t.TempDir()
	for i, study := range []string{"1.2.3", "1.2.4"} {
		writeFixture(t, filepath.Join(dir, study+".dcm"), fixtureSlice{
			study: study, series: study + ".1", number: 1, instance: i + 1,
			rows: 2, cols: 2, frames: [][]int{plane(2, 2, 0)},
		})
	}

	_, err := volume.Locate(&Scanner{Log: zerolog.Nop()}, dir)
	if !errors.Is(err, volume.ErrAmbiguousStudy) {
		t.Errorf("Expected ErrAmbiguousStudy, got %v", err)
	}
}

func TestScanTwoSeriesSelection(t *testing.T) {
	dir := t.TempDir()
	for _, s := range []struct {
		series string
		number int
	}{{"1.2.3.9", 9}, {"1.2.3.2", 2}} {
		writeFixture(t, filepath.Join(dir, s.series+".dcm"), fixtureSlice{
			study: "1.2.3", series: s.series, number: s.number, instance: 1,
			rows: 2, cols: 2, frames: [][]int{plane(2, 2, s.number)},
		})
	}

	scanner := &Scanner{Log: zerolog.Nop()}
	study, err := volume.Locate(scanner, dir)
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if len(study.Series) != 2 || study.Series[0].Description != "T1 1.2.3.2" {
		t.Fatalf("Expected series ordered by number, got %+v", study.Series)
	}

	if _, err := volume.DisambiguateSeries(study, volume.StaticChooser("99")); !errors.Is(err, volume.ErrSeriesSelectionInvalid) {
		t.Errorf("Expected ErrSeriesSelectionInvalid, got %v", err)
	}

	series, err := volume.DisambiguateSeries(study, volume.StaticChooser("1"))
	if err != nil {
		t.Fatalf("Selection failed: %v", err)
	}
	raw, err := series.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if raw.Data[0] != 9 {
		t.Errorf("Loaded the wrong series: first pixel %v", raw.Data[0])
	}
}
