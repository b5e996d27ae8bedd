// Package dicomdir discovers DICOM studies and series in a directory tree and
// decodes a chosen series into native slices.
package dicomdir

import (
	"fmt"
	"io/fs"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gonum.org/v1/gonum/spatial/r3"

	"dicomsurface/internal/models"
	"dicomsurface/pkg/volume"
)

// DefaultScanDepth limits how deep below the input directory files are looked for
const DefaultScanDepth = 6

// Scanner implements volume.Scanner for DICOM files
type Scanner struct {
	// MaxDepth is the number of directory levels searched (default DefaultScanDepth)
	MaxDepth int

	Log zerolog.Logger
}

// sliceHeader is what discovery needs from each file
type sliceHeader struct {
	Path              string
	StudyUID          string
	StudyDescription  string
	SeriesUID         string
	SeriesNumber      int
	SeriesDescription string
	Modality          string
	Rows, Columns     int
	Frames            int
	Instance          int
	Position          r3.Vec
	HasPosition       bool
	RowCosine         r3.Vec
	ColumnCosine      r3.Vec
	HasOrientation    bool
	PixelSpacing      [2]float64
	SliceThickness    float64
	SliceSpacing      float64
}

// Scan walks dir and groups every parseable image file by study and series
func (s *Scanner) Scan(dir string) ([]volume.Study, error) {
	depth := s.MaxDepth
	if depth <= 0 {
		depth = DefaultScanDepth
	}

	var headers []sliceHeader
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			rel, _ := filepath.Rel(dir, path)
			if rel != "." && strings.Count(rel, string(filepath.Separator))+1 > depth {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		ds, perr := dicom.ParseFile(path, nil, dicom.SkipPixelData())
		if perr != nil {
			s.Log.Debug().Str("file", path).Err(perr).Msg("skipping unreadable file")
			return nil
		}
		h, ok := readHeader(ds)
		if !ok {
			s.Log.Debug().Str("file", path).Msg("skipping file without image data")
			return nil
		}
		h.Path = path
		headers = append(headers, h)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}

	s.Log.Info().Int("files", len(headers)).Str("dir", dir).Msg("scanned directory")
	return groupSlices(headers, s.Log), nil
}

// readHeader extracts the discovery fields; ok is false for non-image files
func readHeader(ds dicom.Dataset) (sliceHeader, bool) {
	var h sliceHeader
	h.Rows = intValue(ds, tag.Rows, 0)
	h.Columns = intValue(ds, tag.Columns, 0)
	if h.Rows <= 0 || h.Columns <= 0 {
		return h, false
	}

	h.StudyUID = stringValue(ds, tag.StudyInstanceUID)
	h.StudyDescription = stringValue(ds, tag.StudyDescription)
	h.SeriesUID = stringValue(ds, tag.SeriesInstanceUID)
	h.SeriesNumber = intValue(ds, tag.SeriesNumber, 0)
	h.SeriesDescription = stringValue(ds, tag.SeriesDescription)
	h.Modality = stringValue(ds, tag.Modality)
	h.Instance = intValue(ds, tag.InstanceNumber, 0)
	h.Frames = intValue(ds, tag.NumberOfFrames, 1)

	if pos := floatValues(ds, tag.ImagePositionPatient); len(pos) == 3 {
		h.Position = r3.Vec{X: pos[0], Y: pos[1], Z: pos[2]}
		h.HasPosition = true
	}
	if ori := floatValues(ds, tag.ImageOrientationPatient); len(ori) == 6 {
		h.RowCosine = r3.Unit(r3.Vec{X: ori[0], Y: ori[1], Z: ori[2]})
		h.ColumnCosine = r3.Unit(r3.Vec{X: ori[3], Y: ori[4], Z: ori[5]})
		h.HasOrientation = true
	}
	if ps := floatValues(ds, tag.PixelSpacing); len(ps) == 2 {
		h.PixelSpacing = [2]float64{ps[0], ps[1]}
	}
	if st := floatValues(ds, tag.SliceThickness); len(st) > 0 {
		h.SliceThickness = st[0]
	}
	if sp := floatValues(ds, tag.SpacingBetweenSlices); len(sp) > 0 {
		h.SliceSpacing = sp[0]
	}
	return h, true
}

// normal returns the slice normal of the header, +z when orientation is unknown
func (h *sliceHeader) normal() r3.Vec {
	if !h.HasOrientation {
		return r3.Vec{Z: 1}
	}
	return r3.Unit(r3.Cross(h.RowCosine, h.ColumnCosine))
}

// groupSlices builds the study/series tree. Studies are ordered by UID, series
// by series number then UID, slices by position along the slice normal.
func groupSlices(headers []sliceHeader, log zerolog.Logger) []volume.Study {
	type seriesKey struct{ study, series string }
	bySeries := map[seriesKey][]sliceHeader{}
	studyDesc := map[string]string{}
	for _, h := range headers {
		k := seriesKey{h.StudyUID, h.SeriesUID}
		bySeries[k] = append(bySeries[k], h)
		if studyDesc[h.StudyUID] == "" {
			studyDesc[h.StudyUID] = h.StudyDescription
		}
	}

	studyUIDs := make([]string, 0, len(studyDesc))
	for uid := range studyDesc {
		studyUIDs = append(studyUIDs, uid)
	}
	sort.Strings(studyUIDs)

	studies := make([]volume.Study, 0, len(studyUIDs))
	for _, uid := range studyUIDs {
		var keys []seriesKey
		for k := range bySeries {
			if k.study == uid {
				keys = append(keys, k)
			}
		}
		sort.Slice(keys, func(i, j int) bool {
			ni, nj := bySeries[keys[i]][0].SeriesNumber, bySeries[keys[j]][0].SeriesNumber
			if ni != nj {
				return ni < nj
			}
			return keys[i].series < keys[j].series
		})

		study := volume.Study{UID: uid, Description: studyDesc[uid]}
		for i, k := range keys {
			slices := sortSlices(bySeries[k])
			first := slices[0]
			count := len(slices)
			if count == 1 && first.Frames > 1 {
				count = first.Frames
			}
			study.Series = append(study.Series, volume.Series{
				SeriesDescriptor: models.SeriesDescriptor{
					Index:       i,
					Description: first.SeriesDescription,
					Modality:    first.Modality,
					Rows:        first.Rows,
					Columns:     first.Columns,
					Slices:      count,
				},
				Load: loader(slices, log),
			})
		}
		studies = append(studies, study)
	}
	return studies
}

// sortSlices orders slices by position along the normal, then instance number
func sortSlices(slices []sliceHeader) []sliceHeader {
	out := append([]sliceHeader(nil), slices...)
	n := out[0].normal()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].HasPosition && out[j].HasPosition {
			di, dj := r3.Dot(out[i].Position, n), r3.Dot(out[j].Position, n)
			if math.Abs(di-dj) > 1e-6 {
				return di < dj
			}
		}
		return out[i].Instance < out[j].Instance
	})
	return out
}

// geometry derives the native spacing, origin and direction of a sorted series
func geometry(slices []sliceHeader) (spacing [3]float64, origin [3]float64, direction [3][3]float64) {
	first := slices[0]
	n := first.normal()
	row, col := r3.Vec{X: 1}, r3.Vec{Y: 1}
	if first.HasOrientation {
		row, col = first.RowCosine, first.ColumnCosine
	}
	direction = [3][3]float64{{row.X, row.Y, row.Z}, {col.X, col.Y, col.Z}, {n.X, n.Y, n.Z}}

	// PixelSpacing holds the row spacing first, then the column spacing
	spacing[0], spacing[1] = first.PixelSpacing[1], first.PixelSpacing[0]
	if spacing[0] <= 0 {
		spacing[0] = 1
	}
	if spacing[1] <= 0 {
		spacing[1] = 1
	}

	spacing[2] = 0
	if len(slices) > 1 && first.HasPosition && slices[1].HasPosition {
		spacing[2] = r3.Dot(r3.Sub(slices[1].Position, first.Position), n)
	}
	if spacing[2] <= 0 {
		spacing[2] = first.SliceSpacing
	}
	if spacing[2] <= 0 {
		spacing[2] = first.SliceThickness
	}
	if spacing[2] <= 0 {
		spacing[2] = 1
	}

	if first.HasPosition {
		origin = [3]float64{first.Position.X, first.Position.Y, first.Position.Z}
	}
	return spacing, origin, direction
}

// loader returns the decode function of a sorted series
func loader(slices []sliceHeader, log zerolog.Logger) func() (*volume.RawSeries, error) {
	return func() (*volume.RawSeries, error) {
		first := slices[0]
		cols, rows := first.Columns, first.Rows
		plane := cols * rows

		var data []float64
		for _, h := range slices {
			if h.Rows != rows || h.Columns != cols {
				return nil, fmt.Errorf("%s: slice is %dx%d, series is %dx%d", h.Path, h.Columns, h.Rows, cols, rows)
			}
			ds, err := dicom.ParseFile(h.Path, nil)
			if err != nil {
				return nil, fmt.Errorf("decoding %s: %w", h.Path, err)
			}
			frames, err := decodeFrames(ds, plane)
			if err != nil {
				return nil, fmt.Errorf("decoding %s: %w", h.Path, err)
			}
			data = append(data, frames...)
		}

		raw := &volume.RawSeries{
			Data: data,
			Dims: [3]int{cols, rows, len(data) / plane},
		}
		raw.Spacing, raw.Origin, raw.Direction = geometry(slices)
		log.Info().
			Ints("dims", raw.Dims[:]).
			Floats64("spacing", raw.Spacing[:]).
			Msg("series decoded")
		return raw, nil
	}
}

// decodeFrames returns the rescaled intensities of every native frame in ds
func decodeFrames(ds dicom.Dataset, plane int) ([]float64, error) {
	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("no pixel data: %w", err)
	}
	if elem.Value.ValueType() != dicom.PixelData {
		return nil, fmt.Errorf("unexpected pixel data value %T", elem.Value.GetValue())
	}
	info := dicom.MustGetPixelDataInfo(elem.Value)

	slope, intercept := 1.0, 0.0
	if v := floatValues(ds, tag.RescaleSlope); len(v) > 0 && v[0] != 0 {
		slope = v[0]
	}
	if v := floatValues(ds, tag.RescaleIntercept); len(v) > 0 {
		intercept = v[0]
	}
	signed := intValue(ds, tag.PixelRepresentation, 0) == 1
	bits := intValue(ds, tag.BitsStored, 0)

	var out []float64
	for _, fr := range info.Frames {
		native, err := fr.GetNativeFrame()
		if err != nil {
			return nil, fmt.Errorf("compressed pixel data is not supported: %w", err)
		}
		pixels := native.Data
		if len(pixels) != plane {
			return nil, fmt.Errorf("frame holds %d pixels, expected %d", len(pixels), plane)
		}
		for _, px := range pixels {
			v := 0
			if len(px) > 0 {
				v = px[0]
			}
			out = append(out, slope*float64(toSigned(v, bits, signed))+intercept)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no frames")
	}
	return out, nil
}

// toSigned reinterprets a stored value as two's complement when the pixel
// representation is signed and the decoder returned it unsigned
func toSigned(v, bits int, signed bool) int {
	if !signed || bits <= 0 || bits >= 63 {
		return v
	}
	if v >= 1<<(bits-1) && v < 1<<bits {
		return v - 1<<bits
	}
	return v
}

func stringValue(ds dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	return firstString(elem.Value.GetValue())
}

func intValue(ds dicom.Dataset, t tag.Tag, fallback int) int {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return fallback
	}
	v := parseFloats(elem.Value.GetValue())
	if len(v) == 0 {
		return fallback
	}
	return int(v[0])
}

func floatValues(ds dicom.Dataset, t tag.Tag) []float64 {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return nil
	}
	return parseFloats(elem.Value.GetValue())
}

func firstString(v interface{}) string {
	switch s := v.(type) {
	case []string:
		if len(s) > 0 {
			return strings.TrimSpace(s[0])
		}
	case string:
		return strings.TrimSpace(s)
	}
	return ""
}

// parseFloats converts decoded element values to numbers. Decimal and integer
// strings may carry several values separated by backslashes.
func parseFloats(v interface{}) []float64 {
	var out []float64
	switch vals := v.(type) {
	case []int:
		for _, i := range vals {
			out = append(out, float64(i))
		}
	case []float64:
		out = append(out, vals...)
	case []string:
		for _, s := range vals {
			for _, part := range strings.Split(s, `\`) {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				f, err := strconv.ParseFloat(part, 64)
				if err != nil {
					return nil
				}
				out = append(out, f)
			}
		}
	}
	return out
}
