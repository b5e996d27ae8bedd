// Package volume resolves a scan directory to exactly one series and turns it
// into an axis-aligned scalar volume in patient space.
package volume

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"dicomsurface/internal/models"
)

var (
	// ErrInputNotFound means the path is missing or holds no recognisable scan data
	ErrInputNotFound = errors.New("scan input not found")

	// ErrAmbiguousStudy means the directory holds more than one study
	ErrAmbiguousStudy = errors.New("more than one study in directory")

	// ErrSeriesSelectionInvalid means the interactive series pick was unusable
	ErrSeriesSelectionInvalid = errors.New("invalid series selection")

	// ErrInvalidGeometry means the decoded series cannot be placed in patient space
	ErrInvalidGeometry = errors.New("invalid series geometry")
)

// RawSeries is a decoded series in its native slice order and geometry
type RawSeries struct {
	// Data holds the intensities, column index fastest, then row, then slice
	Data []float64

	// Dims is columns, rows, slices
	Dims [3]int

	// Spacing is column spacing, row spacing and slice spacing in mm
	Spacing [3]float64

	// Origin is the patient-space position of the first voxel of the first slice
	Origin [3]float64

	// Direction[i] is the patient-space unit vector of index axis i
	// (row cosine, column cosine, slice normal)
	Direction [3][3]float64
}

// Series is one selectable series of a study
type Series struct {
	models.SeriesDescriptor

	// Load decodes the slices of the series
	Load func() (*RawSeries, error)
}

// Study groups the series sharing a study instance UID
type Study struct {
	UID         string
	Description string
	Series      []Series
}

// Scanner discovers studies and series below a directory.
// pkg/dicomdir provides the DICOM implementation.
type Scanner interface {
	Scan(dir string) ([]Study, error)
}

// Locate checks the directory and returns its single study
func Locate(scanner Scanner, dir string) (*Study, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInputNotFound, dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInputNotFound, dir)
	}

	studies, err := scanner.Scan(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}

	switch len(studies) {
	case 0:
		return nil, fmt.Errorf("%w: no studies in %s", ErrInputNotFound, dir)
	case 1:
		return &studies[0], nil
	default:
		return nil, fmt.Errorf("%w: found %d studies in %s, a directory with one study is required",
			ErrAmbiguousStudy, len(studies), dir)
	}
}

// Descriptors returns the ordered descriptor table of a study
func (s *Study) Descriptors() []models.SeriesDescriptor {
	descs := make([]models.SeriesDescriptor, len(s.Series))
	for i, series := range s.Series {
		descs[i] = series.SeriesDescriptor
	}
	return descs
}

// DisambiguateSeries selects the series to reconstruct. A study with a single
// series needs no input; otherwise chooser must name one of the listed indexes.
func DisambiguateSeries(study *Study, chooser SeriesChooser) (*Series, error) {
	switch len(study.Series) {
	case 0:
		return nil, fmt.Errorf("%w: study %s has no series", ErrInputNotFound, study.UID)
	case 1:
		return &study.Series[0], nil
	}

	if chooser == nil {
		return nil, fmt.Errorf("%w: %d series found and no way to choose", ErrSeriesSelectionInvalid, len(study.Series))
	}

	answer, err := chooser.Choose(study.Descriptors())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSeriesSelectionInvalid, err)
	}

	index, err := strconv.Atoi(strings.TrimSpace(answer))
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a number", ErrSeriesSelectionInvalid, strings.TrimSpace(answer))
	}

	for i := range study.Series {
		if study.Series[i].Index == index {
			return &study.Series[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %d is not one of the %d listed series", ErrSeriesSelectionInvalid, index, len(study.Series))
}

// Source composes locate, series selection and materialisation
type Source struct {
	Scanner Scanner
	Chooser SeriesChooser
	Options Options
	Log     zerolog.Logger
}

// Open produces the session volume for dir. Every error is fatal to the session.
func (s *Source) Open(dir string) (*models.ScalarVolume, error) {
	study, err := Locate(s.Scanner, dir)
	if err != nil {
		return nil, err
	}
	s.Log.Info().Str("study", study.UID).Int("series", len(study.Series)).Msg("study located")

	series, err := DisambiguateSeries(study, s.Chooser)
	if err != nil {
		return nil, err
	}
	s.Log.Info().
		Int("index", series.Index).
		Str("description", series.Description).
		Str("modality", series.Modality).
		Int("slices", series.Slices).
		Msg("series selected")

	raw, err := series.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load series %d: %w", series.Index, err)
	}

	opts := s.Options
	opts.Log = s.Log
	return Materialize(raw, opts)
}
