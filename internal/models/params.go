package models

import (
	"fmt"
	"math"
)

// ParamName names one tunable extraction parameter
type ParamName string

// Parameter names, matching the configuration keys
const (
	// ParamThreshold selects the iso-value
	ParamThreshold ParamName = "threshold"

	// ParamGaussRadius is the Gaussian kernel radius factor
	ParamGaussRadius ParamName = "gauss_radius"

	// ParamGaussDeviation is the Gaussian standard deviation
	ParamGaussDeviation ParamName = "gauss_deviation"

	// ParamMorphRadius is the closing kernel size
	ParamMorphRadius ParamName = "morph_radius"
)

// ParamNames lists the tunables in display order
var ParamNames = []ParamName{ParamThreshold, ParamGaussRadius, ParamGaussDeviation, ParamMorphRadius}

// ParameterSet holds the current surface extraction parameters.
// Fields are independent; the only constraint is that each is a finite,
// non-negative number.
type ParameterSet struct {
	// Threshold selects the iso-value (directly or halved, depending on variant)
	Threshold float64

	// GaussRadius is the Gaussian kernel radius factor in standard deviations
	GaussRadius float64

	// GaussDeviation is the Gaussian standard deviation in voxels
	GaussDeviation float64

	// MorphRadius is the morphological closing kernel size in voxels
	MorphRadius float64
}

// ValidateValue reports whether value is acceptable for any parameter
func ValidateValue(name ParamName, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("parameter %s: value %v is not finite", name, value)
	}
	if value < 0 {
		return fmt.Errorf("parameter %s: value %v is negative", name, value)
	}
	return nil
}

// Validate checks every field
func (p ParameterSet) Validate() error {
	for _, name := range ParamNames {
		v, _ := p.Get(name)
		if err := ValidateValue(name, v); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the value of the named parameter
func (p ParameterSet) Get(name ParamName) (float64, error) {
	switch name {
	case ParamThreshold:
		return p.Threshold, nil
	case ParamGaussRadius:
		return p.GaussRadius, nil
	case ParamGaussDeviation:
		return p.GaussDeviation, nil
	case ParamMorphRadius:
		return p.MorphRadius, nil
	}
	return 0, fmt.Errorf("unknown parameter %q", name)
}

// Set assigns the named parameter after validating the value
func (p *ParameterSet) Set(name ParamName, value float64) error {
	if err := ValidateValue(name, value); err != nil {
		return err
	}
	switch name {
	case ParamThreshold:
		p.Threshold = value
	case ParamGaussRadius:
		p.GaussRadius = value
	case ParamGaussDeviation:
		p.GaussDeviation = value
	case ParamMorphRadius:
		p.MorphRadius = value
	default:
		return fmt.Errorf("unknown parameter %q", name)
	}
	return nil
}

func (p ParameterSet) String() string {
	return fmt.Sprintf("threshold=%g gauss_radius=%g gauss_deviation=%g morph_radius=%g",
		p.Threshold, p.GaussRadius, p.GaussDeviation, p.MorphRadius)
}
