package session

import (
	"errors"

	"github.com/rs/zerolog"

	"dicomsurface/internal/models"
	"dicomsurface/pkg/config"
)

// Fallback parameter values used when the configuration lacks a usable entry
const (
	DefaultThreshold      = 100.0
	DefaultGaussRadius    = 1.5
	DefaultGaussDeviation = 1.0
	DefaultMorphRadius    = 1.0
)

// DefaultParameters returns the fallback parameter set
func DefaultParameters() models.ParameterSet {
	return models.ParameterSet{
		Threshold:      DefaultThreshold,
		GaussRadius:    DefaultGaussRadius,
		GaussDeviation: DefaultGaussDeviation,
		MorphRadius:    DefaultMorphRadius,
	}
}

// ParametersFromConfig reads the initial parameters. Each missing, malformed
// or invalid key is replaced by its fallback independently; that is logged
// and is not an error.
func ParametersFromConfig(cfg *config.Config, log zerolog.Logger) models.ParameterSet {
	params := DefaultParameters()
	if cfg == nil {
		log.Info().Msg("no configuration, using default parameters")
		return params
	}

	for _, name := range models.ParamNames {
		fallback, _ := params.Get(name)
		value, err := cfg.Float(string(name))
		if err == nil {
			err = params.Set(name, value)
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, config.ErrKeyNotFound):
			log.Info().Str("key", string(name)).Float64("fallback", fallback).Msg("config key missing, using fallback")
		default:
			log.Warn().Err(err).Str("key", string(name)).Float64("fallback", fallback).Msg("config value unusable, using fallback")
		}
	}
	return params
}
