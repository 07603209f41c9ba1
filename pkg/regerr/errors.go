// Package regerr defines the failure taxonomy of a registration run.
// Every error here is fatal for the volume pair being processed; none of
// them is retried.
package regerr

import (
	"errors"
	"fmt"
)

// ConfigurationError reports missing or contradictory inputs, e.g. a run
// that requests no output at all.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// GeometryError reports degenerate geometry: a singular affine, a
// non-invertible transform or a volume with too many dimensions.
type GeometryError struct {
	Op     string // operation that detected the problem
	Reason string
	Err    error // optional underlying cause
}

func (e *GeometryError) Error() string {
	if e.Op == "" {
		return "geometry error: " + e.Reason
	}
	return fmt.Sprintf("geometry error in %s: %s", e.Op, e.Reason)
}

func (e *GeometryError) Unwrap() error { return e.Err }

// InsufficientLandmarksError is returned when the landmark solve is
// underdetermined.
type InsufficientLandmarksError struct {
	Found    int
	Required int
	Reason   string
}

func (e *InsufficientLandmarksError) Error() string {
	msg := fmt.Sprintf("insufficient landmarks: found %d valid correspondences, need at least %d", e.Found, e.Required)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

// SegmentationValidityError reports a segmentation that cannot be used for
// landmark extraction.
type SegmentationValidityError struct {
	Source string
	Reason string
}

func (e *SegmentationValidityError) Error() string {
	if e.Source == "" {
		return "invalid segmentation: " + e.Reason
	}
	return fmt.Sprintf("invalid segmentation %s: %s", e.Source, e.Reason)
}

// ExternalServiceError carries a failure of the segmentation or deformation
// predictor. Unwrap returns the predictor's error unchanged.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s service failed: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// IsFatal reports whether err belongs to the registration taxonomy.
func IsFatal(err error) bool {
	var (
		cfg *ConfigurationError
		geo *GeometryError
		lm  *InsufficientLandmarksError
		seg *SegmentationValidityError
		ext *ExternalServiceError
	)
	return errors.As(err, &cfg) || errors.As(err, &geo) || errors.As(err, &lm) ||
		errors.As(err, &seg) || errors.As(err, &ext)
}

// Kind returns a short label for err, used for logging and metrics.
func Kind(err error) string {
	var (
		cfg *ConfigurationError
		geo *GeometryError
		lm  *InsufficientLandmarksError
		seg *SegmentationValidityError
		ext *ExternalServiceError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &cfg):
		return "configuration"
	case errors.As(err, &geo):
		return "geometry"
	case errors.As(err, &lm):
		return "landmarks"
	case errors.As(err, &seg):
		return "segmentation"
	case errors.As(err, &ext):
		return "external"
	default:
		return "other"
	}
}
