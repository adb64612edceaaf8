package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ValidateID rejects empty or non-UUID identifiers
func ValidateID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: %s is required", ErrValidation, kind)
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: malformed %s %q", ErrValidation, kind, id)
	}
	return nil
}

// ValidateCoordinates checks latitude/longitude ranges
func ValidateCoordinates(lat, lon float64) error {
	if !finite(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude must be within [-90,90]", ErrValidation)
	}
	if !finite(lon) || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude must be within [-180,180]", ErrValidation)
	}
	return nil
}
