package api

import (
	"fmt"
	"strings"

	"github.com/tejusbharadwaj/noiseuploader/internal/models"
)

// validateSearch checks the inputs of a search before any request is made.
func validateSearch(window models.TimeWindow, deviceID string) error {
	if strings.TrimSpace(deviceID) == "" {
		return fmt.Errorf("%w: missing device id", ErrInvalidSearch)
	}
	if window.Start.IsZero() || window.End.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidSearch)
	}
	if !window.Valid() {
		return fmt.Errorf("%w: start time must be before end time", ErrInvalidSearch)
	}
	return nil
}
