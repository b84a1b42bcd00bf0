package transform

import (
	"errors"
	"fmt"
)

var (
	ErrNoIntervals     = errors.New("payload has no intervals field")
	ErrMalformedRecord = errors.New("malformed interval record")
	ErrMissingDatetime = errors.New("interval record has no datetime")
	ErrMissingDevice   = errors.New("interval record has no entry for device")
	ErrMetricCount     = errors.New("unexpected number of metric entries")
)

// TransformError reports an interval record that could not be flattened.
// Index is the record's position in the payload, -1 for payload-level errors.
type TransformError struct {
	Index    int
	Datetime string
	Metric   string
	Err      error
}

func (e *TransformError) Error() string {
	switch {
	case e.Index < 0:
		return fmt.Sprintf("flatten payload: %v", e.Err)
	case e.Metric != "":
		return fmt.Sprintf("flatten record %d (%s) metric %s: %v", e.Index, e.Datetime, e.Metric, e.Err)
	default:
		return fmt.Sprintf("flatten record %d (%s): %v", e.Index, e.Datetime, e.Err)
	}
}

func (e *TransformError) Unwrap() error { return e.Err }
