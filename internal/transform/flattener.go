// Package transform flattens the vendor's nested interval payload into
// fixed-column CSV rows.
package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/noiseuploader/internal/models"
)

// MinIntervals is the smallest interval count that produces a document;
// payloads with this many records or fewer are treated as insufficient data.
const MinIntervals = 3

// Flattener turns a MeasurementPayload into an OutputDocument.
type Flattener struct {
	logger logrus.FieldLogger
}

func NewFlattener(logger logrus.FieldLogger) *Flattener {
	return &Flattener{logger: logger}
}

// Flatten builds one row per interval record, in payload order. It returns a
// nil document and a nil error when the payload holds fewer than MinIntervals
// records. Any malformed record fails the whole document.
//
// Metric entries are mapped onto models.MetricSchema by position; the vendor
// does not name them.
func (f *Flattener) Flatten(payload *models.MeasurementPayload, deviceID string) (*models.OutputDocument, error) {
	if payload == nil || !payload.HasIntervals {
		return nil, &TransformError{Index: -1, Err: ErrNoIntervals}
	}
	if len(payload.Intervals) < MinIntervals {
		f.logger.WithField("intervals", len(payload.Intervals)).Info("Not enough intervals to upload")
		return nil, nil
	}

	doc := &models.OutputDocument{Rows: make([]models.FlatRow, 0, len(payload.Intervals))}
	for i, raw := range payload.Intervals {
		row, err := flattenRecord(i, raw, deviceID)
		if err != nil {
			return nil, err
		}
		doc.Rows = append(doc.Rows, row)
	}

	f.logger.WithField("rows", len(doc.Rows)).Debug(doc.String())
	return doc, nil
}

func flattenRecord(index int, raw json.RawMessage, deviceID string) (models.FlatRow, error) {
	var record map[string]json.RawMessage
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, &TransformError{Index: index, Err: fmt.Errorf("%w: %v", ErrMalformedRecord, err)}
	}
	if record == nil {
		return nil, &TransformError{Index: index, Err: fmt.Errorf("%w: not an object", ErrMalformedRecord)}
	}

	var datetime string
	rawDatetime, ok := record["datetime"]
	if !ok {
		return nil, &TransformError{Index: index, Err: ErrMissingDatetime}
	}
	if err := json.Unmarshal(rawDatetime, &datetime); err != nil || datetime == "" {
		return nil, &TransformError{Index: index, Err: fmt.Errorf("%w: %s", ErrMissingDatetime, rawDatetime)}
	}

	rawDevice, ok := record[deviceID]
	if !ok {
		return nil, &TransformError{Index: index, Datetime: datetime, Err: fmt.Errorf("%w %q", ErrMissingDevice, deviceID)}
	}
	var device struct {
		Intervals []json.RawMessage `json:"intervals"`
	}
	if err := json.Unmarshal(rawDevice, &device); err != nil {
		return nil, &TransformError{Index: index, Datetime: datetime, Err: fmt.Errorf("%w: %v", ErrMalformedRecord, err)}
	}
	if len(device.Intervals) != len(models.MetricSchema) {
		return nil, &TransformError{
			Index:    index,
			Datetime: datetime,
			Err:      fmt.Errorf("%w: got %d, want %d", ErrMetricCount, len(device.Intervals), len(models.MetricSchema)),
		}
	}

	row := make(models.FlatRow, 0, len(models.MetricSchema)+1)
	row = append(row, datetime)
	for pos, rawEntry := range device.Intervals {
		var entry models.MetricEntry
		if err := json.Unmarshal(rawEntry, &entry); err != nil {
			return nil, &TransformError{Index: index, Datetime: datetime, Metric: models.MetricSchema[pos], Err: err}
		}
		row = append(row, FormatReading(entry.Reading))
	}
	return row, nil
}

// FormatReading rounds v to three decimals and renders it with the shortest
// representation that keeps at least one fractional digit, so 30 becomes
// "30.0" and 10.1234 becomes "10.123". Rounding works on the exact binary
// value with ties to even, so 45.0625 becomes "45.062". Magnitudes of 1e16
// and above use exponent form ("1e+16").
func FormatReading(v float64) string {
	rounded, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 3, 64), 64)
	if err != nil {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	if math.Abs(rounded) >= 1e16 {
		return strconv.FormatFloat(rounded, 'e', -1, 64)
	}
	s := strconv.FormatFloat(rounded, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
