package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// MetricSchema is the fixed column order of every output row after the
// datetime column. Metric entries returned by the vendor API are mapped onto
// it by position, not by name.
var MetricSchema = []string{"LAS", "L90", "L50", "L10", "LAeq"}

// HeaderRow is the first line of every output document.
var HeaderRow = FlatRow(append([]string{"datetime"}, MetricSchema...))

// TimeWindow is the [Start, End) range requested for one run.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// Valid reports whether Start is strictly before End.
func (w TimeWindow) Valid() bool {
	return w.Start.Before(w.End)
}

// SearchHandle is the server-provided path of a prepared result set.
type SearchHandle string

// SearchResponse is the body returned by the vendor search endpoint.
type SearchResponse struct {
	DataURL string `json:"data_url"`
}

// MeasurementPayload is the decoded data document returned for a SearchHandle.
// Records are kept raw because every record carries a device-keyed field whose
// name is only known at run time.
type MeasurementPayload struct {
	Intervals []json.RawMessage
	// HasIntervals is false when the document lacked an "intervals" key.
	HasIntervals bool
	empty        bool
}

// EmptyPayload returns the payload used for an empty response body.
func EmptyPayload() *MeasurementPayload {
	return &MeasurementPayload{empty: true}
}

// Empty reports whether the vendor returned no body at all.
func (p *MeasurementPayload) Empty() bool {
	return p == nil || p.empty
}

// UnmarshalJSON decodes the top-level document, recording whether the
// intervals key was present.
func (p *MeasurementPayload) UnmarshalJSON(data []byte) error {
	var raw struct {
		Intervals *[]json.RawMessage `json:"intervals"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = MeasurementPayload{}
	if raw.Intervals != nil {
		p.Intervals = *raw.Intervals
		p.HasIntervals = true
	}
	return nil
}

// MetricKind tags which field a MetricEntry was read from.
type MetricKind int

const (
	MetricMax MetricKind = iota + 1
	MetricValue
)

func (k MetricKind) String() string {
	switch k {
	case MetricMax:
		return "max"
	case MetricValue:
		return "value"
	default:
		return "unknown"
	}
}

// ErrNoMetricValue is returned when a metric entry carries neither max nor value.
var ErrNoMetricValue = errors.New("metric entry has neither max nor value")

// MetricEntry is one positional metric reading: either a peak (max) or a
// representative value. When the vendor sends both, max wins.
type MetricEntry struct {
	Kind    MetricKind
	Reading float64
}

// UnmarshalJSON selects max if present, else value. A JSON null counts as absent.
func (m *MetricEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		Max   *float64 `json:"max"`
		Value *float64 `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.Max != nil:
		*m = MetricEntry{Kind: MetricMax, Reading: *raw.Max}
	case raw.Value != nil:
		*m = MetricEntry{Kind: MetricValue, Reading: *raw.Value}
	default:
		return ErrNoMetricValue
	}
	return nil
}

// DeviceIntervals is the per-device object nested in each interval record.
type DeviceIntervals struct {
	Intervals []MetricEntry `json:"intervals"`
}

// FlatRow is one output line: datetime followed by the MetricSchema columns.
type FlatRow []string

// String joins the row with commas.
func (r FlatRow) String() string {
	return strings.Join(r, ",")
}

// OutputDocument is the CSV text delivered for one run.
type OutputDocument struct {
	Rows []FlatRow
}

// Bytes renders the header plus every row, newline-joined, with no trailing
// newline.
func (d *OutputDocument) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(HeaderRow.String())
	for _, row := range d.Rows {
		buf.WriteByte('\n')
		buf.WriteString(row.String())
	}
	return buf.Bytes()
}

// String returns the document text.
func (d *OutputDocument) String() string {
	return string(d.Bytes())
}
