package ingest

import (
	"encoding/csv"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mpapenbr/tirewatch-backend-go/pkg/model"
)

// column aliases seen across the various logger exports, matched
// case-insensitively against the CSV header
//
//nolint:gochecknoglobals // lookup table
var columnAliases = map[string][]string{
	"time":     {"time", "timestamp"},
	"track":    {"track", "track_id"},
	"chassis":  {"chassis", "car", "vehicle_id"},
	"lap":      {"lap", "lap_number"},
	"dist":     {"lap_distance_m", "lap_distance", "dist_m"},
	"speed":    {"speed_kmh", "speed"},
	"accx":     {"accx_can", "ax", "accel_x"},
	"accy":     {"accy_can", "ay", "accel_y"},
	"steering": {"steering_angle", "steering_deg", "steering_angle_deg"},
	"brake":    {"brake_pressure", "brake"},
	"rpm":      {"rpm", "nmot"},
}

type rowDecoder struct {
	// resolved column index per canonical field, -1 if absent
	cols map[string]int
}

func newRowDecoder(header []string) *rowDecoder {
	byName := make(map[string]int, len(header))
	for i, h := range header {
		byName[strings.ToLower(strings.TrimSpace(h))] = i
	}
	cols := make(map[string]int, len(columnAliases))
	for field, aliases := range columnAliases {
		cols[field] = -1
		for _, alias := range aliases {
			if idx, ok := byName[alias]; ok {
				cols[field] = idx
				break
			}
		}
	}
	return &rowDecoder{cols: cols}
}

func (d *rowDecoder) stringAt(row []string, field string) string {
	idx := d.cols[field]
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// floatAt returns 0 for absent columns and unparseable values.
func (d *rowDecoder) floatAt(row []string, field string) float64 {
	v, err := strconv.ParseFloat(d.stringAt(row, field), 64)
	if err != nil {
		return 0
	}
	return v
}

func (d *rowDecoder) timeAt(row []string, field string) time.Time {
	raw := d.stringAt(row, field)
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	// fallback: seconds since epoch, possibly fractional
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.UnixMilli(int64(secs * 1000)).UTC()
	}
	return time.Time{}
}

// decode builds a sample from one CSV row. Rows without a chassis or track
// value carry no aggregation key and are reported as undecodable.
func (d *rowDecoder) decode(row []string, sourceTag string) (model.CanonicalSample, bool) {
	chassis := d.stringAt(row, "chassis")
	track := d.stringAt(row, "track")
	if chassis == "" || track == "" {
		return model.CanonicalSample{}, false
	}
	lap, err := strconv.Atoi(d.stringAt(row, "lap"))
	if err != nil || lap < 0 {
		lap = 0
	}
	return model.CanonicalSample{
		Time:             d.timeAt(row, "time"),
		Track:            track,
		Chassis:          chassis,
		Lap:              lap,
		LapDistanceM:     d.floatAt(row, "dist"),
		SpeedKmh:         d.floatAt(row, "speed"),
		AccelX:           d.floatAt(row, "accx"),
		AccelY:           d.floatAt(row, "accy"),
		SteeringAngleDeg: d.floatAt(row, "steering"),
		BrakePressure:    d.floatAt(row, "brake"),
		Rpm:              d.floatAt(row, "rpm"),
		SourceTag:        sourceTag,
	}, true
}

// DecodeSampleStream reads CSV rows from r and hands each decoded sample to
// push. It returns the number of rows that could not be decoded. Only a
// broken stream is an error; a bad row is skipped and counted.
//
//nolint:whitespace // editor/linter issue
func DecodeSampleStream(
	r io.Reader,
	sourceTag string,
	push func(model.CanonicalSample),
) (skipped int, err error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, err
	}
	dec := newRowDecoder(header)
	for {
		row, err := cr.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return skipped, nil
			}
			if errors.Is(err, csv.ErrFieldCount) {
				skipped++
				continue
			}
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				skipped++
				continue
			}
			return skipped, err
		}
		sample, ok := dec.decode(row, sourceTag)
		if !ok {
			skipped++
			continue
		}
		push(sample)
	}
}
