package model

import "time"

// one canonical telemetry reading. Numeric fields that could not be decoded
// upstream are 0, never null, so downstream arithmetic stays total.
type CanonicalSample struct {
	Time             time.Time `json:"time"`
	Track            string    `json:"track"`
	Chassis          string    `json:"chassis"`
	Lap              int       `json:"lap"`
	LapDistanceM     float64   `json:"lapDistanceM"`
	SpeedKmh         float64   `json:"speedKmh"`
	AccelX           float64   `json:"accelX"`
	AccelY           float64   `json:"accelY"`
	SteeringAngleDeg float64   `json:"steeringAngleDeg"`
	BrakePressure    float64   `json:"brakePressure"`
	Rpm              float64   `json:"rpm"`
	SourceTag        string    `json:"sourceTag"`
}

// AggregationKey identifies the accumulator a sample belongs to.
type AggregationKey struct {
	Track   string
	Chassis string
}

func (s *CanonicalSample) Key() AggregationKey {
	return AggregationKey{Track: s.Track, Chassis: s.Chassis}
}
