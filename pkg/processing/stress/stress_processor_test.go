package stress

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mpapenbr/tirewatch-backend-go/pkg/model"
)

func TestSampleStress(t *testing.T) {
	s := &model.CanonicalSample{AccelX: 1.2, AccelY: 0.8, SteeringAngleDeg: 90}
	assert.InDelta(t, 2.1425, SampleStress(s), 1e-9)

	// sign of the steering angle must not matter
	s.SteeringAngleDeg = -90
	assert.InDelta(t, 2.1425, SampleStress(s), 1e-9)
}

//nolint:funlen // table
func TestStressProcessor_SectorClassification(t *testing.T) {
	tables := map[string]*model.SectorTable{
		"monza": {
			Track: "monza",
			Sectors: []model.Sector{
				{StartM: 0, EndM: 2000},
				{StartM: 2000, EndM: 4000},
				{StartM: 4000, EndM: 5793},
			},
		},
	}
	tests := []struct {
		name  string
		track string
		distM float64
		want  int
	}{
		{name: "first sector", track: "monza", distM: 0, want: 0},
		{name: "boundary is half open", track: "monza", distM: 2000, want: 1},
		{name: "last sector", track: "monza", distM: 5000, want: 2},
		{name: "beyond table clamps", track: "monza", distM: 9000, want: 2},
		{name: "synthetic split", track: "unknown", distM: 1700, want: 1},
		{name: "synthetic first", track: "unknown", distM: 0, want: 0},
		{name: "synthetic last", track: "unknown", distM: 4999, want: 2},
		{name: "synthetic clamp", track: "unknown", distM: 12000, want: 2},
	}
	sp := NewStressProcessor(WithSectorTables(tables))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sp.sectorIndex(tt.track, tt.distM))
		})
	}
}

func TestSyntheticSectors_EqualWidthCoveringTotal(t *testing.T) {
	sectors := model.SyntheticSectors(5000)
	assert.Len(t, sectors, 3)
	width := sectors[0].EndM - sectors[0].StartM
	var total float64
	for i, s := range sectors {
		assert.InDelta(t, width, s.EndM-s.StartM, 1e-9, "sector %d width", i)
		total += s.EndM - s.StartM
	}
	assert.InDelta(t, 5000, total, 1e-9)
}

func TestStressProcessor_TenIdenticalSamples(t *testing.T) {
	samples := make([]model.CanonicalSample, 10)
	for i := range samples {
		samples[i] = model.CanonicalSample{
			Track:            "testtrack",
			Chassis:          "car-7",
			Lap:              3,
			LapDistanceM:     1700,
			AccelX:           1.2,
			AccelY:           0.8,
			SteeringAngleDeg: 90,
		}
	}
	sp := NewStressProcessor()
	got := sp.ProcessBatch(samples)
	assert.Len(t, got, 1)

	insight := got[0]
	assert.Equal(t, "car-7", insight.Chassis)
	assert.Equal(t, "testtrack", insight.Track)
	assert.Equal(t, 3, insight.Lap)
	assert.InDelta(t, 21.425, insight.LapTireStress, 1e-9)
	// all stress landed in sector 1 (1700m of a 5000m synthetic split)
	assert.InDelta(t, 21.425, insight.PerSectorStress[1], 1e-9)
	assert.InDelta(t, 0.001, insight.PredictedLossPerLapSecs, 1e-9)
	assert.InDelta(t, 500.0, insight.LapsUntilThresholdLoss, 1e-9)
}

func TestStressProcessor_ZeroStress(t *testing.T) {
	sp := NewStressProcessor()
	got := sp.ProcessBatch([]model.CanonicalSample{
		{Track: "t", Chassis: "c", Lap: 1},
	})
	assert.Len(t, got, 1)
	assert.InDelta(t, 0.0, got[0].PredictedLossPerLapSecs, 1e-9)
	// the 0.01 divisor floor kicks in: 0.5/0.01
	assert.InDelta(t, 50.0, got[0].LapsUntilThresholdLoss, 1e-9)
}

func TestStressProcessor_LapsUntilLossNeverBelowOne(t *testing.T) {
	sp := NewStressProcessor()
	// enough stress that 0.5/loss drops below 1
	samples := make([]model.CanonicalSample, 200)
	for i := range samples {
		samples[i] = model.CanonicalSample{Track: "t", Chassis: "c", AccelX: 10}
	}
	got := sp.ProcessBatch(samples)
	assert.Len(t, got, 1)
	assert.GreaterOrEqual(t, got[0].LapsUntilThresholdLoss, 1.0)
}

func TestStressProcessor_ConservationAcrossSectors(t *testing.T) {
	samples := []model.CanonicalSample{
		{Track: "t", Chassis: "c", LapDistanceM: 100, AccelX: 1.1, AccelY: 0.2},
		{Track: "t", Chassis: "c", LapDistanceM: 2100, AccelX: 0.4, SteeringAngleDeg: 45},
		{Track: "t", Chassis: "c", LapDistanceM: 4100, AccelY: 1.7},
		{Track: "t", Chassis: "c", LapDistanceM: 4900, AccelX: 0.3, AccelY: 0.3},
	}
	sp := NewStressProcessor()
	got := sp.ProcessBatch(samples)
	assert.Len(t, got, 1)

	var sectorSum float64
	for _, v := range got[0].PerSectorStress {
		sectorSum += v
	}
	assert.InDelta(t, got[0].LapTireStress, sectorSum, 1e-9)
}

func TestStressProcessor_GroupsByTrackAndChassis(t *testing.T) {
	samples := []model.CanonicalSample{
		{Track: "a", Chassis: "1", Lap: 2, AccelX: 1},
		{Track: "a", Chassis: "2", Lap: 5, AccelX: 1},
		{Track: "b", Chassis: "1", Lap: 9, AccelX: 1},
		{Track: "a", Chassis: "1", Lap: 1, AccelX: 1},
	}
	sp := NewStressProcessor()
	got := sp.ProcessBatch(samples)
	assert.Len(t, got, 3)
	// deterministic output order: sorted by track, then chassis
	assert.Equal(t, "a", got[0].Track)
	assert.Equal(t, "1", got[0].Chassis)
	// last lap seen is the max, not the last in batch order
	assert.Equal(t, 2, got[0].Lap)
	assert.InDelta(t, 2.0, got[0].LapTireStress, 1e-9)
	assert.Equal(t, "b", got[2].Track)
}

func TestStressProcessor_EmptyBatch(t *testing.T) {
	sp := NewStressProcessor()
	assert.Empty(t, sp.ProcessBatch(nil))
}

func TestStressProcessor_CustomTrackLength(t *testing.T) {
	sp := NewStressProcessor(WithDefaultTrackLength(3000))
	// 1700m of a 3000m synthetic split is sector 1 upper region
	assert.Equal(t, 1, sp.sectorIndex("nowhere", 1700))
	assert.Equal(t, 2, sp.sectorIndex("nowhere", 2100))
}
