package stress

import (
	"math"
	"slices"
	"strings"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/mpapenbr/tirewatch-backend-go/pkg/model"
)

const (
	// seconds of predicted lap time loss per accumulated stress unit
	lossPerStressUnit = 0.00005
	// threshold in seconds used for the laps-until-loss estimate
	thresholdLossSecs = 0.5
	// divisor floor when the rounded predicted loss is zero
	zeroLossDivisor = 0.01
)

type (
	// accumulator per (track, chassis) within one batch. Created on the first
	// sample for that key, finalized at batch end, then discarded. No state
	// survives a batch; cross-batch continuity is the result log's concern.
	chassisAggregate struct {
		key             model.AggregationKey
		perSectorStress map[int]float64
		lapStressTotal  float64
		lastLapSeen     int
	}

	StressProcessor struct {
		sectorTables map[string]*model.SectorTable
		trackLengthM float64
	}

	StressProcessorOption func(sp *StressProcessor)
)

func WithSectorTables(tables map[string]*model.SectorTable) StressProcessorOption {
	return func(sp *StressProcessor) {
		sp.sectorTables = tables
	}
}

// WithDefaultTrackLength sets the track length used for the synthetic sector
// split when a track has no sector table.
func WithDefaultTrackLength(lengthM float64) StressProcessorOption {
	return func(sp *StressProcessor) {
		sp.trackLengthM = lengthM
	}
}

func NewStressProcessor(opts ...StressProcessorOption) *StressProcessor {
	sp := &StressProcessor{
		sectorTables: make(map[string]*model.SectorTable),
		trackLengthM: model.DefaultTrackLengthM,
	}
	for _, opt := range opts {
		opt(sp)
	}
	return sp
}

// SampleStress computes the dimensionless per-sample load proxy.
func SampleStress(s *model.CanonicalSample) float64 {
	steer := math.Abs(s.SteeringAngleDeg) / 360
	return s.AccelX*s.AccelX + s.AccelY*s.AccelY + steer*steer
}

// ProcessBatch aggregates one batch of samples into per-chassis insights.
// Sample order within a batch is irrelevant except for lastLapSeen, where the
// max wins. Malformed numerics were defaulted to 0 at decode time, so there
// is no error path here.
func (sp *StressProcessor) ProcessBatch(
	samples []model.CanonicalSample,
) []*model.TireStressInsight {
	aggs := make(map[model.AggregationKey]*chassisAggregate)
	for i := range samples {
		s := &samples[i]
		agg, ok := aggs[s.Key()]
		if !ok {
			agg = &chassisAggregate{
				key:             s.Key(),
				perSectorStress: make(map[int]float64),
			}
			aggs[s.Key()] = agg
		}
		stress := SampleStress(s)
		sector := sp.sectorIndex(s.Track, s.LapDistanceM)
		agg.perSectorStress[sector] += stress
		agg.lapStressTotal += stress
		agg.lastLapSeen = max(agg.lastLapSeen, s.Lap)
	}

	keys := lo.Keys(aggs)
	slices.SortFunc(keys, func(a, b model.AggregationKey) int {
		if a.Track != b.Track {
			return strings.Compare(a.Track, b.Track)
		}
		return strings.Compare(a.Chassis, b.Chassis)
	})
	ret := make([]*model.TireStressInsight, 0, len(keys))
	for _, k := range keys {
		ret = append(ret, aggs[k].finalize())
	}
	return ret
}

func (sp *StressProcessor) sectorIndex(track string, distM float64) int {
	if table, ok := sp.sectorTables[track]; ok {
		return table.SectorIndex(distM)
	}
	synthetic := &model.SectorTable{Track: track, TotalM: sp.trackLengthM}
	return synthetic.SectorIndex(distM)
}

func (ca *chassisAggregate) finalize() *model.TireStressInsight {
	loss := roundPlaces(ca.lapStressTotal*lossPerStressUnit, 3)
	divisor := loss
	if divisor <= 0 {
		divisor = zeroLossDivisor
	}
	laps := math.Max(1, thresholdLossSecs/divisor)
	return &model.TireStressInsight{
		Chassis:                 ca.key.Chassis,
		Track:                   ca.key.Track,
		Lap:                     ca.lastLapSeen,
		LapTireStress:           ca.lapStressTotal,
		PerSectorStress:         ca.perSectorStress,
		PredictedLossPerLapSecs: loss,
		LapsUntilThresholdLoss:  roundPlaces(laps, 2),
	}
}

func roundPlaces(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}
