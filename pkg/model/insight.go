package model

// TireStressInsight is the finalized output of one aggregation batch for one
// chassis. Immutable once produced; ownership passes to the result log.
type TireStressInsight struct {
	Chassis                 string          `json:"chassis"`
	Track                   string          `json:"track"`
	Lap                     int             `json:"lap"`
	LapTireStress           float64         `json:"lapTireStress"`
	PerSectorStress         map[int]float64 `json:"perSectorStress"`
	PredictedLossPerLapSecs float64         `json:"predictedLossPerLapSeconds"`
	LapsUntilThresholdLoss  float64         `json:"lapsUntilThresholdLoss"`
}

// DbInsight is the persisted form: the result log record id plus the payload.
type DbInsight struct {
	ID   uint64            `json:"id"`
	Data TireStressInsight `json:"data"`
}
