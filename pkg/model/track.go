package model

// DefaultTrackLengthM is used when neither a sector table nor a track length
// is known for a track.
const DefaultTrackLengthM = 5000.0

// half-open lap distance interval [StartM, EndM)
type Sector struct {
	StartM float64 `json:"startM"`
	EndM   float64 `json:"endM"`
}

func (s Sector) Contains(distM float64) bool {
	return distM >= s.StartM && distM < s.EndM
}

// per-track ordered sector layout. Sectors are contiguous and covering.
// TotalM is a fallback for tracks without an explicit layout.
type SectorTable struct {
	Track   string   `json:"track"`
	Sectors []Sector `json:"sectors"`
	TotalM  float64  `json:"totalM"`
}

// SyntheticSectors splits totalM into three equal contiguous sectors.
func SyntheticSectors(totalM float64) []Sector {
	if totalM <= 0 {
		totalM = DefaultTrackLengthM
	}
	width := totalM / 3
	return []Sector{
		{StartM: 0, EndM: width},
		{StartM: width, EndM: 2 * width},
		{StartM: 2 * width, EndM: totalM},
	}
}

// SectorIndex maps a lap distance to a sector index. Distances beyond the
// last interval clamp to the last index, so classification is total.
func (t *SectorTable) SectorIndex(distM float64) int {
	sectors := t.Sectors
	if len(sectors) == 0 {
		sectors = SyntheticSectors(t.TotalM)
	}
	for i := range sectors {
		if sectors[i].Contains(distM) {
			return i
		}
	}
	return len(sectors) - 1
}
