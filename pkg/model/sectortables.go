package model

import (
	"encoding/json"
	"os"
)

// LoadSectorTables reads a JSON array of sector tables and returns them
// keyed by track id.
func LoadSectorTables(path string) (map[string]*SectorTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tables []*SectorTable
	if err := json.Unmarshal(raw, &tables); err != nil {
		return nil, err
	}
	ret := make(map[string]*SectorTable, len(tables))
	for _, table := range tables {
		ret[table.Track] = table
	}
	return ret, nil
}
