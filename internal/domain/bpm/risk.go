package bpm

import "encoding/json"

// RiskBand is the ordered heart-rate band used to color charts and records.
type RiskBand int

const (
	BandLow RiskBand = iota + 1
	BandNormal
	BandElevated
	BandHigh
)

// Upper bounds (inclusive) of the first three bands.
const (
	lowMax      = 40
	normalMax   = 70
	elevatedMax = 90
)

// Classify maps a sample value to its band. Values below zero are BandLow.
func Classify(value int) RiskBand {
	switch {
	case value <= lowMax:
		return BandLow
	case value <= normalMax:
		return BandNormal
	case value <= elevatedMax:
		return BandElevated
	default:
		return BandHigh
	}
}

// ClassifyAverage bands a fractional average against the same cut-offs, so
// 70.5 is Elevated and 90.5 is High.
func ClassifyAverage(avg float64) RiskBand {
	switch {
	case avg <= lowMax:
		return BandLow
	case avg <= normalMax:
		return BandNormal
	case avg <= elevatedMax:
		return BandElevated
	default:
		return BandHigh
	}
}

func (b RiskBand) String() string {
	switch b {
	case BandLow:
		return "low"
	case BandNormal:
		return "normal"
	case BandElevated:
		return "elevated"
	case BandHigh:
		return "high"
	}
	return "unknown"
}

// Color is the chart color of the band.
func (b RiskBand) Color() string {
	switch b {
	case BandLow:
		return "#eefa05"
	case BandNormal:
		return "#2afa05"
	case BandElevated:
		return "#fc0303"
	}
	return "#0452ce"
}

// BandInfo is the JSON rendering of a band.
type BandInfo struct {
	Level int    `json:"level"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

func (b RiskBand) MarshalJSON() ([]byte, error) {
	return json.Marshal(BandInfo{Level: int(b), Name: b.String(), Color: b.Color()})
}

// UnmarshalJSON accepts either the object form or a bare level.
func (b *RiskBand) UnmarshalJSON(data []byte) error {
	var info BandInfo
	if err := json.Unmarshal(data, &info); err == nil {
		*b = RiskBand(info.Level)
		return nil
	}
	var level int
	if err := json.Unmarshal(data, &level); err != nil {
		return err
	}
	*b = RiskBand(level)
	return nil
}
