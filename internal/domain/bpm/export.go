package bpm

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/cardio/consult/internal/domain/patient"
)

const recordsSheet = "BPM Records"

// RecordsHeader is the header row of the records spreadsheet.
var RecordsHeader = []string{"Date", "Time", "Heart Rate", "Risk Band"}

// ExportRecords renders samples as an xlsx workbook with one row per sample.
func ExportRecords(samples []Sample) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if _, err := f.NewSheet(recordsSheet); err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}
	index, err := f.GetSheetIndex(recordsSheet)
	if err != nil {
		return nil, fmt.Errorf("locate sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}
	if err := f.SetSheetRow(recordsSheet, "A1", &RecordsHeader); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	if err := f.SetCellStyle(recordsSheet, "A1", "D1", headerStyle); err != nil {
		return nil, fmt.Errorf("style header: %w", err)
	}

	bandStyles := map[RiskBand]int{}
	for _, b := range []RiskBand{BandLow, BandNormal, BandElevated, BandHigh} {
		style, err := f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Color: []string{b.Color()}, Pattern: 1},
		})
		if err != nil {
			return nil, fmt.Errorf("create band style: %w", err)
		}
		bandStyles[b] = style
	}

	for i, s := range samples {
		row := i + 2
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return nil, fmt.Errorf("convert coordinates: %w", err)
		}
		values := []interface{}{displayDate(s.Date), displayTime(s.Time), s.Value, s.Band.String()}
		if err := f.SetSheetRow(recordsSheet, cell, &values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", row, err)
		}
		bandCell, _ := excelize.CoordinatesToCellName(4, row)
		if style, ok := bandStyles[s.Band]; ok {
			if err := f.SetCellStyle(recordsSheet, bandCell, bandCell, style); err != nil {
				return nil, fmt.Errorf("style row %d: %w", row, err)
			}
		}
	}

	for col, width := range []float64{22, 12, 12, 12} {
		name, _ := excelize.ColumnNumberToName(col + 1)
		if err := f.SetColWidth(recordsSheet, name, name, width); err != nil {
			return nil, fmt.Errorf("set column width: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func displayDate(key string) string {
	t, err := time.Parse(patient.DateLayout, key)
	if err != nil {
		return key
	}
	return t.Format("January 2, 2006")
}

func displayTime(key string) string {
	t, err := time.Parse(patient.TimeLayout, key)
	if err != nil {
		return key
	}
	return t.Format("3:04 PM")
}
