// Package render turns gathered report data into XLSX artifacts.
package render

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// Report is the renderable form of a gathered report: a column header
// row plus data rows, in a deterministic order.
type Report struct {
	Title   string          `json:"title"`
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// WriteFile renders rep as an XLSX workbook at path.
func WriteFile(rep *Report, path string) error {
	if len(rep.Columns) == 0 {
		return fmt.Errorf("Report has no columns")
	}
	for i, row := range rep.Rows {
		if len(row) != len(rep.Columns) {
			return fmt.Errorf("Row %d has %d cells, want %d", i, len(row), len(rep.Columns))
		}
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := rep.Title
	if sheet == "" {
		sheet = "Report"
	}
	idx, err := f.NewSheet(sheet)
	if err != nil {
		return err
	}
	f.SetActiveSheet(idx)
	// excelize creates a default sheet we don't use
	if sheet != "Sheet1" {
		if err := f.DeleteSheet("Sheet1"); err != nil {
			return err
		}
	}

	for i, h := range rep.Columns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}

	for r, row := range rep.Rows {
		for c, v := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
	}

	return f.SaveAs(path)
}
