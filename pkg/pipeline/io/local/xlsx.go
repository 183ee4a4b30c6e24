package local

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/shpitdev/tablemorph/pkg/pipeline/core"
	"github.com/shpitdev/tablemorph/pkg/pipeline/frame"
)

// ReadXLSX reads the first sheet of a workbook. The first non-empty row is the header.
// Cells are read as their displayed text.
func ReadXLSX(r io.Reader) (*frame.Frame, error) {
	wb, err := excelize.OpenReader(r)
	if err != nil {
		return nil, core.Errorf(core.CodeUnsupportedInputFormat, "open xlsx: %w", err)
	}
	defer func() {
		_ = wb.Close()
	}()

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return nil, core.Errorf(core.CodeUnsupportedInputFormat, "xlsx has no sheets")
	}
	sheet := sheets[0]
	rows, err := wb.Rows(sheet)
	if err != nil {
		return nil, core.Errorf(core.CodeUnsupportedInputFormat, "open sheet %s: %w", sheet, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var header []string
	var records [][]string
	for rows.Next() {
		row, err := rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		if header == nil {
			if len(row) == 0 {
				continue
			}
			header = row
			continue
		}
		records = append(records, row)
	}
	if err := rows.Error(); err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	if header == nil {
		return nil, core.Errorf(core.CodeUnsupportedInputFormat, "sheet %s is empty", sheet)
	}
	f, err := frame.New(header, records)
	if err != nil {
		return nil, core.Errorf(core.CodeUnsupportedInputFormat, "sheet %s: %w", sheet, err)
	}
	return f, nil
}
