package engine

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const xlsxSheetName = "Sheet1"

// xlsxEncoder buffers rows into an excelize StreamWriter, since the xlsx
// container format is a zip archive that can't be produced incrementally
// onto an arbitrary io.Writer the way CSV/JSON can — the workbook is
// finalized and written out in full at Close.
type xlsxEncoder struct {
	file    *excelize.File
	sw      *excelize.StreamWriter
	header  []string
	started bool
	row     int
}

func newXLSXEncoder() *xlsxEncoder {
	return &xlsxEncoder{}
}

func (e *xlsxEncoder) ContentType() string {
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

func (e *xlsxEncoder) Write(_ io.Writer, rec Record) error {
	flat := flatten("", rec)

	if !e.started {
		e.file = excelize.NewFile()
		sw, err := e.file.NewStreamWriter(xlsxSheetName)
		if err != nil {
			return fmt.Errorf("engine: xlsx new stream writer: %w", err)
		}
		e.sw = sw
		e.header = sortedKeys(flat)

		headerRow := make([]any, len(e.header))
		for i, k := range e.header {
			headerRow[i] = k
		}
		if err := e.sw.SetRow("A1", headerRow); err != nil {
			return fmt.Errorf("engine: xlsx write header: %w", err)
		}
		if err := setColumnWidths(e.sw, e.header); err != nil {
			return fmt.Errorf("engine: xlsx set column widths: %w", err)
		}

		e.row = 1
		e.started = true
	}

	e.row++
	row := make([]any, len(e.header))
	for i, key := range e.header {
		row[i] = flat[key]
	}
	cell, err := excelize.CoordinatesToCellName(1, e.row)
	if err != nil {
		return fmt.Errorf("engine: xlsx cell coordinates: %w", err)
	}
	if err := e.sw.SetRow(cell, row); err != nil {
		return fmt.Errorf("engine: xlsx write row: %w", err)
	}
	return nil
}

func (e *xlsxEncoder) Close(w io.Writer) error {
	if !e.started {
		// No rows: produce an empty workbook with just a sheet so the
		// downloaded file still opens cleanly.
		f := excelize.NewFile()
		_, err := f.WriteTo(w)
		return err
	}
	if err := e.sw.Flush(); err != nil {
		return fmt.Errorf("engine: xlsx flush: %w", err)
	}
	if _, err := e.file.WriteTo(w); err != nil {
		return fmt.Errorf("engine: xlsx write: %w", err)
	}
	return nil
}

// setColumnWidths computes a width per column from its header length, a
// reasonable approximation that avoids a second pass over the data just to
// measure content.
func setColumnWidths(sw *excelize.StreamWriter, header []string) error {
	for i, h := range header {
		width := float64(len(h)) + 4
		if width < 10 {
			width = 10
		}
		if width > 60 {
			width = 60
		}
		if err := sw.SetColWidth(i+1, i+1, width); err != nil {
			return err
		}
	}
	return nil
}
