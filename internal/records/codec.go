package records

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
	"github.com/xuri/excelize/v2"
)

// Format names an output encoding.
type Format string

const (
	FormatParquet Format = "parquet"
	FormatCSV     Format = "csv"
	FormatXLSX    Format = "xlsx"
)

// Ext returns the file extension for the format.
func (f Format) Ext() string {
	return "." + string(f)
}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatParquet, FormatCSV, FormatXLSX:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown output format: %s", s)
	}
}

// Encode renders rows in the given format.
func Encode(rows []Record, f Format) ([]byte, error) {
	switch f {
	case FormatParquet:
		return EncodeParquet(rows)
	case FormatCSV:
		var buf bytes.Buffer
		if err := WriteCSV(&buf, rows); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatXLSX:
		var buf bytes.Buffer
		if err := WriteXLSX(&buf, rows); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown output format: %s", f)
	}
}

// EncodeParquet writes rows as a zstd-compressed parquet file.
func EncodeParquet(rows []Record) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[Record](&buf, parquet.Compression(&parquet.Zstd))
	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			w.Close()
			return nil, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeParquet reads rows written by EncodeParquet.
func DecodeParquet(data []byte) ([]Record, error) {
	rows, err := parquet.Read[Record](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	return rows, nil
}

// WriteCSV writes a header row followed by rows in Columns order.
func WriteCSV(w io.Writer, rows []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range rows {
		if err := cw.Write(r.Values()); err != nil {
			return fmt.Errorf("write csv row %s: %w", r.EventID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteXLSX writes rows to a single "events" sheet.
func WriteXLSX(w io.Writer, rows []Record) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := Record{}.TableName()
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("create stream writer: %w", err)
	}

	if err := sw.SetRow("A1", toCells(Columns)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, toCells(r.Values())); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush sheet: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func toCells(values []string) []interface{} {
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return cells
}
