package tileindex

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hangxie/parquet-go/v2/parquet"
	"github.com/hangxie/parquet-go/v2/reader"
	"github.com/hangxie/parquet-go/v2/source/local"
	"github.com/hangxie/parquet-go/v2/writer"
)

const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

var ErrUnsupportedFormat = errors.New("unsupported export format")

// Write stores entries at path, creating parent directories. All entries are
// written in the extended variant when any of them carries extended fields.
func Write(path, format string, entries []Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	switch strings.ToLower(format) {
	case FormatCSV:
		return writeCSV(path, entries)
	case FormatParquet:
		return writeParquet(path, entries)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// Read loads a tile index, parquet when path ends in .parquet, CSV otherwise.
// Rows with the wrong number of columns are skipped and counted as malformed.
func Read(path string) (entries []Entry, malformed int, err error) {
	if strings.EqualFold(filepath.Ext(path), ".parquet") {
		entries, err = readParquet(path)
		return entries, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	return ReadCSV(f)
}

func variantOf(entries []Entry) Variant {
	for _, e := range entries {
		if e.Variant() == Extended {
			return Extended
		}
	}
	return Simple
}

func writeCSV(path string, entries []Entry) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err = WriteCSV(f, entries); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteCSV writes a header row followed by one row per entry.
func WriteCSV(w io.Writer, entries []Entry) error {
	v := variantOf(entries)
	cw := csv.NewWriter(w)
	if err := cw.Write(v.Header()); err != nil {
		return err
	}
	for _, e := range entries {
		if err := cw.Write(e.record(v)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV reads CSV entries. A first row starting with tile_id is a header and
// selects the column layout; without one the layout follows each row's width.
func ReadCSV(r io.Reader) (entries []Entry, malformed int, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var columns map[string]int
	width := 0
	first := true
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				malformed++
				continue
			}
			return nil, malformed, err
		}
		if first {
			first = false
			if len(row) > 0 && strings.TrimSpace(strings.TrimPrefix(row[0], "\ufeff")) == "tile_id" {
				columns = headerColumns(row)
				width = len(row)
				continue
			}
		}

		switch {
		case columns != nil && len(row) == width:
			entries = append(entries, entryFromColumns(columns, row))
		case columns == nil && len(row) == len(simpleHeader):
			entries = append(entries, entryFromColumns(headerColumns(simpleHeader), row))
		case columns == nil && len(row) == len(extendedHeader):
			entries = append(entries, entryFromColumns(headerColumns(extendedHeader), row))
		default:
			malformed++
		}
	}
	return entries, malformed, nil
}

func headerColumns(header []string) map[string]int {
	columns := make(map[string]int, len(header))
	for i, h := range header {
		columns[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	return columns
}

func entryFromColumns(columns map[string]int, row []string) Entry {
	get := func(name string) string {
		if i, ok := columns[name]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}
	return Entry{
		TileID:     get("tile_id"),
		UTMTile:    get("utm_tile"),
		Timestamp:  get("timestamp"),
		Layer:      get("layer"),
		Resolution: get("resolution"),
		BBox:       get("bbox"),
		Path:       get("path"),
	}
}

func writeParquet(path string, entries []Entry) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return err
	}
	pw, err := writer.NewParquetWriter(fw, new(Entry), 1)
	if err != nil {
		fw.Close()
		return err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, e := range entries {
		if err = pw.Write(e); err != nil {
			fw.Close()
			return fmt.Errorf("write %s: %w", e.TileID, err)
		}
	}
	if err = pw.WriteStop(); err != nil {
		fw.Close()
		return err
	}
	return fw.Close()
}

func readParquet(path string) ([]Entry, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, err
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(Entry), 1)
	if err != nil {
		return nil, err
	}
	defer pr.ReadStop()

	entries := make([]Entry, pr.GetNumRows())
	if len(entries) == 0 {
		return entries, nil
	}
	if err = pr.Read(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}
