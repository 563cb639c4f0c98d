package importer

// parse.go handles the raw-bytes half of ingestion: UTF-8 sanitation,
// lenient CSV parsing, and locating the header row among preamble junk that
// spreadsheet exports like to prepend.

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"unicode/utf8"

	"github.com/openlims/labtrack/internal/store"
)

// maxHeaderSearchRows bounds how far down a file the header row may sit.
const maxHeaderSearchRows = 20

// ParseError reports a malformed or empty input file. It aborts that file's
// processing only, never the whole run.
type ParseError struct {
	File string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// sanitizeUTF8 replaces invalid byte sequences with the replacement rune so
// the CSV reader never chokes on legacy encodings.
func sanitizeUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}
	var buf bytes.Buffer
	buf.Grow(len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			buf.WriteRune('�')
			data = data[1:]
		} else {
			buf.WriteRune(r)
			data = data[size:]
		}
	}
	return buf.Bytes()
}

// parseCSV reads all records leniently: ragged rows and stray quotes are
// tolerated, malformed structure is not.
func parseCSV(data []byte) ([][]string, error) {
	// Strip a UTF-8 BOM if present.
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return r.ReadAll()
}

// findHeaderRow scans the first rows for the one that matches the most
// header aliases of the entity, returning its index. Returns -1 when no row
// matches any known alias.
func findHeaderRow(e store.Entity, records [][]string) int {
	idx := aliasIndex(e)
	limit := len(records)
	if limit > maxHeaderSearchRows {
		limit = maxHeaderSearchRows
	}

	best, bestScore := -1, 0
	for i := 0; i < limit; i++ {
		score := 0
		for _, cell := range records[i] {
			if _, ok := idx[normalizeHeader(cleanCell(cell))]; ok {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

// parseFile parses one entity file into normalized records.
func parseFile(e store.Entity, data []byte) ([]store.Record, error) {
	if len(data) == 0 {
		return nil, &ParseError{File: string(e), Err: fmt.Errorf("empty file")}
	}
	records, err := parseCSV(sanitizeUTF8(data))
	if err != nil {
		return nil, &ParseError{File: string(e), Err: fmt.Errorf("parse CSV: %w", err)}
	}
	if len(records) == 0 {
		return nil, &ParseError{File: string(e), Err: fmt.Errorf("empty file")}
	}

	headerIdx := findHeaderRow(e, records)
	if headerIdx < 0 {
		return nil, &ParseError{File: string(e), Err: fmt.Errorf("no recognized header row")}
	}

	rows := records[headerIdx+1:]
	if len(rows) == 0 {
		return nil, &ParseError{File: string(e), Err: fmt.Errorf("no data rows after header")}
	}

	return Normalize(e, records[headerIdx], rows, headerIdx+1), nil
}
