package importer

// normalize.go maps arbitrary CSV header spellings onto canonical entity
// fields and cleans cell values. The transform is pure: one normalized
// record per source row, tagged with its originating line number for error
// reporting. Unrecognized headers are ignored, never an error.

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/openlims/labtrack/internal/store"
)

// normalizeHeader collapses a raw header into the form alias tables use:
// lowercase with runs of non-alphanumeric characters reduced to single
// underscores ("PI Name" -> "pi_name", "Tube-ID" -> "tube_id").
var headerJunk = regexp.MustCompile(`[^a-z0-9]+`)

func normalizeHeader(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = headerJunk.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// absentValues are string spellings treated as "no value".
var absentValues = map[string]bool{
	"":     true,
	"null": true,
	"n/a":  true,
	"na":   true,
	"-":    true,
	"none": true,
}

// isAbsent reports whether a cleaned cell carries no value.
func isAbsent(s string) bool {
	return absentValues[strings.ToLower(strings.TrimSpace(s))]
}

// cleanCell strips CSV artifacts: surrounding whitespace, Excel formula
// prefixes (="value") and stray quotes.
func cleanCell(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}
	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}

// trueWords and falseWords are the fixed boolean vocabulary. Anything else
// normalizes to false rather than erroring; lenient migration files carry
// all sorts of flag spellings.
var (
	trueWords  = map[string]bool{"yes": true, "true": true, "1": true, "y": true, "t": true, "on": true, "enabled": true, "active": true}
	falseWords = map[string]bool{"no": true, "false": true, "0": true, "n": true, "f": true, "off": true, "disabled": true, "inactive": true}
)

// normalizeBool maps a raw flag value onto "true"/"false".
func normalizeBool(s string) string {
	w := strings.ToLower(strings.TrimSpace(s))
	switch {
	case trueWords[w]:
		return "true"
	case falseWords[w]:
		return "false"
	}
	return "false"
}

// quantityRegex extracts the first numeric token from a measurement cell,
// so "5.0 ml" and "vol=250ul" both yield a usable number.
var quantityRegex = regexp.MustCompile(`[-+]?\d+(?:\.\d+)?(?:[eE][-+]?\d+)?`)

// normalizeQuantity strips units and other non-numeric characters.
// Returns "" when no numeric token is present.
func normalizeQuantity(s string) string {
	return quantityRegex.FindString(strings.ReplaceAll(s, ",", ""))
}

// idRegex extracts the digit token of an identifier cell. Unlike
// quantityRegex it never captures a sign: "P-46" is id 46, not -46.
var idRegex = regexp.MustCompile(`\d+(?:\.\d+)?`)

// normalizeNumber parses an identifier cell to a positive integer, cleaning
// unit/prefix junk first. Returns 0 when the cell has no usable number.
func normalizeNumber(s string) int64 {
	tok := idRegex.FindString(s)
	if tok == "" {
		return 0
	}
	// Identifiers are integers; "46.0" from Excel is still 46.
	if i := strings.IndexByte(tok, '.'); i >= 0 {
		frac := tok[i+1:]
		if strings.Trim(frac, "0") != "" {
			return 0
		}
		tok = tok[:i]
	}
	n, err := strconv.ParseInt(tok, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Date handling. Source files mix string dates in several layouts with raw
// Excel serial numbers. Known placeholder dates (epoch, Excel zero,
// implausible years) normalize to "" rather than raising.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"02.01.2006",
	"2.1.2006",
	"01/02/2006",
	"1/2/2006",
	"02-01-2006",
	"Jan 2, 2006",
	"2 Jan 2006",
	"20060102",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// excelEpoch is day zero of the 1900 date system as spreadsheets store it.
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

const (
	minPlausibleYear = 1900
	maxPlausibleYear = 2100
)

// normalizeDate converts an Excel-serial-or-string date to canonical ISO
// form, or "" when the value is absent, unparseable, or a known garbage
// placeholder.
func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if isAbsent(s) {
		return ""
	}

	if t, ok := parseDateString(s); ok {
		return formatPlausible(t)
	}

	// Bare integers in spreadsheet range are Excel serial days.
	if serial, err := strconv.ParseInt(s, 10, 64); err == nil {
		if serial >= 367 && serial <= 2958465 { // 1901-01-01 .. 9999-12-31
			return formatPlausible(excelEpoch.AddDate(0, 0, int(serial)))
		}
		return ""
	}
	return ""
}

func parseDateString(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			// "20060102" would also match bare serials; only trust it for
			// 8-digit strings that yield a plausible year anyway.
			return t, true
		}
	}
	return time.Time{}, false
}

// formatPlausible renders a date as ISO, rejecting placeholder dates the
// way legacy exports produce them (epoch, Excel day zero, absurd years).
func formatPlausible(t time.Time) string {
	y := t.Year()
	if y < minPlausibleYear || y > maxPlausibleYear {
		return ""
	}
	iso := t.Format("2006-01-02")
	switch iso {
	case "1900-01-01", "1899-12-30", "1970-01-01":
		return ""
	}
	return iso
}

// normalizeValue cleans one cell according to its field kind. number-kind
// values are re-rendered in canonical integer form.
func normalizeValue(kind FieldKind, raw string) string {
	switch kind {
	case KindBool:
		return normalizeBool(raw)
	case KindQuantity:
		return normalizeQuantity(raw)
	case KindDate:
		return normalizeDate(raw)
	case KindNumber:
		if n := normalizeNumber(raw); n > 0 {
			return strconv.FormatInt(n, 10)
		}
		return ""
	}
	return raw
}

// headerMap resolves a header row to column index -> FieldDef. The leftmost
// matching column wins when two source columns alias the same canonical
// field.
func headerMap(e store.Entity, header []string) map[int]FieldDef {
	idx := aliasIndex(e)
	out := make(map[int]FieldDef)
	seen := make(map[string]bool)
	for i, h := range header {
		def, ok := idx[normalizeHeader(cleanCell(h))]
		if !ok || seen[def.Name] {
			continue
		}
		seen[def.Name] = true
		out[i] = def
	}
	return out
}

// Normalize turns parsed CSV records for one entity into normalized
// Records. headerLine is the 1-based line number of the header row; data
// rows are numbered from there. Empty rows are dropped silently.
func Normalize(e store.Entity, header []string, rows [][]string, headerLine int) []store.Record {
	cols := headerMap(e, header)
	records := make([]store.Record, 0, len(rows))

	for i, row := range rows {
		if isEmptyRow(row) {
			continue
		}
		rec := store.Record{
			Line:   headerLine + i + 1,
			Fields: make(map[string]string),
		}
		for pos, def := range cols {
			if pos >= len(row) {
				continue
			}
			raw := cleanCell(row[pos])
			if isAbsent(raw) {
				continue
			}
			val := normalizeValue(def.Kind, raw)
			if val == "" && def.Kind != KindText {
				continue
			}
			rec.Fields[def.Name] = val
		}
		if n := rec.Fields["number"]; n != "" {
			rec.Number, _ = strconv.ParseInt(n, 10, 64)
			delete(rec.Fields, "number")
		}
		records = append(records, rec)
	}
	return records
}

func isEmptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
