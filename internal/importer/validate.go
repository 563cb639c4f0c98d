package importer

// validate.go applies the per-entity minimum-required-field rules. The
// rules are deliberately identical for migration and project imports: a
// record that validates under one mode validates under the other, so
// previews and replays can never disagree on what is importable.
//
// Validation is lenient by design. Legacy migration files are full of
// incomplete rows and the engine's job is to maximize useful yield, so only
// rows that cannot be linked or identified at all are rejected.

import (
	"github.com/openlims/labtrack/internal/store"
)

// Validate returns the validation errors for one normalized record. The
// mode parameter is accepted for call-site symmetry but never changes the
// outcome. It never panics and never returns a storage error.
func Validate(e store.Entity, rec store.Record, mode Mode) []RowIssue {
	var issues []RowIssue
	add := func(field, message string) {
		issues = append(issues, RowIssue{
			File:    string(e),
			Row:     rec.Line,
			Field:   field,
			Message: message,
		})
	}

	switch e {
	case store.Organizations:
		// Name and institute may both be missing; the importer fills
		// placeholder values instead of blocking incomplete legacy records.

	case store.Projects:
		if rec.Number == 0 && rec.Field("title") == "" {
			add("number", "project needs an identifying number or title")
		}

	case store.Specimens:
		if rec.Field("label") == "" && rec.Number == 0 {
			add("label", "specimen has no tube, sample, or numeric identifier")
		}

	case store.Patients:
		// No hard-required fields.
	}

	return issues
}

// validateAll validates every record of a file, returning the issues and
// the subset of records that passed.
func validateAll(e store.Entity, recs []store.Record, mode Mode) ([]store.Record, []RowIssue) {
	valid := make([]store.Record, 0, len(recs))
	var issues []RowIssue
	for _, rec := range recs {
		if errs := Validate(e, rec, mode); len(errs) > 0 {
			issues = append(issues, errs...)
			continue
		}
		valid = append(valid, rec)
	}
	return valid, issues
}
