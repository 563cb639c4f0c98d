package importer

import (
	"sort"

	"github.com/openlims/labtrack/internal/store"
)

// specificErrorCap bounds how many row errors a diagnostic carries.
const specificErrorCap = 20

// errorCategory maps a classified storage error kind to the category label
// shown in diagnostics.
func errorCategory(kind store.ErrorKind) string {
	switch kind {
	case store.KindDuplicate:
		return "duplicate"
	case store.KindForeignKey:
		return "foreign key violation"
	case store.KindCheck, store.KindNotNull:
		return "constraint violation"
	case store.KindMissingSchema:
		return "missing column"
	case store.KindConnection:
		return "connection failure"
	default:
		return "other"
	}
}

var causeByCategory = map[string]string{
	"duplicate":             "rows collide with numbers or labels already present; re-run in migration mode to skip existing rows",
	"foreign key violation": "referenced organizations, projects, or patients are missing from the database and the submitted files",
	"constraint violation":  "cell values violate column constraints; check required fields and value formats in the source export",
	"missing column":        "the database schema is out of date; run the pending schema migrations",
	"connection failure":    "the database connection dropped mid-import; the whole run was rolled back",
}

var troubleshootingHints = []string{
	"run a preview first and resolve every reported conflict before executing",
	"confirm the header row names match a recognized spelling for each required column",
	"import organizations and projects before specimens so references resolve within the run",
	"check that the database schema matches the expected table layout",
	"re-run the import in migration mode to skip rows that already exist",
}

// buildDiagnostic classifies the run's accumulated row errors and ranks the
// likely root causes by how often each category occurred.
func (e *Engine) buildDiagnostic(st *runState, counts map[store.Entity]int64, actual int64) *Diagnostic {
	analysis := make(map[string]int)
	for _, rowErr := range st.rowErrs {
		analysis[errorCategory(rowErr.Kind)]++
	}

	type freq struct {
		category string
		n        int
	}
	ranked := make([]freq, 0, len(analysis))
	for cat, n := range analysis {
		ranked = append(ranked, freq{cat, n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].n != ranked[j].n {
			return ranked[i].n > ranked[j].n
		}
		return ranked[i].category < ranked[j].category
	})

	causes := make([]string, 0, len(ranked))
	for _, f := range ranked {
		if cause, ok := causeByCategory[f.category]; ok {
			causes = append(causes, cause)
		}
	}
	if len(causes) == 0 {
		causes = append(causes, "no row-level errors were recorded; the rows may have been filtered out before writing, or the transaction was rolled back by a fatal error")
	}

	specific := st.errors
	if len(specific) > specificErrorCap {
		specific = specific[:specificErrorCap]
	}

	return &Diagnostic{
		Stage:           st.stage,
		FilesProcessed:  st.files,
		RecordsExpected: st.expected,
		RecordsActual:   actual,
		DatabaseCounts:  counts,
		ErrorAnalysis:   analysis,
		CommonCauses:    causes,
		SpecificErrors:  specific,
		Troubleshooting: troubleshootingHints,
	}
}
