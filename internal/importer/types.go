// Package importer implements the multi-entity migration/import engine.
//
// The engine ingests up to four related CSV files (organizations, projects,
// specimens, patients), normalizes header spellings, validates rows,
// resolves cross-entity references with an Unknown-placeholder fallback,
// writes everything in dependency order inside one transaction,
// resynchronizes the external-number generators, and verifies after commit
// that what was reported as imported was actually persisted.
package importer

import (
	"github.com/openlims/labtrack/internal/store"
)

// Mode selects how externally supplied numbers are treated.
type Mode string

const (
	// ModeMigration preserves external numbers from the source file and
	// skips rows whose number already exists, making re-imports idempotent.
	ModeMigration Mode = "migration"

	// ModeProject ignores supplied numbers and generates fresh ones.
	ModeProject Mode = "project"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeMigration || m == ModeProject
}

// Stage tracks the state machine of one run. Terminal stages are
// StageSuccess and StageFailed; a failed run must be re-submitted.
type Stage string

const (
	StageReceived      Stage = "received"
	StageParsed        Stage = "parsed"
	StageValidated     Stage = "validated"
	StageReported      Stage = "reported" // preview terminal
	StageWriting       Stage = "resolving&writing"
	StageSynchronizing Stage = "synchronizing"
	StageVerifying     Stage = "verifying"
	StageSuccess       Stage = "success"
	StageFailed        Stage = "failed"
)

// Files holds raw CSV payloads keyed by entity type. Any subset of the four
// types may be present.
type Files map[store.Entity][]byte

// RowIssue is the uniform row-level error shape for both operations.
type RowIssue struct {
	File    string `json:"file"`
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// TypeCounts reports the outcome for one entity type. Skipped covers both
// already-present rows and rows dropped for row-level errors.
type TypeCounts struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// ValidationSummary is the post-commit verification result.
type ValidationSummary struct {
	Expected    int     `json:"expected"`
	Actual      int64   `json:"actual"`
	SuccessRate float64 `json:"successRate"`
}

// Report is the result of an execute run.
type Report struct {
	Success         bool                         `json:"success"`
	Stage           Stage                        `json:"stage"`
	Results         map[store.Entity]TypeCounts  `json:"results"`
	Errors          []RowIssue                   `json:"errors"`
	Warnings        []string                     `json:"warnings,omitempty"`
	SequenceUpdates map[store.Entity]string      `json:"sequenceUpdates"`
	Validation      ValidationSummary            `json:"validation"`
	Diagnostic      *Diagnostic                  `json:"diagnostic,omitempty"`
}

// PreviewCounts summarizes what an execute run would do for one type.
type PreviewCounts struct {
	Total     int `json:"total"`
	New       int `json:"new"`
	Existing  int `json:"existing"`
	Conflicts int `json:"conflicts"`
}

// PreviewReport is the result of a preview run. Nothing is persisted.
type PreviewReport struct {
	Summary    map[store.Entity]PreviewCounts         `json:"summary"`
	Errors     []RowIssue                             `json:"errors"`
	Warnings   []string                               `json:"warnings,omitempty"`
	SampleData map[store.Entity][]map[string]string   `json:"sampleData"`
}

// Diagnostic is the hard-failure payload: it classifies accumulated
// row-level errors and ranks likely root causes with remediation hints.
type Diagnostic struct {
	Stage           Stage                  `json:"stage"`
	FilesProcessed  []string               `json:"filesProcessed"`
	RecordsExpected int                    `json:"recordsExpected"`
	RecordsActual   int64                  `json:"recordsActual"`
	DatabaseCounts  map[store.Entity]int64 `json:"databaseCounts"`
	ErrorAnalysis   map[string]int         `json:"errorAnalysis"`
	CommonCauses    []string               `json:"commonCauses"`
	SpecificErrors  []RowIssue             `json:"specificErrors"`
	Troubleshooting []string               `json:"troubleshooting"`
}
