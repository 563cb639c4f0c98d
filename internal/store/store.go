// Package store provides the storage adapter for the import engine.
//
// Two implementations exist: a PostgreSQL adapter built on pgx/v5 (used in
// production) and an in-memory adapter (used by tests and available for
// demos without a database). Both expose the same Session abstraction: one
// session is one transaction, and every import run holds exactly one
// session for its whole duration.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Entity identifies one of the four importable entity types.
type Entity string

const (
	Organizations Entity = "organizations"
	Projects      Entity = "projects"
	Specimens     Entity = "specimens"
	Patients      Entity = "patients"
)

// Entities lists all entity types in dependency order: every entity appears
// after the entities it can reference. Patients precede specimens because
// the optional specimen->patient link must resolve within a single run.
var Entities = []Entity{Organizations, Projects, Patients, Specimens}

// Valid reports whether e names a known entity type.
func (e Entity) Valid() bool {
	switch e {
	case Organizations, Projects, Specimens, Patients:
		return true
	}
	return false
}

// UnknownNumber is the external number permanently reserved for the Unknown
// placeholder row of each entity type. It is never assigned to a real record
// and placeholder rows are excluded from all real-record counts.
const UnknownNumber int64 = 0

// Record is a normalized row ready for insertion. Fields holds canonical
// field names (see the importer's alias tables) mapped to cleaned string
// values; absent or blank source cells are simply missing from the map.
type Record struct {
	Line   int               // 1-based source line, for error reporting
	Number int64             // external number, 0 if the source supplied none
	Fields map[string]string // canonical field -> cleaned value
}

// Field returns the named canonical field, or "" if absent.
func (r Record) Field(name string) string {
	return r.Fields[name]
}

// References carries resolved internal keys for a record's links. Zero-value
// UUIDs are only valid where the link itself is optional.
type References struct {
	OrganizationID uuid.UUID // projects: required
	ProjectID      uuid.UUID // specimens: required
	PatientID      uuid.UUID // specimens: optional, uuid.Nil when absent
	HasPatient     bool
}

// RunRecord summarizes one import execution for the run history.
type RunRecord struct {
	ID         uuid.UUID `json:"id"`
	Mode       string    `json:"mode"`
	Stage      string    `json:"stage"`
	Expected   int       `json:"expected"`
	Actual     int64     `json:"actual"`
	Imported   int       `json:"imported"`
	Skipped    int       `json:"skipped"`
	Errors     int       `json:"errors"`
	Success    bool      `json:"success"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
	Error      string    `json:"error,omitempty"`
}

// Store opens sessions and records run history.
type Store interface {
	// Begin opens a transactional session. The caller must end it with
	// exactly one Commit or Rollback on every path.
	Begin(ctx context.Context) (Session, error)

	// RecordRun persists a run-history entry outside any import
	// transaction, so failed runs are recorded too.
	RecordRun(ctx context.Context, run RunRecord) error

	// ListRuns returns up to limit recent runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
}

// Session is one transaction against the storage layer. All reads observe
// the session's own uncommitted writes.
type Session interface {
	// EnsureUnknown creates the entity's Unknown placeholder row (external
	// number 0) if absent and returns its internal key. Idempotent.
	EnsureUnknown(ctx context.Context, e Entity) (uuid.UUID, error)

	// LookupByNumber returns the internal key for the row with the given
	// external number, with ok=false when no such row exists.
	LookupByNumber(ctx context.Context, e Entity, number int64) (uuid.UUID, bool, error)

	// Insert writes one record and returns its internal key. Constraint
	// violations are returned as *RowError and leave the surrounding
	// transaction usable; any other error is fatal to the transaction.
	Insert(ctx context.Context, e Entity, rec Record, refs References) (uuid.UUID, error)

	// CountReal counts persisted rows excluding the Unknown placeholder.
	CountReal(ctx context.Context, e Entity) (int64, error)

	// MaxNumber returns the largest external number among real rows, 0 when
	// the entity has none.
	MaxNumber(ctx context.Context, e Entity) (int64, error)

	// NextNumber allocates and returns the next generated external number
	// for the entity.
	NextNumber(ctx context.Context, e Entity) (int64, error)

	// SetNextNumber advances the entity's generator so the next allocation
	// returns n. It never moves the generator backwards.
	SetNextNumber(ctx context.Context, e Entity, n int64) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
