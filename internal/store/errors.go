package store

// errors.go defines the tagged error model produced by the storage adapter.
//
// Row-level failures are classified at the adapter boundary from PostgreSQL
// SQLSTATE codes rather than by pattern-matching message text, so the
// verifier's diagnostics stay stable across server versions and message
// wording changes. A small pattern fallback remains for errors that never
// reach the server (connection loss, driver faults).

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorKind classifies a storage failure.
type ErrorKind string

const (
	KindDuplicate     ErrorKind = "duplicate"      // unique violation on an external number or key
	KindForeignKey    ErrorKind = "foreign_key"    // referenced row missing
	KindCheck         ErrorKind = "check"          // check-constraint violation
	KindNotNull       ErrorKind = "not_null"       // required column empty
	KindMissingSchema ErrorKind = "missing_schema" // undefined table or column
	KindConnection    ErrorKind = "connection"     // connectivity lost
	KindOther         ErrorKind = "other"
)

// RowError is a storage failure scoped to a single row. The pg adapter
// guarantees the surrounding transaction remains usable after returning one
// (the failed statement runs under a savepoint).
type RowError struct {
	Kind       ErrorKind
	Table      string
	Column     string
	Constraint string
	Err        error
}

func (e *RowError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Table != "" {
		fmt.Fprintf(&b, " on %s", e.Table)
	}
	if e.Column != "" {
		fmt.Fprintf(&b, ".%s", e.Column)
	}
	if e.Constraint != "" {
		fmt.Fprintf(&b, " (%s)", e.Constraint)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *RowError) Unwrap() error { return e.Err }

// Fatal reports whether the failure poisons the whole transaction. Constraint
// and schema problems are row-scoped; everything else (connection loss,
// unexpected driver errors) must abort the run.
func (e *RowError) Fatal() bool {
	switch e.Kind {
	case KindDuplicate, KindForeignKey, KindCheck, KindNotNull, KindMissingSchema:
		return false
	}
	return true
}

// ClassifyError maps an error from the storage layer to a *RowError. Already
// classified errors pass through unchanged.
func ClassifyError(table string, err error) *RowError {
	var re *RowError
	if errors.As(err, &re) {
		return re
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		re := &RowError{
			Table:      pgErr.TableName,
			Column:     pgErr.ColumnName,
			Constraint: pgErr.ConstraintName,
			Err:        err,
		}
		if re.Table == "" {
			re.Table = table
		}
		switch pgErr.Code {
		case "23505":
			re.Kind = KindDuplicate
		case "23503":
			re.Kind = KindForeignKey
		case "23514":
			re.Kind = KindCheck
		case "23502":
			re.Kind = KindNotNull
		case "42703", "42P01":
			re.Kind = KindMissingSchema
		default:
			if strings.HasPrefix(pgErr.Code, "08") {
				re.Kind = KindConnection
			} else {
				re.Kind = KindOther
			}
		}
		return re
	}

	// Non-PgError: connectivity faults surface as plain driver errors.
	kind := KindOther
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "conn closed"):
		kind = KindConnection
	}
	return &RowError{Kind: kind, Table: table, Err: err}
}
