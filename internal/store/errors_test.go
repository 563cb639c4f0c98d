package store

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassifyErrorSQLStates(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		wantKind  ErrorKind
		wantFatal bool
	}{
		{"unique violation", "23505", KindDuplicate, false},
		{"foreign key violation", "23503", KindForeignKey, false},
		{"check violation", "23514", KindCheck, false},
		{"not null violation", "23502", KindNotNull, false},
		{"undefined column", "42703", KindMissingSchema, false},
		{"undefined table", "42P01", KindMissingSchema, false},
		{"connection exception", "08006", KindConnection, true},
		{"serialization failure", "40001", KindOther, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pgErr := &pgconn.PgError{Code: tt.code, TableName: "specimens", ConstraintName: "specimens_number_key"}
			re := ClassifyError("specimens", pgErr)

			if re.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", re.Kind, tt.wantKind)
			}
			if re.Fatal() != tt.wantFatal {
				t.Errorf("Fatal() = %v, want %v", re.Fatal(), tt.wantFatal)
			}
			if re.Table != "specimens" {
				t.Errorf("Table = %q, want %q", re.Table, "specimens")
			}
		})
	}
}

func TestClassifyErrorConnectionPatterns(t *testing.T) {
	for _, msg := range []string{
		"dial tcp 10.0.0.5:5432: connection refused",
		"read tcp: connection reset by peer",
		"write: broken pipe",
		"conn closed",
	} {
		re := ClassifyError("projects", errors.New(msg))
		if re.Kind != KindConnection {
			t.Errorf("ClassifyError(%q).Kind = %s, want %s", msg, re.Kind, KindConnection)
		}
		if !re.Fatal() {
			t.Errorf("connection error %q should be fatal", msg)
		}
	}
}

func TestClassifyErrorPassthrough(t *testing.T) {
	orig := &RowError{Kind: KindDuplicate, Table: "patients"}
	wrapped := fmt.Errorf("insert row: %w", orig)

	if got := ClassifyError("patients", wrapped); got != orig {
		t.Error("already classified error was re-wrapped")
	}
}

func TestClassifyErrorUnknown(t *testing.T) {
	re := ClassifyError("organizations", errors.New("something odd"))
	if re.Kind != KindOther {
		t.Errorf("Kind = %s, want %s", re.Kind, KindOther)
	}
	if !re.Fatal() {
		t.Error("unclassified errors must be fatal")
	}
	if re.Table != "organizations" {
		t.Errorf("Table = %q, want %q", re.Table, "organizations")
	}
}

func TestRowErrorMessage(t *testing.T) {
	re := &RowError{
		Kind:       KindDuplicate,
		Table:      "specimens",
		Constraint: "specimens_number_key",
		Err:        errors.New("duplicate key value"),
	}
	got := re.Error()
	for _, want := range []string{"duplicate", "specimens", "specimens_number_key"} {
		if !strings.Contains(got, want) {
			t.Errorf("Error() = %q, missing %q", got, want)
		}
	}
	if !errors.Is(re, re.Err) {
		t.Error("RowError does not unwrap to its cause")
	}
}
