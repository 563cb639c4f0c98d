package store

// postgres.go implements Store against PostgreSQL using pgx/v5.
//
// Every Insert runs under a savepoint so that a constraint violation on one
// row leaves the surrounding import transaction usable. Fatal errors
// (connection loss, schema problems that abort the backend) are returned
// unclassified up the stack and end the run.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the production Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps a connection pool. The pool is owned by the caller.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Begin opens one transaction; the returned session must be ended with
// Commit or Rollback on every path.
func (p *Postgres) Begin(ctx context.Context) (Session, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &pgSession{tx: tx}, nil
}

// RecordRun inserts a run-history row outside any import transaction.
func (p *Postgres) RecordRun(ctx context.Context, run RunRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO import_runs
			(id, mode, stage, expected, actual, imported, skipped, errors, success, started_at, duration_ms, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.Mode, run.Stage, run.Expected, run.Actual, run.Imported,
		run.Skipped, run.Errors, run.Success, run.StartedAt, run.DurationMs,
		// nullable column: successful runs store NULL, not "".
		ToPgText(run.Error),
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// ListRuns returns recent run-history rows, newest first.
func (p *Postgres) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, mode, stage, expected, actual, imported, skipped, errors, success, started_at, duration_ms, error
		FROM import_runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var errText pgtype.Text
		if err := rows.Scan(&r.ID, &r.Mode, &r.Stage, &r.Expected, &r.Actual,
			&r.Imported, &r.Skipped, &r.Errors, &r.Success, &r.StartedAt,
			&r.DurationMs, &errText); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Error = errText.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// pgSession is one open transaction.
type pgSession struct {
	tx    pgx.Tx
	spSeq int
}

func (s *pgSession) Commit(ctx context.Context) error   { return s.tx.Commit(ctx) }
func (s *pgSession) Rollback(ctx context.Context) error { return s.tx.Rollback(ctx) }

func (s *pgSession) EnsureUnknown(ctx context.Context, e Entity) (uuid.UUID, error) {
	id := uuid.New()
	var sql string
	switch e {
	case Organizations:
		sql = `INSERT INTO organizations (id, number, name) VALUES ($1, 0, 'Unknown') ON CONFLICT (number) DO NOTHING`
	case Projects:
		// The Unknown project hangs off the Unknown organization.
		orgID, err := s.EnsureUnknown(ctx, Organizations)
		if err != nil {
			return uuid.Nil, err
		}
		_, err = s.tx.Exec(ctx,
			`INSERT INTO projects (id, number, title, organization_id) VALUES ($1, 0, 'Unknown', $2) ON CONFLICT (number) DO NOTHING`,
			id, orgID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("ensure unknown %s: %w", e, err)
		}
		return s.unknownID(ctx, e)
	case Specimens:
		projID, err := s.EnsureUnknown(ctx, Projects)
		if err != nil {
			return uuid.Nil, err
		}
		_, err = s.tx.Exec(ctx,
			`INSERT INTO specimens (id, number, label, project_id) VALUES ($1, 0, 'Unknown', $2) ON CONFLICT (number) DO NOTHING`,
			id, projID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("ensure unknown %s: %w", e, err)
		}
		return s.unknownID(ctx, e)
	case Patients:
		sql = `INSERT INTO patients (id, number, code) VALUES ($1, 0, 'Unknown') ON CONFLICT (number) DO NOTHING`
	default:
		return uuid.Nil, fmt.Errorf("unknown entity type: %s", e)
	}
	if _, err := s.tx.Exec(ctx, sql, id); err != nil {
		return uuid.Nil, fmt.Errorf("ensure unknown %s: %w", e, err)
	}
	return s.unknownID(ctx, e)
}

func (s *pgSession) unknownID(ctx context.Context, e Entity) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE number = 0`, e)).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("lookup unknown %s: %w", e, err)
	}
	return id, nil
}

func (s *pgSession) LookupByNumber(ctx context.Context, e Entity, number int64) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE number = $1`, e), number).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("lookup %s #%d: %w", e, number, err)
	}
	return id, true, nil
}

func (s *pgSession) Insert(ctx context.Context, e Entity, rec Record, refs References) (uuid.UUID, error) {
	id := uuid.New()
	var sql string
	var args []any

	switch e {
	case Organizations:
		sql = `INSERT INTO organizations
			(id, number, name, institute, department, pi_name, email, phone, address, country, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, true))`
		args = []any{id, rec.Number,
			ToPgText(rec.Field("name")), ToPgText(rec.Field("institute")),
			ToPgText(rec.Field("department")), ToPgText(rec.Field("pi_name")),
			ToPgText(rec.Field("email")), ToPgText(rec.Field("phone")),
			ToPgText(rec.Field("address")), ToPgText(rec.Field("country")),
			ToPgBool(rec.Field("active"))}
	case Projects:
		sql = `INSERT INTO projects
			(id, number, title, organization_id, status, disease_area, start_date, end_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
		args = []any{id, rec.Number,
			ToPgText(rec.Field("title")), refs.OrganizationID,
			ToPgText(rec.Field("status")), ToPgText(rec.Field("disease_area")),
			ToPgDate(rec.Field("start_date")), ToPgDate(rec.Field("end_date"))}
	case Specimens:
		var patientID any
		if refs.HasPatient {
			patientID = refs.PatientID
		}
		sql = `INSERT INTO specimens
			(id, number, label, specimen_type, project_id, patient_id, volume_ul, collection_date, position, depleted)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, false))`
		args = []any{id, rec.Number,
			ToPgText(rec.Field("label")), ToPgText(rec.Field("specimen_type")),
			refs.ProjectID, patientID,
			ToPgNumeric(rec.Field("volume_ul")), ToPgDate(rec.Field("collection_date")),
			ToPgText(rec.Field("position")), ToPgBool(rec.Field("depleted"))}
	case Patients:
		sql = `INSERT INTO patients (id, number, code, sex, birth_date, diagnosis)
			VALUES ($1, $2, $3, $4, $5, $6)`
		args = []any{id, rec.Number,
			ToPgText(rec.Field("code")), ToPgText(rec.Field("sex")),
			ToPgDate(rec.Field("birth_date")), ToPgText(rec.Field("diagnosis"))}
	default:
		return uuid.Nil, fmt.Errorf("unknown entity type: %s", e)
	}

	// Savepoint per row: a constraint violation must not poison the
	// surrounding import transaction.
	s.spSeq++
	sp := fmt.Sprintf("row_%d", s.spSeq)
	if _, err := s.tx.Exec(ctx, "SAVEPOINT "+sp); err != nil {
		return uuid.Nil, fmt.Errorf("savepoint: %w", err)
	}

	if _, err := s.tx.Exec(ctx, sql, args...); err != nil {
		rowErr := ClassifyError(string(e), err)
		if rowErr.Fatal() {
			return uuid.Nil, rowErr
		}
		if _, rbErr := s.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
			return uuid.Nil, fmt.Errorf("rollback to savepoint: %w", rbErr)
		}
		return uuid.Nil, rowErr
	}

	if _, err := s.tx.Exec(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		return uuid.Nil, fmt.Errorf("release savepoint: %w", err)
	}
	return id, nil
}

func (s *pgSession) CountReal(ctx context.Context, e Entity) (int64, error) {
	var n int64
	err := s.tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE number <> 0`, e)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", e, err)
	}
	return n, nil
}

func (s *pgSession) MaxNumber(ctx context.Context, e Entity) (int64, error) {
	var n int64
	err := s.tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(number), 0) FROM %s WHERE number <> 0`, e)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("max number %s: %w", e, err)
	}
	return n, nil
}

func (s *pgSession) NextNumber(ctx context.Context, e Entity) (int64, error) {
	var n int64
	err := s.tx.QueryRow(ctx, `
		INSERT INTO id_sequences (entity, next_number) VALUES ($1, 2)
		ON CONFLICT (entity) DO UPDATE SET next_number = id_sequences.next_number + 1
		RETURNING next_number - 1`, string(e)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next number %s: %w", e, err)
	}
	return n, nil
}

func (s *pgSession) SetNextNumber(ctx context.Context, e Entity, n int64) error {
	if n < 1 {
		n = 1
	}
	_, err := s.tx.Exec(ctx, `
		INSERT INTO id_sequences (entity, next_number) VALUES ($1, $2)
		ON CONFLICT (entity) DO UPDATE SET next_number = GREATEST(id_sequences.next_number, EXCLUDED.next_number)`,
		string(e), n)
	if err != nil {
		return fmt.Errorf("set next number %s: %w", e, err)
	}
	return nil
}

// Ping verifies connectivity; used at startup.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.pool.Ping(ctx)
}
