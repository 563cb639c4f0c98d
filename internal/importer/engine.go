package importer

// engine.go orchestrates a run: parallel parse/normalize/validate of the
// input files, then dependency-ordered chunked writes inside one
// transaction, sequence resynchronization, commit, and post-commit
// verification. Preview shares the identical resolve/write path and always
// rolls back, which is what makes preview numbers trustworthy.
//
// Failure semantics: a single row's constraint violation is caught,
// reported, and counted as skipped; anything else aborts the transaction
// and discards every entity type written in this run.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openlims/labtrack/internal/store"
)

// DefaultChunkSize bounds per-chunk row processing for large specimen
// files. Chunks are an implementation detail, never a transaction boundary.
const DefaultChunkSize = 1000

// sampleRows is how many normalized rows preview returns per type.
const sampleRows = 5

// lowSuccessThreshold triggers the soft low-success-rate warning.
const lowSuccessThreshold = 0.8

// Engine runs preview and execute imports against a Store.
type Engine struct {
	store     store.Store
	chunkSize int
	log       *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithChunkSize overrides the default chunk size.
func WithChunkSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates an Engine.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		chunkSize: DefaultChunkSize,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// typeProgress accumulates per-entity outcomes during a run.
type typeProgress struct {
	imported int
	existing int // already present, mapped and skipped
	failed   int // row-level insert failures
}

func (p typeProgress) skipped() int { return p.existing + p.failed }

// runState carries everything one run accumulates across stages.
type runState struct {
	mode     Mode
	stage    Stage
	files    []string
	parsed   map[store.Entity][]store.Record // records that passed validation
	totals   map[store.Entity]int            // parsed non-empty data rows
	valFails map[store.Entity]int
	samples  map[store.Entity][]map[string]string
	counts   map[store.Entity]*typeProgress
	errors   []RowIssue
	rowErrs  []*store.RowError
	warnings []string
	seq      map[store.Entity]string
	expected int
}

func newRunState(mode Mode) *runState {
	return &runState{
		mode:     mode,
		stage:    StageReceived,
		parsed:   make(map[store.Entity][]store.Record),
		totals:   make(map[store.Entity]int),
		valFails: make(map[store.Entity]int),
		samples:  make(map[store.Entity][]map[string]string),
		counts:   make(map[store.Entity]*typeProgress),
		seq:      make(map[store.Entity]string),
	}
}

// Preview parses, normalizes, validates, and simulates the import without
// durable writes. It runs the same resolve/write path as Execute inside a
// transaction that always rolls back.
func (e *Engine) Preview(ctx context.Context, files Files, mode Mode) (*PreviewReport, error) {
	if err := checkArgs(files, mode); err != nil {
		return nil, err
	}

	st := newRunState(mode)
	if err := e.runImport(ctx, files, st, false); err != nil {
		return nil, err
	}
	st.stage = StageReported

	report := &PreviewReport{
		Summary:    make(map[store.Entity]PreviewCounts),
		Errors:     st.errors,
		Warnings:   st.warnings,
		SampleData: st.samples,
	}
	for _, ent := range store.Entities {
		if _, present := files[ent]; !present {
			continue
		}
		prog := st.counts[ent]
		if prog == nil {
			prog = &typeProgress{}
		}
		report.Summary[ent] = PreviewCounts{
			Total:     st.totals[ent],
			New:       prog.imported,
			Existing:  prog.existing,
			Conflicts: prog.failed + st.valFails[ent],
		}
	}
	return report, nil
}

// Execute performs the durable import and records the run in the history.
func (e *Engine) Execute(ctx context.Context, files Files, mode Mode) (*Report, error) {
	if err := checkArgs(files, mode); err != nil {
		return nil, err
	}

	started := time.Now()
	st := newRunState(mode)
	runErr := e.runImport(ctx, files, st, true)

	report := &Report{
		Results:         make(map[store.Entity]TypeCounts),
		Errors:          st.errors,
		SequenceUpdates: st.seq,
	}
	for _, ent := range store.Entities {
		if _, present := files[ent]; !present {
			continue
		}
		prog := st.counts[ent]
		if prog == nil {
			prog = &typeProgress{}
		}
		report.Results[ent] = TypeCounts{Imported: prog.imported, Skipped: prog.skipped()}
	}

	switch {
	case runErr != nil:
		// Everything from this run was rolled back; report, and diagnose
		// unless the run died before any writing was attempted.
		wroteAnything := st.stage != StageReceived
		st.stage = StageFailed
		report.Success = false
		report.Errors = append(report.Errors, RowIssue{
			File:    "import",
			Message: runErr.Error(),
		})
		if wroteAnything {
			report.Diagnostic = e.diagnose(ctx, st)
		}
		e.log.Error("import failed", "mode", mode, "error", runErr)

	default:
		st.stage = StageVerifying
		summary, diag, verified := e.verify(ctx, st)
		report.Validation = summary
		report.Diagnostic = diag
		if diag != nil {
			st.stage = StageFailed
			report.Success = false
		} else {
			st.stage = StageSuccess
			report.Success = true
			if verified && summary.Expected > 0 && summary.SuccessRate < lowSuccessThreshold {
				st.warnings = append(st.warnings, fmt.Sprintf(
					"low success rate: %d of %d submitted rows persisted",
					summary.Actual, summary.Expected))
				e.log.Warn("import completed with low success rate",
					"expected", summary.Expected, "actual", summary.Actual)
			}
		}
	}
	report.Stage = st.stage
	// Warnings accumulate through verification, so the snapshot comes last.
	report.Warnings = st.warnings

	e.recordRun(ctx, st, report, started, runErr)
	return report, nil
}

func checkArgs(files Files, mode Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown import mode %q", mode)
	}
	if len(files) == 0 {
		return fmt.Errorf("no files submitted")
	}
	for ent := range files {
		if !ent.Valid() {
			return fmt.Errorf("unknown entity type %q", ent)
		}
	}
	return nil
}

// runImport is the shared pipeline. With commit=false the transaction is
// always rolled back (preview); with commit=true it commits unless a fatal
// error occurs. Row-level failures never produce an error here; they are
// accumulated into st.
func (e *Engine) runImport(ctx context.Context, files Files, st *runState, commit bool) (err error) {
	if err := e.parseAll(ctx, files, st); err != nil {
		return err
	}

	sess, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := sess.Rollback(ctx); rbErr != nil && err == nil {
				err = fmt.Errorf("rollback: %w", rbErr)
			}
		}
	}()

	res := NewResolver(sess)
	if err := res.Prime(ctx); err != nil {
		return err
	}

	st.stage = StageWriting
	for _, ent := range store.Entities {
		if err := e.importEntity(ctx, sess, res, st, ent); err != nil {
			return err
		}
	}
	st.warnings = append(st.warnings, res.Notes()...)

	st.stage = StageSynchronizing
	for _, ent := range store.Entities {
		if _, present := files[ent]; !present {
			continue
		}
		if err := e.syncSequence(ctx, sess, st, ent); err != nil {
			return err
		}
	}

	if !commit {
		return nil // deferred rollback discards the simulation
	}
	if err := sess.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// parseAll parses, normalizes, and validates every submitted file in
// parallel. Files are independent at this stage; no storage access happens
// before the transaction opens.
func (e *Engine) parseAll(ctx context.Context, files Files, st *runState) error {
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)

	for _, ent := range store.Entities {
		ent := ent
		data, present := files[ent]
		if !present {
			continue
		}
		st.files = append(st.files, string(ent))

		g.Go(func() error {
			recs, err := parseFile(ent, data)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				var pe *ParseError
				if errors.As(err, &pe) {
					// A malformed file aborts that file only.
					st.errors = append(st.errors, RowIssue{File: pe.File, Message: pe.Err.Error()})
					return nil
				}
				return err
			}

			valid, issues := validateAll(ent, recs, st.mode)
			if len(recs) > 0 && len(valid) == 0 {
				return fmt.Errorf("%s: all %d rows failed validation", ent, len(recs))
			}

			st.totals[ent] = len(recs)
			st.expected += len(recs)
			st.valFails[ent] = len(issues)
			st.errors = append(st.errors, issues...)
			st.parsed[ent] = valid
			st.samples[ent] = sampleRecords(recs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	st.stage = StageValidated
	return nil
}

func sampleRecords(recs []store.Record) []map[string]string {
	n := len(recs)
	if n > sampleRows {
		n = sampleRows
	}
	samples := make([]map[string]string, 0, n)
	for _, rec := range recs[:n] {
		row := make(map[string]string, len(rec.Fields)+1)
		for k, v := range rec.Fields {
			row[k] = v
		}
		if rec.Number > 0 {
			row["number"] = strconv.FormatInt(rec.Number, 10)
		}
		samples = append(samples, row)
	}
	return samples
}

// importEntity writes one entity type's records in chunks. The chunk
// boundary bounds per-statement cost on large specimen files; it is not a
// transaction boundary.
func (e *Engine) importEntity(ctx context.Context, sess store.Session, res *Resolver, st *runState, ent store.Entity) error {
	recs := st.parsed[ent]
	if len(recs) == 0 {
		return nil
	}
	prog := &typeProgress{}
	st.counts[ent] = prog

	for start := 0; start < len(recs); start += e.chunkSize {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		end := min(start+e.chunkSize, len(recs))
		for i := start; i < end; i++ {
			if err := e.importRow(ctx, sess, res, st, ent, recs[i], prog); err != nil {
				return err
			}
		}
		e.log.Debug("chunk written", "entity", ent, "rows", end)
	}

	e.log.Info("entity imported", "entity", ent,
		"imported", prog.imported, "existing", prog.existing, "failed", prog.failed)
	return nil
}

// importRow handles one record: number assignment, reference resolution,
// and the tolerant insert.
func (e *Engine) importRow(ctx context.Context, sess store.Session, res *Resolver, st *runState, ent store.Entity, rec store.Record, prog *typeProgress) error {
	switch {
	case st.mode == ModeMigration && rec.Number > 0:
		// Replays are idempotent: an already-present number maps the
		// existing row into the resolver and counts as skipped.
		if _, ok := res.Known(ent, rec.Number); ok {
			prog.existing++
			return nil
		}
		id, found, err := sess.LookupByNumber(ctx, ent, rec.Number)
		if err != nil {
			return err
		}
		if found {
			res.Put(ent, rec.Number, id)
			prog.existing++
			return nil
		}

	default:
		// Project mode ignores supplied numbers; migration rows without a
		// number get a generated one.
		n, err := sess.NextNumber(ctx, ent)
		if err != nil {
			return err
		}
		rec.Number = n
	}

	fillPlaceholders(ent, &rec)

	refs, err := e.resolveRefs(ctx, res, ent, rec)
	if err != nil {
		return err
	}

	id, err := sess.Insert(ctx, ent, rec, refs)
	if err != nil {
		var rowErr *store.RowError
		if errors.As(err, &rowErr) && !rowErr.Fatal() {
			prog.failed++
			st.rowErrs = append(st.rowErrs, rowErr)
			st.errors = append(st.errors, RowIssue{
				File:    string(ent),
				Row:     rec.Line,
				Message: rowErr.Error(),
			})
			return nil
		}
		return err
	}

	res.Put(ent, rec.Number, id)
	prog.imported++
	return nil
}

// fillPlaceholders synthesizes identifying values for rows that validated
// as importable but lack them, instead of silently dropping the row.
func fillPlaceholders(ent store.Entity, rec *store.Record) {
	switch ent {
	case store.Organizations:
		if rec.Field("name") == "" && rec.Field("institute") == "" {
			rec.Fields["name"] = fmt.Sprintf("MIGRATED-%d", rec.Number)
		}
	case store.Projects:
		if rec.Field("title") == "" {
			rec.Fields["title"] = fmt.Sprintf("MIGRATED-%d", rec.Number)
		}
	case store.Specimens:
		if rec.Field("label") == "" {
			rec.Fields["label"] = fmt.Sprintf("MIGRATED-%d", rec.Number)
		}
	}
}

// resolveRefs resolves the record's outbound references, falling back to
// Unknown placeholders where the target cannot be found.
func (e *Engine) resolveRefs(ctx context.Context, res *Resolver, ent store.Entity, rec store.Record) (store.References, error) {
	var refs store.References
	switch ent {
	case store.Projects:
		orgID, _, err := res.Resolve(ctx, store.Organizations, refNumber(rec, "organization_number"))
		if err != nil {
			return refs, err
		}
		refs.OrganizationID = orgID

	case store.Specimens:
		projID, _, err := res.Resolve(ctx, store.Projects, refNumber(rec, "project_number"))
		if err != nil {
			return refs, err
		}
		refs.ProjectID = projID

		// The patient link is optional: absent stays NULL, unresolvable
		// degrades to the Unknown patient.
		if pn := refNumber(rec, "patient_number"); pn > 0 {
			patID, _, err := res.Resolve(ctx, store.Patients, pn)
			if err != nil {
				return refs, err
			}
			refs.PatientID = patID
			refs.HasPatient = true
		}
	}
	return refs, nil
}

func refNumber(rec store.Record, field string) int64 {
	n, _ := strconv.ParseInt(rec.Field(field), 10, 64)
	return n
}

// syncSequence advances an entity's number generator past the largest
// persisted external number, so generated numbers never collide with
// migrated ones.
func (e *Engine) syncSequence(ctx context.Context, sess store.Session, st *runState, ent store.Entity) error {
	max, err := sess.MaxNumber(ctx, ent)
	if err != nil {
		return err
	}
	next := max + 1
	if err := sess.SetNextNumber(ctx, ent, next); err != nil {
		return err
	}
	st.seq[ent] = fmt.Sprintf("next %s number set to %d", ent, next)
	return nil
}

// verify re-queries persisted non-Unknown counts after commit and compares
// them with the submitted row count. Zero persisted rows despite submitted
// rows is the silent-failure signature and produces a hard diagnostic. The
// third result reports whether the count query ran at all; when it did not,
// the summary's Actual and SuccessRate are meaningless.
func (e *Engine) verify(ctx context.Context, st *runState) (ValidationSummary, *Diagnostic, bool) {
	summary := ValidationSummary{Expected: st.expected}

	counts, actual, err := e.databaseCounts(ctx)
	if err != nil {
		// Verification must never turn a committed import into a silent
		// nothing; report what we know and flag the check itself.
		st.warnings = append(st.warnings, fmt.Sprintf("post-import verification unavailable: %v", err))
		return summary, nil, false
	}

	summary.Actual = actual
	if st.expected > 0 {
		summary.SuccessRate = float64(actual) / float64(st.expected)
	}

	if st.expected > 0 && actual == 0 {
		diag := e.buildDiagnostic(st, counts, actual)
		return summary, diag, true
	}
	return summary, nil, true
}

// databaseCounts reads real-row counts for all four types in a short
// read-only session.
func (e *Engine) databaseCounts(ctx context.Context) (map[store.Entity]int64, int64, error) {
	sess, err := e.store.Begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer sess.Rollback(ctx)

	counts := make(map[store.Entity]int64)
	var total int64
	for _, ent := range store.Entities {
		n, err := sess.CountReal(ctx, ent)
		if err != nil {
			return nil, 0, err
		}
		counts[ent] = n
		total += n
	}
	return counts, total, nil
}

// diagnose builds the failure diagnostic on the rollback path, fetching
// database counts when the storage layer is still reachable.
func (e *Engine) diagnose(ctx context.Context, st *runState) *Diagnostic {
	counts, actual, err := e.databaseCounts(ctx)
	if err != nil {
		counts = make(map[store.Entity]int64)
		actual = 0
	}
	return e.buildDiagnostic(st, counts, actual)
}

func (e *Engine) recordRun(ctx context.Context, st *runState, report *Report, started time.Time, runErr error) {
	var imported, skipped int
	for _, prog := range st.counts {
		imported += prog.imported
		skipped += prog.skipped()
	}
	run := store.RunRecord{
		ID:         uuid.New(),
		Mode:       string(st.mode),
		Stage:      string(st.stage),
		Expected:   st.expected,
		Actual:     report.Validation.Actual,
		Imported:   imported,
		Skipped:    skipped,
		Errors:     len(report.Errors),
		Success:    report.Success,
		StartedAt:  started.UTC(),
		DurationMs: time.Since(started).Milliseconds(),
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := e.store.RecordRun(ctx, run); err != nil {
		e.log.Warn("failed to record import run", "error", err)
	}
}
