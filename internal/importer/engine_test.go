package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/openlims/labtrack/internal/store"
)

// ============================================================================
// Test fixtures
// ============================================================================

func migrationFiles() Files {
	return Files{
		store.Organizations: []byte("number,name\n46,Acme Labs\n47,Beta Institute\n"),
		store.Projects:      []byte("number,title,collaborator\n10,Study A,46\n11,Study B,999\n"),
		store.Patients:      []byte("number,code\n5,P-5\n"),
		store.Specimens:     []byte("number,tube_label,project,patient\n39552,,10,5\n"),
	}
}

func executeOrFail(t *testing.T, engine *Engine, files Files, mode Mode) *Report {
	t.Helper()
	report, err := engine.Execute(context.Background(), files, mode)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	return report
}

// ============================================================================
// Execute
// ============================================================================

func TestExecuteMigration(t *testing.T) {
	mem := store.NewMemory()
	engine := New(mem)

	report := executeOrFail(t, engine, migrationFiles(), ModeMigration)

	if !report.Success {
		t.Fatalf("Success = false, stage %s, errors %v", report.Stage, report.Errors)
	}
	if report.Stage != StageSuccess {
		t.Errorf("Stage = %s, want %s", report.Stage, StageSuccess)
	}

	wantImported := map[store.Entity]int{
		store.Organizations: 2,
		store.Projects:      2,
		store.Patients:      1,
		store.Specimens:     1,
	}
	for ent, want := range wantImported {
		if got := report.Results[ent].Imported; got != want {
			t.Errorf("%s imported = %d, want %d", ent, got, want)
		}
		if got := mem.CommittedCount(ent); got != want {
			t.Errorf("%s committed rows = %d, want %d", ent, got, want)
		}
	}

	if report.Validation.Expected != 6 {
		t.Errorf("Validation.Expected = %d, want 6", report.Validation.Expected)
	}
	if report.Validation.Actual != 6 {
		t.Errorf("Validation.Actual = %d, want 6", report.Validation.Actual)
	}

	// Sequence updates reported for every submitted type.
	for ent := range wantImported {
		if report.SequenceUpdates[ent] == "" {
			t.Errorf("missing sequence update for %s", ent)
		}
	}
}

func TestExecuteResolvesReferences(t *testing.T) {
	mem := store.NewMemory()
	engine := New(mem)

	report := executeOrFail(t, engine, migrationFiles(), ModeMigration)

	// Specimen 39552 links project 10 and patient 5 written in the same run.
	_, refs, ok := mem.RowByNumber(store.Specimens, 39552)
	if !ok {
		t.Fatal("specimen 39552 not committed")
	}
	if projID, _ := mem.IDByNumber(store.Projects, 10); refs.ProjectID != projID {
		t.Error("specimen project reference does not match project 10")
	}
	patID, _ := mem.IDByNumber(store.Patients, 5)
	if !refs.HasPatient || refs.PatientID != patID {
		t.Error("specimen patient reference does not match patient 5")
	}

	// Project 11 referenced collaborator 999 which does not exist: it must
	// land on the Unknown organization, not fail.
	_, refs11, ok := mem.RowByNumber(store.Projects, 11)
	if !ok {
		t.Fatal("project 11 not committed")
	}
	unknownOrg, ok := mem.IDByNumber(store.Organizations, store.UnknownNumber)
	if !ok {
		t.Fatal("Unknown organization placeholder not committed")
	}
	if refs11.OrganizationID != unknownOrg {
		t.Error("unresolved collaborator did not fall back to the Unknown organization")
	}

	// And the fallback is surfaced as a warning.
	found := false
	for _, w := range report.Warnings {
		if strings.Contains(w, "999") {
			found = true
		}
	}
	if !found {
		t.Error("missing warning about collaborator 999 falling back to Unknown")
	}
}

func TestExecuteSynthesizesSpecimenLabel(t *testing.T) {
	mem := store.NewMemory()
	engine := New(mem)

	executeOrFail(t, engine, migrationFiles(), ModeMigration)

	rec, _, ok := mem.RowByNumber(store.Specimens, 39552)
	if !ok {
		t.Fatal("specimen 39552 not committed")
	}
	if got := rec.Field("label"); got != "MIGRATED-39552" {
		t.Errorf("label = %q, want %q", got, "MIGRATED-39552")
	}
}

func TestExecuteMigrationReplayIsIdempotent(t *testing.T) {
	mem := store.NewMemory()
	engine := New(mem)

	files := Files{
		store.Organizations: []byte("number,name\n46,Acme Labs\n47,Beta Institute\n"),
	}
	executeOrFail(t, engine, files, ModeMigration)

	report := executeOrFail(t, engine, files, ModeMigration)
	if !report.Success {
		t.Fatalf("replay failed: stage %s, errors %v", report.Stage, report.Errors)
	}
	counts := report.Results[store.Organizations]
	if counts.Imported != 0 || counts.Skipped != 2 {
		t.Errorf("replay counts = %+v, want Imported 0 Skipped 2", counts)
	}
	if got := mem.CommittedCount(store.Organizations); got != 2 {
		t.Errorf("committed organizations = %d, want 2 after replay", got)
	}
}

func TestExecuteProjectModeGeneratesNumbers(t *testing.T) {
	mem := store.NewMemory()
	engine := New(mem)

	// Migrate organizations 46 and 47 first; the sequence must land on 48.
	executeOrFail(t, engine, Files{
		store.Organizations: []byte("number,name\n46,Acme Labs\n47,Beta Institute\n"),
	}, ModeMigration)

	// Project mode ignores the supplied number 999.
	report := executeOrFail(t, engine, Files{
		store.Organizations: []byte("number,name\n999,Gamma Clinic\n"),
	}, ModeProject)
	if !report.Success {
		t.Fatalf("project-mode run failed: %v", report.Errors)
	}

	nums := mem.Numbers(store.Organizations)
	want := []int64{46, 47, 48}
	if len(nums) != len(want) {
		t.Fatalf("numbers = %v, want %v", nums, want)
	}
	for i := range want {
		if nums[i] != want[i] {
			t.Fatalf("numbers = %v, want %v", nums, want)
		}
	}
}

func TestExecuteToleratesRowErrors(t *testing.T) {
	mem := store.NewMemory()
	mem.InsertErr = func(e store.Entity, rec store.Record) error {
		if rec.Field("name") == "Broken Org" {
			return &store.RowError{
				Kind:  store.KindCheck,
				Table: string(e),
				Err:   errors.New("value violates check constraint"),
			}
		}
		return nil
	}
	engine := New(mem)

	report := executeOrFail(t, engine, Files{
		store.Organizations: []byte("number,name\n46,Acme Labs\n47,Broken Org\n48,Beta Institute\n"),
	}, ModeMigration)

	if !report.Success {
		t.Fatalf("run with one bad row failed entirely: %v", report.Errors)
	}
	counts := report.Results[store.Organizations]
	if counts.Imported != 2 || counts.Skipped != 1 {
		t.Errorf("counts = %+v, want Imported 2 Skipped 1", counts)
	}
	if got := mem.CommittedCount(store.Organizations); got != 2 {
		t.Errorf("committed = %d, want 2", got)
	}
	if len(report.Errors) != 1 {
		t.Fatalf("got %d errors, want 1", len(report.Errors))
	}
	if report.Errors[0].Row != 3 {
		t.Errorf("error row = %d, want 3", report.Errors[0].Row)
	}
}

func TestExecuteFatalErrorRollsBackEverything(t *testing.T) {
	mem := store.NewMemory()
	mem.InsertErr = func(e store.Entity, rec store.Record) error {
		if e == store.Specimens {
			return errors.New("connection reset mid-statement")
		}
		return nil
	}
	engine := New(mem)

	report := executeOrFail(t, engine, migrationFiles(), ModeMigration)

	if report.Success {
		t.Fatal("Success = true, want failure on fatal storage error")
	}
	if report.Stage != StageFailed {
		t.Errorf("Stage = %s, want %s", report.Stage, StageFailed)
	}
	if report.Diagnostic == nil {
		t.Error("missing diagnostic on fatal failure")
	}
	// Nothing persists: the organizations and projects written before the
	// fatal specimen insert roll back with it.
	for _, ent := range store.Entities {
		if got := mem.CommittedCount(ent); got != 0 {
			t.Errorf("%s committed = %d, want 0 after rollback", ent, got)
		}
	}
}

func TestExecuteAllRowsInvalidFails(t *testing.T) {
	mem := store.NewMemory()
	engine := New(mem)

	// Every project row lacks both number and title.
	report := executeOrFail(t, engine, Files{
		store.Projects: []byte("title,status\n,active\n,ended\n"),
	}, ModeMigration)

	if report.Success {
		t.Fatal("Success = true, want failure when every row fails validation")
	}
	if got := mem.CommittedCount(store.Projects); got != 0 {
		t.Errorf("committed projects = %d, want 0", got)
	}
	// Nothing was written, so there is no persistence failure to diagnose.
	if report.Diagnostic != nil {
		t.Error("unexpected diagnostic for a validation-only failure")
	}
}

func TestExecuteRecordsRunHistory(t *testing.T) {
	mem := store.NewMemory()
	engine := New(mem)

	executeOrFail(t, engine, migrationFiles(), ModeMigration)

	runs, err := mem.ListRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	run := runs[0]
	if !run.Success {
		t.Error("run history Success = false, want true")
	}
	if run.Mode != string(ModeMigration) {
		t.Errorf("run Mode = %q, want %q", run.Mode, ModeMigration)
	}
	if run.Expected != 6 || run.Imported != 6 {
		t.Errorf("run Expected/Imported = %d/%d, want 6/6", run.Expected, run.Imported)
	}
}

func TestExecuteArgumentChecks(t *testing.T) {
	engine := New(store.NewMemory())
	ctx := context.Background()

	if _, err := engine.Execute(ctx, migrationFiles(), Mode("bulk")); err == nil {
		t.Error("Execute accepted an unknown mode")
	}
	if _, err := engine.Execute(ctx, Files{}, ModeMigration); err == nil {
		t.Error("Execute accepted an empty file set")
	}
}

// ============================================================================
// Preview
// ============================================================================

func TestPreviewPersistsNothing(t *testing.T) {
	mem := store.NewMemory()
	engine := New(mem)

	report, err := engine.Preview(context.Background(), migrationFiles(), ModeMigration)
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}

	for _, ent := range store.Entities {
		if got := mem.CommittedCount(ent); got != 0 {
			t.Errorf("%s committed = %d after preview, want 0", ent, got)
		}
	}

	orgs := report.Summary[store.Organizations]
	if orgs.Total != 2 || orgs.New != 2 || orgs.Existing != 0 {
		t.Errorf("organizations summary = %+v, want Total 2 New 2", orgs)
	}
	if len(report.SampleData[store.Organizations]) != 2 {
		t.Errorf("sample rows = %d, want 2", len(report.SampleData[store.Organizations]))
	}
}

func TestPreviewCountsExisting(t *testing.T) {
	mem := store.NewMemory()
	engine := New(mem)

	files := Files{
		store.Organizations: []byte("number,name\n46,Acme Labs\n47,Beta Institute\n"),
	}
	executeOrFail(t, engine, files, ModeMigration)

	report, err := engine.Preview(context.Background(), files, ModeMigration)
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	orgs := report.Summary[store.Organizations]
	if orgs.New != 0 || orgs.Existing != 2 {
		t.Errorf("summary = %+v, want New 0 Existing 2", orgs)
	}
}

func TestPreviewMatchesExecute(t *testing.T) {
	// The preview's simulated path must agree with what execute then does.
	memA := store.NewMemory()
	preview, err := New(memA).Preview(context.Background(), migrationFiles(), ModeMigration)
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}

	memB := store.NewMemory()
	execReport := executeOrFail(t, New(memB), migrationFiles(), ModeMigration)

	for _, ent := range store.Entities {
		if got, want := preview.Summary[ent].New, execReport.Results[ent].Imported; got != want {
			t.Errorf("%s: preview New %d != execute Imported %d", ent, got, want)
		}
	}
}

// ============================================================================
// Post-commit verification
// ============================================================================

// droppedCommitStore simulates the silent-failure mode where the commit
// reports success but nothing persists.
type droppedCommitStore struct {
	*store.Memory
}

func (s *droppedCommitStore) Begin(ctx context.Context) (store.Session, error) {
	sess, err := s.Memory.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &droppedCommitSession{sess}, nil
}

type droppedCommitSession struct {
	store.Session
}

func (s *droppedCommitSession) Commit(ctx context.Context) error {
	return s.Session.Rollback(ctx)
}

func TestVerifyCatchesSilentFailure(t *testing.T) {
	mem := store.NewMemory()
	engine := New(&droppedCommitStore{mem})

	report := executeOrFail(t, engine, migrationFiles(), ModeMigration)

	if report.Success {
		t.Fatal("Success = true despite zero persisted rows")
	}
	if report.Stage != StageFailed {
		t.Errorf("Stage = %s, want %s", report.Stage, StageFailed)
	}
	diag := report.Diagnostic
	if diag == nil {
		t.Fatal("missing diagnostic")
	}
	if diag.RecordsExpected != 6 || diag.RecordsActual != 0 {
		t.Errorf("diagnostic expected/actual = %d/%d, want 6/0", diag.RecordsExpected, diag.RecordsActual)
	}
	if len(diag.CommonCauses) == 0 || len(diag.Troubleshooting) == 0 {
		t.Error("diagnostic lacks causes or troubleshooting hints")
	}
}

// verifyBlockedStore lets the import transaction through, then fails every
// later Begin so the post-commit count query cannot run.
type verifyBlockedStore struct {
	*store.Memory
	begins int
}

func (s *verifyBlockedStore) Begin(ctx context.Context) (store.Session, error) {
	s.begins++
	if s.begins > 1 {
		return nil, errors.New("connection refused")
	}
	return s.Memory.Begin(ctx)
}

func TestExecuteReportsVerificationUnavailable(t *testing.T) {
	mem := store.NewMemory()
	engine := New(&verifyBlockedStore{Memory: mem})

	report := executeOrFail(t, engine, migrationFiles(), ModeMigration)

	// The import itself committed; an unreachable count query must not
	// retroactively fail it or fake a low success rate.
	if !report.Success {
		t.Fatalf("Success = false, stage %s, errors %v", report.Stage, report.Errors)
	}
	if got := mem.CommittedCount(store.Organizations); got != 2 {
		t.Errorf("committed organizations = %d, want 2", got)
	}

	unavailable := false
	for _, w := range report.Warnings {
		if strings.Contains(w, "verification unavailable") {
			unavailable = true
		}
		if strings.Contains(w, "low success rate") {
			t.Errorf("spurious warning: %q", w)
		}
	}
	if !unavailable {
		t.Errorf("missing verification-unavailable warning, got %v", report.Warnings)
	}
}

// ============================================================================
// Chunking
// ============================================================================

func TestExecuteChunksLargeFiles(t *testing.T) {
	mem := store.NewMemory()
	engine := New(mem, WithChunkSize(10))

	var b strings.Builder
	b.WriteString("number,tube_label\n")
	for i := 1; i <= 35; i++ {
		fmt.Fprintf(&b, "%d,T-%d\n", i, i)
	}

	report := executeOrFail(t, engine, Files{
		store.Specimens: []byte(b.String()),
	}, ModeMigration)

	if !report.Success {
		t.Fatalf("chunked run failed: %v", report.Errors)
	}
	if got := report.Results[store.Specimens].Imported; got != 35 {
		t.Errorf("imported = %d, want 35", got)
	}
	if got := mem.CommittedCount(store.Specimens); got != 35 {
		t.Errorf("committed = %d, want 35", got)
	}
}
