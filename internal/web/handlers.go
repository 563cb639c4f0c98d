package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/openlims/labtrack/internal/importer"
	"github.com/openlims/labtrack/internal/logging"
	"github.com/openlims/labtrack/internal/store"
)

// formFields maps multipart field names to entity types. Field names follow
// the entity table names; every field is optional, but at least one must be
// present.
var formFields = map[string]store.Entity{
	"organizations": store.Organizations,
	"projects":      store.Projects,
	"specimens":     store.Specimens,
	"patients":      store.Patients,
}

// defaultRunsLimit caps the run history page size.
const defaultRunsLimit = 50

// handlePreview analyzes the submitted files and reports what an execute
// run would do, without persisting anything.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	files, mode, ok := s.readImportForm(w, r)
	if !ok {
		return
	}

	log := logging.FromContext(r.Context())

	// Preview runs the real write path in a rolled-back transaction, so it
	// takes an import slot like execute does: a preview racing an execute
	// would otherwise contend on the unique number indexes.
	if err := s.limiter.Acquire(r.Context()); err != nil {
		if errors.Is(err, importer.ErrTooManyImports) {
			w.Header().Set("Retry-After", "30")
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer s.limiter.Release()

	log.Info("preview requested", "mode", mode, "files", len(files))

	report, err := s.engine.Preview(r.Context(), files, mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, report)
}

// handleExecute runs the durable import. Concurrent runs are serialized by
// the limiter; a request that cannot get a slot in time is rejected with
// 429 so the client can retry.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	files, mode, ok := s.readImportForm(w, r)
	if !ok {
		return
	}

	log := logging.FromContext(r.Context())

	if err := s.limiter.Acquire(r.Context()); err != nil {
		if errors.Is(err, importer.ErrTooManyImports) {
			w.Header().Set("Retry-After", "30")
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer s.limiter.Release()

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Import.Timeout)
	defer cancel()

	log.Info("import started", "mode", mode, "files", len(files))

	report, err := s.engine.Execute(ctx, files, mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info("import finished", "mode", mode, "success", report.Success, "stage", report.Stage)

	// A failed run still returns the full report. Data problems come back
	// as 422; a diagnostic means rows were lost server-side (rollback or
	// silent persistence failure), which is a 500.
	status := http.StatusOK
	switch {
	case report.Diagnostic != nil:
		status = http.StatusInternalServerError
	case !report.Success:
		status = http.StatusUnprocessableEntity
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, report)
}

// handleListRuns returns the most recent import runs, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n < limit {
			limit = n
		}
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load run history")
		return
	}
	if runs == nil {
		runs = []store.RunRecord{}
	}

	writeJSON(w, map[string]interface{}{"runs": runs})
}

// handleHealth reports liveness and storage reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type pinger interface {
		Ping(ctx context.Context) error
	}
	if p, ok := s.store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// readImportForm parses the multipart form shared by preview and execute:
// up to four file fields named after the entity types, plus a "mode" value.
// On failure it writes the error response and returns ok=false.
func (s *Server) readImportForm(w http.ResponseWriter, r *http.Request) (importer.Files, importer.Mode, bool) {
	maxSize := s.cfg.Import.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	if err := r.ParseMultipartForm(maxSize); err != nil {
		writeError(w, http.StatusBadRequest, "file too large or invalid form")
		return nil, "", false
	}

	mode := importer.Mode(r.FormValue("mode"))
	if mode == "" {
		mode = importer.ModeMigration
	}
	if !mode.Valid() {
		writeError(w, http.StatusBadRequest, `mode must be "migration" or "project"`)
		return nil, "", false
	}

	files := importer.Files{}
	for field, ent := range formFields {
		f, _, err := r.FormFile(field)
		if err != nil {
			if errors.Is(err, http.ErrMissingFile) {
				continue
			}
			writeError(w, http.StatusBadRequest, "invalid file field "+field)
			return nil, "", false
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read file "+field)
			return nil, "", false
		}
		files[ent] = data
	}

	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no files provided; expected at least one of organizations, projects, specimens, patients")
		return nil, "", false
	}

	return files, mode, true
}
