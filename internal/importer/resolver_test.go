package importer

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/openlims/labtrack/internal/store"
)

func newTestResolver(t *testing.T) (*Resolver, store.Session) {
	t.Helper()
	mem := store.NewMemory()
	sess, err := mem.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	res := NewResolver(sess)
	if err := res.Prime(context.Background()); err != nil {
		t.Fatalf("Prime failed: %v", err)
	}
	return res, sess
}

func TestResolverUnknownFallback(t *testing.T) {
	res, _ := newTestResolver(t)
	ctx := context.Background()

	id, matched, err := res.Resolve(ctx, store.Organizations, 999)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if matched {
		t.Error("matched = true for a missing reference, want false")
	}
	if id != res.Unknown(store.Organizations) {
		t.Error("missing reference did not resolve to the Unknown placeholder")
	}

	notes := res.Notes()
	if len(notes) != 1 {
		t.Fatalf("got %d notes, want 1", len(notes))
	}
	if !strings.Contains(notes[0], "999") || !strings.Contains(notes[0], "Unknown") {
		t.Errorf("note %q should mention the number and Unknown", notes[0])
	}
}

func TestResolverZeroNumberIsUnknown(t *testing.T) {
	res, _ := newTestResolver(t)

	id, matched, err := res.Resolve(context.Background(), store.Projects, 0)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if matched {
		t.Error("matched = true for number 0, want false")
	}
	if id != res.Unknown(store.Projects) {
		t.Error("number 0 did not resolve to the Unknown placeholder")
	}
	// Absent references are routine, never noted.
	if n := len(res.Notes()); n != 0 {
		t.Errorf("got %d notes, want 0", n)
	}
}

func TestResolverInRunMapWins(t *testing.T) {
	res, _ := newTestResolver(t)
	want := uuid.New()
	res.Put(store.Patients, 12, want)

	id, matched, err := res.Resolve(context.Background(), store.Patients, 12)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !matched {
		t.Error("matched = false for a cached reference, want true")
	}
	if id != want {
		t.Errorf("Resolve = %v, want %v", id, want)
	}
}

func TestResolverStorageLookupMemoized(t *testing.T) {
	res, sess := newTestResolver(t)
	ctx := context.Background()

	// A row that existed before this run.
	existing, err := sess.Insert(ctx, store.Projects, store.Record{Number: 46, Fields: map[string]string{"title": "Study A"}}, store.References{})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	id, matched, err := res.Resolve(ctx, store.Projects, 46)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !matched || id != existing {
		t.Errorf("Resolve = (%v, %v), want (%v, true)", id, matched, existing)
	}

	// Second resolve hits the in-run map.
	if cached, ok := res.Known(store.Projects, 46); !ok || cached != existing {
		t.Error("storage lookup was not memoized into the run map")
	}
}
