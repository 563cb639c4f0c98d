package importer

// resolver.go translates external-number references on dependent rows into
// internal keys within the scope of one run. The cache is an explicit
// per-run object, never ambient state, so repeated or concurrent runs
// cannot leak mappings into each other.
//
// Resolution order: the in-run map (seeded by rows written this run), then
// a storage lookup (rows that existed before this run), then the entity's
// Unknown placeholder. An unresolvable reference is never an error; it
// degrades to Unknown with an informational note.

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/openlims/labtrack/internal/store"
)

// Resolver is the run-scoped reference cache.
type Resolver struct {
	sess    store.Session
	ids     map[store.Entity]map[int64]uuid.UUID
	unknown map[store.Entity]uuid.UUID
	notes   []string
}

// NewResolver creates a resolver bound to one session.
func NewResolver(sess store.Session) *Resolver {
	return &Resolver{
		sess:    sess,
		ids:     make(map[store.Entity]map[int64]uuid.UUID),
		unknown: make(map[store.Entity]uuid.UUID),
	}
}

// Prime creates (idempotently) and memoizes the Unknown placeholder for
// every entity type. Must run before any Resolve call.
func (r *Resolver) Prime(ctx context.Context) error {
	for _, e := range store.Entities {
		id, err := r.sess.EnsureUnknown(ctx, e)
		if err != nil {
			return fmt.Errorf("prime unknown %s: %w", e, err)
		}
		r.unknown[e] = id
	}
	return nil
}

// Put records the mapping for a row written (or matched) this run.
func (r *Resolver) Put(e store.Entity, number int64, id uuid.UUID) {
	if number <= 0 {
		return
	}
	if r.ids[e] == nil {
		r.ids[e] = make(map[int64]uuid.UUID)
	}
	r.ids[e][number] = id
}

// Known returns the cached internal key for an external number without
// touching storage.
func (r *Resolver) Known(e store.Entity, number int64) (uuid.UUID, bool) {
	id, ok := r.ids[e][number]
	return id, ok
}

// Unknown returns the entity's Unknown placeholder key. Prime must have run.
func (r *Resolver) Unknown(e store.Entity) uuid.UUID {
	return r.unknown[e]
}

// Resolve maps an external number to an internal key. matched is false when
// the reference fell back to the Unknown placeholder. The only error
// returned is a storage failure, which is fatal to the run.
func (r *Resolver) Resolve(ctx context.Context, e store.Entity, number int64) (id uuid.UUID, matched bool, err error) {
	if number <= 0 {
		return r.unknown[e], false, nil
	}
	if id, ok := r.ids[e][number]; ok {
		return id, true, nil
	}

	id, found, err := r.sess.LookupByNumber(ctx, e, number)
	if err != nil {
		return uuid.Nil, false, err
	}
	if found {
		r.Put(e, number, id)
		return id, true, nil
	}

	r.notes = append(r.notes, fmt.Sprintf("%s #%d not found, linked to Unknown", e, number))
	return r.unknown[e], false, nil
}

// Notes returns the informational notes accumulated for unresolved
// references, in occurrence order.
func (r *Resolver) Notes() []string {
	return r.notes
}
