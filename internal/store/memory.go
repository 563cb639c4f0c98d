package store

// memory.go implements Store in memory with real transaction semantics:
// a session stages writes in an overlay and Commit merges them into the
// committed state, so rollback behavior can be exercised without a
// database. Tests use InsertErr to inject row-level constraint failures
// and fatal faults.

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type memRow struct {
	ID   uuid.UUID
	Rec  Record
	Refs References
}

// Memory is an in-memory Store.
type Memory struct {
	mu   sync.Mutex
	rows map[Entity]map[int64]memRow // committed rows keyed by external number
	seq  map[Entity]int64            // committed next_number
	runs []RunRecord

	// InsertErr, when set, is consulted before every Insert and may return
	// an error to inject a failure. Return a *RowError for a row-level
	// constraint failure or any other error for a fatal fault.
	InsertErr func(e Entity, rec Record) error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rows: make(map[Entity]map[int64]memRow),
		seq:  make(map[Entity]int64),
	}
}

func (m *Memory) Begin(ctx context.Context) (Session, error) {
	return &memSession{
		m:      m,
		staged: make(map[Entity]map[int64]memRow),
		seq:    make(map[Entity]int64),
	}, nil
}

func (m *Memory) RecordRun(ctx context.Context, run RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.runs) {
		limit = len(m.runs)
	}
	out := make([]RunRecord, 0, limit)
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.runs[i])
	}
	return out, nil
}

// CommittedCount returns the number of committed real rows (number != 0).
// Test helper.
func (m *Memory) CommittedCount(e Entity) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for num := range m.rows[e] {
		if num != UnknownNumber {
			n++
		}
	}
	return n
}

// Numbers returns the committed real external numbers for e, sorted.
// Test helper.
func (m *Memory) Numbers(e Entity) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var nums []int64
	for num := range m.rows[e] {
		if num != UnknownNumber {
			nums = append(nums, num)
		}
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

// RowByNumber returns a committed row by external number. Test helper.
func (m *Memory) RowByNumber(e Entity, number int64) (Record, References, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[e][number]
	return row.Rec, row.Refs, ok
}

// IDByNumber returns a committed row's internal key. Test helper.
func (m *Memory) IDByNumber(e Entity, number int64) (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[e][number]
	return row.ID, ok
}

type memSession struct {
	m      *Memory
	staged map[Entity]map[int64]memRow
	seq    map[Entity]int64
	done   bool
}

func (s *memSession) Commit(ctx context.Context) error {
	if s.done {
		return fmt.Errorf("session already closed")
	}
	s.done = true
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for e, rows := range s.staged {
		if s.m.rows[e] == nil {
			s.m.rows[e] = make(map[int64]memRow)
		}
		for num, row := range rows {
			s.m.rows[e][num] = row
		}
	}
	for e, n := range s.seq {
		if n > s.m.seq[e] {
			s.m.seq[e] = n
		}
	}
	return nil
}

func (s *memSession) Rollback(ctx context.Context) error {
	s.done = true
	return nil
}

func (s *memSession) find(e Entity, number int64) (memRow, bool) {
	if row, ok := s.staged[e][number]; ok {
		return row, true
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	row, ok := s.m.rows[e][number]
	return row, ok
}

func (s *memSession) stage(e Entity, row memRow) {
	if s.staged[e] == nil {
		s.staged[e] = make(map[int64]memRow)
	}
	s.staged[e][row.Rec.Number] = row
}

func (s *memSession) EnsureUnknown(ctx context.Context, e Entity) (uuid.UUID, error) {
	if row, ok := s.find(e, UnknownNumber); ok {
		return row.ID, nil
	}
	row := memRow{
		ID:  uuid.New(),
		Rec: Record{Number: UnknownNumber, Fields: map[string]string{"name": "Unknown"}},
	}
	s.stage(e, row)
	return row.ID, nil
}

func (s *memSession) LookupByNumber(ctx context.Context, e Entity, number int64) (uuid.UUID, bool, error) {
	row, ok := s.find(e, number)
	if !ok {
		return uuid.Nil, false, nil
	}
	return row.ID, true, nil
}

func (s *memSession) Insert(ctx context.Context, e Entity, rec Record, refs References) (uuid.UUID, error) {
	if s.m.InsertErr != nil {
		if err := s.m.InsertErr(e, rec); err != nil {
			return uuid.Nil, err
		}
	}
	if _, exists := s.find(e, rec.Number); exists {
		return uuid.Nil, &RowError{
			Kind:       KindDuplicate,
			Table:      string(e),
			Constraint: string(e) + "_number_key",
			Err:        fmt.Errorf("number %d already exists", rec.Number),
		}
	}
	row := memRow{ID: uuid.New(), Rec: rec, Refs: refs}
	s.stage(e, row)
	return row.ID, nil
}

func (s *memSession) CountReal(ctx context.Context, e Entity) (int64, error) {
	seen := make(map[int64]bool)
	for num := range s.staged[e] {
		if num != UnknownNumber {
			seen[num] = true
		}
	}
	s.m.mu.Lock()
	for num := range s.m.rows[e] {
		if num != UnknownNumber {
			seen[num] = true
		}
	}
	s.m.mu.Unlock()
	return int64(len(seen)), nil
}

func (s *memSession) MaxNumber(ctx context.Context, e Entity) (int64, error) {
	var max int64
	for num := range s.staged[e] {
		if num > max {
			max = num
		}
	}
	s.m.mu.Lock()
	for num := range s.m.rows[e] {
		if num > max {
			max = num
		}
	}
	s.m.mu.Unlock()
	return max, nil
}

func (s *memSession) nextSeq(e Entity) int64 {
	if n, ok := s.seq[e]; ok {
		return n
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if n, ok := s.m.seq[e]; ok {
		return n
	}
	return 1
}

func (s *memSession) NextNumber(ctx context.Context, e Entity) (int64, error) {
	n := s.nextSeq(e)
	s.seq[e] = n + 1
	return n, nil
}

func (s *memSession) SetNextNumber(ctx context.Context, e Entity, n int64) error {
	if n < 1 {
		n = 1
	}
	if n > s.nextSeq(e) {
		s.seq[e] = n
	}
	return nil
}
