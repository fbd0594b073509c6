// Package memory keeps grid records in process and filters them with JavaScript expressions.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/coachpo/luxgrid/errs"

	"github.com/coachpo/luxgrid/internal/domain/recordstore"
	"github.com/coachpo/luxgrid/internal/wire"
)

const component = "records/memory"

// Store is an in-memory recordstore.Store.
type Store struct {
	mu      sync.RWMutex
	columns []wire.ColumnMetadata
	records map[string]wire.Record
}

var _ recordstore.Store = (*Store)(nil)

// New constructs a store with the given columns and initial records.
func New(columns []wire.ColumnMetadata, seed ...wire.Record) (*Store, error) {
	s := &Store{
		columns: append([]wire.ColumnMetadata(nil), columns...),
		records: make(map[string]wire.Record, len(seed)),
	}
	for _, record := range seed {
		if err := s.put(record); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Columns returns the column metadata.
func (s *Store) Columns(context.Context) ([]wire.ColumnMetadata, error) {
	return append([]wire.ColumnMetadata(nil), s.columns...), nil
}

// Page filters, sorts and slices the record set. Without a sort column records are ordered by id.
func (s *Store) Page(ctx context.Context, q recordstore.Query) (recordstore.Page, error) {
	f, err := compileFilter(q.Filter)
	if err != nil {
		return recordstore.Page{}, err
	}

	s.mu.RLock()
	all := make([]wire.Record, 0, len(s.records))
	for _, record := range s.records {
		all = append(all, record)
	}
	s.mu.RUnlock()

	matched := all
	if f != nil {
		m := f.matcher(ctx)
		defer m.close()
		matched = all[:0:0]
		for _, record := range all {
			if err := ctx.Err(); err != nil {
				return recordstore.Page{}, errs.New(component, errs.CodeTimeout, errs.WithMessage("filter stopped"), errs.WithCause(err))
			}
			ok, err := m.match(cloneRecord(record))
			if err != nil {
				return recordstore.Page{}, err
			}
			if ok {
				matched = append(matched, record)
			}
		}
	}

	sortRecords(matched, q.SortBy, q.SortDesc)

	total := len(matched)
	start := min(max(q.Offset(), 0), total)
	end := min(start+max(q.PageSize, 0), total)
	out := make([]wire.Record, 0, end-start)
	for _, record := range matched[start:end] {
		out = append(out, cloneRecord(record))
	}
	return recordstore.Page{Records: out, Total: total}, nil
}

// Upsert stores a copy of record under its id.
func (s *Store) Upsert(_ context.Context, record wire.Record) error {
	return s.put(record)
}

// Delete removes the record with id.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return recordstore.ErrNotFound(id)
	}
	delete(s.records, id)
	return nil
}

// Len reports the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) put(record wire.Record) error {
	id, err := recordstore.RecordID(record)
	if err != nil {
		return err
	}
	clone := cloneRecord(record)
	clone[recordstore.IDField] = id
	s.mu.Lock()
	s.records[id] = clone
	s.mu.Unlock()
	return nil
}

func sortRecords(records []wire.Record, column string, desc bool) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if column != "" && column != recordstore.IDField {
			va, vb := a[column], b[column]
			if (va == nil) != (vb == nil) {
				return vb == nil
			}
			if c := compareValues(va, vb); c != 0 {
				if desc {
					return c > 0
				}
				return c < 0
			}
		}
		idA, _ := a[recordstore.IDField].(string)
		idB, _ := b[recordstore.IDField].(string)
		if desc && column == recordstore.IDField {
			return idA > idB
		}
		return idA < idB
	})
}

// compareValues orders bool < number < string < anything else. Missing values are
// placed last by sortRecords in either direction.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch va := a.(type) {
	case bool:
		vb := b.(bool)
		switch {
		case va == vb:
			return 0
		case !va:
			return -1
		default:
			return 1
		}
	case string:
		vb := b.(string)
		switch {
		case va < vb:
			return -1
		case va > vb:
			return 1
		}
		return 0
	}
	if fa, ok := number(a); ok {
		fb, _ := number(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case string:
		return 3
	}
	if _, ok := number(v); ok {
		return 2
	}
	return 4
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// cloneRecord deep-copies record so stored maps are never shared with callers or filters.
func cloneRecord(record wire.Record) wire.Record {
	out := make(wire.Record, len(record))
	for k, v := range record {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case wire.Record:
		return cloneRecord(val)
	case map[string]any:
		return map[string]any(cloneRecord(val))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
