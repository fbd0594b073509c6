// Package recordstore defines persistence contracts for grid records.
package recordstore

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/luxgrid/errs"
	"github.com/coachpo/luxgrid/internal/wire"
)

const (
	// IDField names the record key every store indexes by.
	IDField = "id"

	DefaultPageSize = 25
	MaxPageSize     = 500

	DefaultFilterTimeout = 2 * time.Second
)

// Query is a normalised page request.
type Query struct {
	Page     int
	PageSize int
	SortBy   string
	SortDesc bool
	Filter   string
}

// Offset returns the index of the first record on the page.
func (q Query) Offset() int { return q.Page * q.PageSize }

// Page is one slice of the record set plus the filtered total.
type Page struct {
	Records []wire.Record
	Total   int
}

// Store abstracts persistence operations for grid records.
type Store interface {
	Columns(ctx context.Context) ([]wire.ColumnMetadata, error)
	Page(ctx context.Context, q Query) (Page, error)
	Upsert(ctx context.Context, record wire.Record) error
	Delete(ctx context.Context, id string) error
}

// Limits bounds page sizes and the time a filtered page may take.
type Limits struct {
	DefaultPageSize int
	MaxPageSize     int
	FilterTimeout   time.Duration
}

// FilterBudget returns the deadline applied to filtered page queries.
func (l Limits) FilterBudget() time.Duration {
	return l.withDefaults().FilterTimeout
}

func (l Limits) withDefaults() Limits {
	if l.DefaultPageSize <= 0 {
		l.DefaultPageSize = DefaultPageSize
	}
	if l.MaxPageSize <= 0 {
		l.MaxPageSize = MaxPageSize
	}
	if l.DefaultPageSize > l.MaxPageSize {
		l.DefaultPageSize = l.MaxPageSize
	}
	if l.FilterTimeout <= 0 {
		l.FilterTimeout = DefaultFilterTimeout
	}
	return l
}

// Normalise validates opts against the column set and fills defaults.
// A nil opts is the initial load.
func Normalise(opts *wire.PageOptions, columns []wire.ColumnMetadata, limits Limits) (Query, error) {
	limits = limits.withDefaults()
	q := Query{Page: 0, PageSize: limits.DefaultPageSize}
	if opts == nil {
		return q, nil
	}
	if opts.Page != nil {
		if *opts.Page < 0 {
			return Query{}, errs.New("recordstore", errs.CodeInvalid, errs.WithMessage("page must be >= 0"), errs.WithField("page", strconv.Itoa(*opts.Page)))
		}
		q.Page = *opts.Page
	}
	if opts.PageSize != nil {
		size := *opts.PageSize
		if size <= 0 {
			return Query{}, errs.New("recordstore", errs.CodeInvalid, errs.WithMessage("pageSize must be > 0"), errs.WithField("pageSize", strconv.Itoa(size)))
		}
		if size > limits.MaxPageSize {
			size = limits.MaxPageSize
		}
		q.PageSize = size
	}
	if q.Page > math.MaxInt/q.PageSize {
		return Query{}, errs.New("recordstore", errs.CodeInvalid, errs.WithMessage("page out of range"), errs.WithField("page", strconv.Itoa(q.Page)))
	}
	sortBy := strings.TrimSpace(opts.SortBy)
	if sortBy != "" {
		if !sortable(columns, sortBy) {
			return Query{}, errs.New("recordstore", errs.CodeInvalid, errs.WithMessage("unknown sort column "+sortBy))
		}
		q.SortBy = sortBy
		q.SortDesc = opts.SortDesc
	}
	q.Filter = strings.TrimSpace(opts.Filter)
	return q, nil
}

func sortable(columns []wire.ColumnMetadata, name string) bool {
	if name == IDField {
		return true
	}
	for _, col := range columns {
		if col.Name == name {
			return col.Sortable
		}
	}
	return false
}

// RecordID extracts the record key. Numeric ids are rendered without exponent.
func RecordID(record wire.Record) (string, error) {
	raw, ok := record[IDField]
	if !ok || raw == nil {
		return "", errs.New("recordstore", errs.CodeInvalid, errs.WithMessage("record id required"))
	}
	var id string
	switch v := raw.(type) {
	case string:
		id = strings.TrimSpace(v)
	case float64:
		id = strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		id = strconv.Itoa(v)
	case int64:
		id = strconv.FormatInt(v, 10)
	default:
		id = strings.TrimSpace(fmt.Sprint(v))
	}
	if id == "" {
		return "", errs.New("recordstore", errs.CodeInvalid, errs.WithMessage("record id required"))
	}
	return id, nil
}

// ErrNotFound reports a missing record.
func ErrNotFound(id string) error {
	return errs.New("recordstore", errs.CodeNotFound, errs.WithMessage("record not found"), errs.WithField("id", id))
}
