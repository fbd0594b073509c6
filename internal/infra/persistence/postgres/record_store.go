package postgres

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/luxgrid/internal/domain/recordstore"
	"github.com/coachpo/luxgrid/internal/wire"
)

// RecordStore persists grid records as jsonb payloads in PostgreSQL.
type RecordStore struct {
	pool    *pgxpool.Pool
	columns []wire.ColumnMetadata
}

var _ recordstore.Store = (*RecordStore)(nil)

// NewRecordStore constructs a RecordStore backed by the provided pgx pool.
func NewRecordStore(pool *pgxpool.Pool, columns []wire.ColumnMetadata) *RecordStore {
	return &RecordStore{pool: pool, columns: append([]wire.ColumnMetadata(nil), columns...)}
}

const (
	recordUpsertSQL = `
INSERT INTO grid_records (id, payload, updated_at)
VALUES ($1, $2::jsonb, NOW())
ON CONFLICT (id) DO UPDATE SET
    payload = EXCLUDED.payload,
    updated_at = NOW();
`
	recordDeleteSQL = `DELETE FROM grid_records WHERE id = $1;`
	recordCountSQL  = `
SELECT COUNT(*)
FROM grid_records
WHERE $1::text = '' OR payload::text ILIKE $1 ESCAPE '\';
`
	recordPageSQL = `
SELECT payload
FROM grid_records
WHERE $1::text = '' OR payload::text ILIKE $1 ESCAPE '\'
ORDER BY %s
LIMIT $2 OFFSET $3;
`
)

// Columns returns the configured column metadata.
func (s *RecordStore) Columns(context.Context) ([]wire.ColumnMetadata, error) {
	return append([]wire.ColumnMetadata(nil), s.columns...), nil
}

// Page counts the filtered set and returns one sorted slice of it.
func (s *RecordStore) Page(ctx context.Context, q recordstore.Query) (recordstore.Page, error) {
	if s.pool == nil {
		return recordstore.Page{}, fmt.Errorf("record store: nil pool")
	}
	pattern := likePattern(q.Filter)

	var total int
	if err := s.pool.QueryRow(ctx, recordCountSQL, pattern).Scan(&total); err != nil {
		return recordstore.Page{}, fmt.Errorf("count records: %w", err)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(recordPageSQL, orderClause(q)), pattern, q.PageSize, q.Offset())
	if err != nil {
		return recordstore.Page{}, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := make([]wire.Record, 0, q.PageSize)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return recordstore.Page{}, fmt.Errorf("scan record: %w", err)
		}
		record, err := decodeRecord(raw)
		if err != nil {
			return recordstore.Page{}, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return recordstore.Page{}, fmt.Errorf("iterate records: %w", err)
	}
	return recordstore.Page{Records: records, Total: total}, nil
}

// Upsert inserts or replaces a record by id.
func (s *RecordStore) Upsert(ctx context.Context, record wire.Record) error {
	if s.pool == nil {
		return fmt.Errorf("record store: nil pool")
	}
	id, err := recordstore.RecordID(record)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("record store: encode payload: %w", err)
	}
	if _, err := s.pool.Exec(ctx, recordUpsertSQL, id, payload); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// Delete removes a record, reporting a not-found error when nothing matched.
func (s *RecordStore) Delete(ctx context.Context, id string) error {
	if s.pool == nil {
		return fmt.Errorf("record store: nil pool")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("record store: id required")
	}
	tag, err := s.pool.Exec(ctx, recordDeleteSQL, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return recordstore.ErrNotFound(id)
	}
	return nil
}

// orderClause renders the ORDER BY list. Sort keys have already been checked
// against the column set by recordstore.Normalise.
func orderClause(q recordstore.Query) string {
	dir := "ASC"
	if q.SortDesc {
		dir = "DESC"
	}
	switch q.SortBy {
	case "":
		return "id ASC"
	case recordstore.IDField:
		return "id " + dir
	default:
		literal := "'" + strings.ReplaceAll(q.SortBy, "'", "''") + "'"
		return fmt.Sprintf("payload -> %s %s NULLS LAST, id ASC", literal, dir)
	}
}

func likePattern(filter string) string {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return ""
	}
	escaper := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + escaper.Replace(filter) + "%"
}

func decodeRecord(raw []byte) (wire.Record, error) {
	if len(raw) == 0 {
		return wire.Record{}, nil
	}
	var out wire.Record
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("record store: decode payload: %w", err)
	}
	return out, nil
}
