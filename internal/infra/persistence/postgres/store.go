package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/luxgrid/internal/infra/persistence"
	"github.com/coachpo/luxgrid/internal/wire"
)

// Store exposes PostgreSQL-backed repositories.
type Store struct {
	*persistence.Store
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool)}
}

// Records returns a record store sharing this store's pool.
func (s *Store) Records(columns []wire.ColumnMetadata) *RecordStore {
	return NewRecordStore(s.Pool(), columns)
}
