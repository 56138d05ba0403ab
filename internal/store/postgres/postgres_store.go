// Package postgres implements store.Store on PostgreSQL. Every claim and
// status change is a single conditional UPDATE so concurrent processes
// never both win the same row.
package postgres

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/RezaEskandarii/gofleet/internal/store"
)

type PostgresStore struct {
	db *sql.DB
}

var _ store.Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (r *PostgresStore) Close() error {
	return r.db.Close()
}

// limitArg maps a non-positive limit to NULL, which Postgres reads as no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

// placeholders renders "$from, $from+1, ..." for n arguments.
func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ", ")
}

func rowsAffected(res sql.Result) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}
