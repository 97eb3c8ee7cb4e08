package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nedfreetoplay/hydrus/pkg/herr"
)

// Querier is the subset of database/sql both *sql.Tx and *sql.DB satisfy.
// Store methods take a Querier so they run identically inside a serializer
// job (against the shared transaction) and in tests (against a bare DB).
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Attach mounts an auxiliary database file under the given schema name on
// the serializer's connection. Must be called before Start, while no
// transaction is open.
func (s *Serializer) Attach(schema, path string) error {
	_, err := s.db.Exec(fmt.Sprintf("ATTACH DATABASE %q AS %s", path, schema))
	if err != nil {
		return herr.Wrap(herr.Internal, fmt.Errorf("attaching %s: %w", schema, err))
	}
	return nil
}
