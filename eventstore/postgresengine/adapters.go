package postgresengine

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
)

// dbAdapter abstracts the database access layer so the engine logic is shared
// between pgxpool, database/sql and sqlx.
type dbAdapter interface {
	Query(ctx context.Context, query string) (dbRows, error)
	Exec(ctx context.Context, query string) (dbResult, error)
}

type dbRows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

type dbResult interface {
	RowsAffected() (int64, error)
}

// pgxAdapter runs queries on a pgxpool.Pool.
type pgxAdapter struct {
	pool *pgxpool.Pool
}

func (a pgxAdapter) Query(ctx context.Context, query string) (dbRows, error) {
	rows, err := a.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return pgxRowsAdapter{rows: rows}, nil
}

func (a pgxAdapter) Exec(ctx context.Context, query string) (dbResult, error) {
	tag, err := a.pool.Exec(ctx, query)
	if err != nil {
		return nil, err
	}
	return pgxResultAdapter{tag: tag}, nil
}

type pgxRowsAdapter struct {
	rows pgx.Rows
}

func (a pgxRowsAdapter) Next() bool             { return a.rows.Next() }
func (a pgxRowsAdapter) Scan(dest ...any) error { return a.rows.Scan(dest...) }
func (a pgxRowsAdapter) Err() error             { return a.rows.Err() }

func (a pgxRowsAdapter) Close() error {
	a.rows.Close()
	return nil
}

type pgxResultAdapter struct {
	tag pgconn.CommandTag
}

func (a pgxResultAdapter) RowsAffected() (int64, error) { return a.tag.RowsAffected(), nil }

// sqlAdapter runs queries on a database/sql handle. sqlx handles delegate to
// it as well, since sqlx only extends the scan API the engine does not need.
type sqlAdapter struct {
	db *sql.DB
}

func newSQLXAdapter(db *sqlx.DB) sqlAdapter {
	return sqlAdapter{db: db.DB}
}

func (a sqlAdapter) Query(ctx context.Context, query string) (dbRows, error) {
	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return sqlRowsAdapter{rows: rows}, nil
}

func (a sqlAdapter) Exec(ctx context.Context, query string) (dbResult, error) {
	result, err := a.db.ExecContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return result, nil
}

type sqlRowsAdapter struct {
	rows *sql.Rows
}

func (a sqlRowsAdapter) Next() bool             { return a.rows.Next() }
func (a sqlRowsAdapter) Scan(dest ...any) error { return a.rows.Scan(dest...) }
func (a sqlRowsAdapter) Close() error           { return a.rows.Close() }
func (a sqlRowsAdapter) Err() error             { return a.rows.Err() }
