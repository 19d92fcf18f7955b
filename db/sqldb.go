package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/erezsh/reladiff/internal/dispatch"
	"github.com/erezsh/reladiff/pkg/logger"
	"github.com/erezsh/reladiff/pkg/types"
)

// sqlDatabase adapts a database/sql handle (MySQL, SQLite) to the Database
// interface, routing every query through a bounded worker pool.
type sqlDatabase struct {
	id      string
	db      *sql.DB
	dialect Dialect
	pool    *dispatch.Pool

	// schemaFn runs the driver-specific catalog query.
	schemaFn func(ctx context.Context, db *sql.DB, path TablePath) (map[string]ColType, error)
}

func newSQLDatabase(id string, handle *sql.DB, dialect Dialect, threads int,
	schemaFn func(context.Context, *sql.DB, TablePath) (map[string]ColType, error)) *sqlDatabase {
	if threads < 1 {
		threads = 1
	}
	handle.SetMaxOpenConns(threads)
	return &sqlDatabase{
		id:       id,
		db:       handle,
		dialect:  dialect,
		pool:     dispatch.NewPool(threads),
		schemaFn: schemaFn,
	}
}

func (d *sqlDatabase) ID() string       { return d.id }
func (d *sqlDatabase) Dialect() Dialect { return d.dialect }

func (d *sqlDatabase) QueryRows(ctx context.Context, query string, args ...any) (*dispatch.RowStream, error) {
	stream, prod := dispatch.NewRowStream(ctx)
	err := d.pool.Submit(ctx, func(context.Context) error {
		prod.Finish(d.streamQuery(prod, query, args))
		return nil
	})
	if err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

func (d *sqlDatabase) streamQuery(prod *dispatch.Producer, query string, args []any) error {
	start := time.Now()
	rows, err := d.db.QueryContext(prod.Ctx(), query, args...)
	if err != nil {
		return fmt.Errorf("[%s] query failed: %w", d.dialect.Name(), err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("[%s] reading result columns: %w", d.dialect.Name(), err)
	}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("[%s] scanning row: %w", d.dialect.Name(), err)
		}
		if !prod.Send(normalizeRow(vals)) {
			return nil
		}
	}
	logger.Debug("[%s] streamed query took %v", d.dialect.Name(), time.Since(start))
	return rows.Err()
}

func (d *sqlDatabase) QueryRow(ctx context.Context, query string, args ...any) (types.Row, error) {
	var out types.Row
	err := d.pool.Do(ctx, func(ctx context.Context) error {
		rows, err := d.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("[%s] query failed: %w", d.dialect.Name(), err)
		}
		defer rows.Close()
		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return err
			}
			return sql.ErrNoRows
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		out = normalizeRow(vals)
		return nil
	})
	return out, err
}

func (d *sqlDatabase) Exec(ctx context.Context, query string, args ...any) error {
	return d.pool.Do(ctx, func(ctx context.Context) error {
		if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("[%s] exec failed: %w", d.dialect.Name(), err)
		}
		return nil
	})
}

func (d *sqlDatabase) SelectTableSchema(ctx context.Context, path TablePath) (map[string]ColType, error) {
	var out map[string]ColType
	err := d.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = d.schemaFn(ctx, d.db, path)
		return err
	})
	return out, err
}

func (d *sqlDatabase) Close() error {
	d.pool.Close()
	return d.db.Close()
}

// normalizeRow maps driver-specific scan values onto the engine's value
// set: []byte becomes string, everything else passes through.
func normalizeRow(vals []any) types.Row {
	for i, v := range vals {
		if b, ok := v.([]byte); ok {
			vals[i] = string(b)
		}
	}
	return vals
}
