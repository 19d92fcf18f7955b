// ///////////////////////////////////////////////////////////////////////////
//
// # reladiff - efficient diffing of SQL tables, within and across databases
//
// This software is released under the MIT License:
// https://opensource.org/license/MIT
//
// ///////////////////////////////////////////////////////////////////////////

package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/erezsh/reladiff/internal/dispatch"
	"github.com/erezsh/reladiff/pkg/logger"
	"github.com/erezsh/reladiff/pkg/types"
)

func init() {
	Register(pgDriver{})
}

type pgDriver struct{}

func (pgDriver) Name() string      { return "postgresql" }
func (pgDriver) Aliases() []string { return []string{"postgres"} }

func (pgDriver) Open(uri string, threads int) (Database, error) {
	cfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing postgresql URI %s: %w", redact(uri), err)
	}
	if threads < 1 {
		threads = 1
	}
	cfg.MaxConns = int32(threads)
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", redact(uri), err)
	}
	return &pgDatabase{
		id:      redact(uri),
		pool:    pool,
		work:    dispatch.NewPool(threads),
		dialect: pgDialect{},
	}, nil
}

type pgDatabase struct {
	id      string
	pool    *pgxpool.Pool
	work    *dispatch.Pool
	dialect Dialect
}

func (d *pgDatabase) ID() string       { return d.id }
func (d *pgDatabase) Dialect() Dialect { return d.dialect }

func (d *pgDatabase) QueryRows(ctx context.Context, query string, args ...any) (*dispatch.RowStream, error) {
	stream, prod := dispatch.NewRowStream(ctx)
	err := d.work.Submit(ctx, func(context.Context) error {
		prod.Finish(d.streamQuery(prod, query, args))
		return nil
	})
	if err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

func (d *pgDatabase) streamQuery(prod *dispatch.Producer, query string, args []any) error {
	start := time.Now()
	rows, err := d.pool.Query(prod.Ctx(), query, args...)
	if err != nil {
		return fmt.Errorf("[postgresql] query failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return fmt.Errorf("[postgresql] scanning row: %w", err)
		}
		if !prod.Send(normalizeRow(vals)) {
			return nil
		}
	}
	logger.Debug("[postgresql] streamed query took %v", time.Since(start))
	return rows.Err()
}

func (d *pgDatabase) QueryRow(ctx context.Context, query string, args ...any) (types.Row, error) {
	var out types.Row
	err := d.work.Do(ctx, func(ctx context.Context) error {
		rows, err := d.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("[postgresql] query failed: %w", err)
		}
		defer rows.Close()
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return err
			}
			return pgx.ErrNoRows
		}
		vals, err := rows.Values()
		if err != nil {
			return err
		}
		out = normalizeRow(vals)
		return nil
	})
	return out, err
}

func (d *pgDatabase) Exec(ctx context.Context, query string, args ...any) error {
	return d.work.Do(ctx, func(ctx context.Context) error {
		if _, err := d.pool.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("[postgresql] exec failed: %w", err)
		}
		return nil
	})
}

const pgSchemaSQL = `
	SELECT column_name, data_type,
	       COALESCE(datetime_precision, numeric_precision, 0),
	       COALESCE(numeric_scale, 0)
	FROM information_schema.columns
	WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema())
	  AND table_name = $2`

func (d *pgDatabase) SelectTableSchema(ctx context.Context, path TablePath) (map[string]ColType, error) {
	var out map[string]ColType
	err := d.work.Do(ctx, func(ctx context.Context) error {
		rows, err := d.pool.Query(ctx, pgSchemaSQL, path.Schema, path.Table)
		if err != nil {
			return fmt.Errorf("[postgresql] schema query for %s: %w", path, err)
		}
		defer rows.Close()
		out = map[string]ColType{}
		for rows.Next() {
			var name, declared string
			var precision, scale int
			if err := rows.Scan(&name, &declared, &precision, &scale); err != nil {
				return err
			}
			t := ParseDeclared(declared)
			switch t.Kind {
			case KindTimestamp:
				t.Precision = precision
			case KindDecimal:
				t.Precision, t.Scale = precision, scale
			}
			out[name] = t
		}
		return rows.Err()
	})
	return out, err
}

func (d *pgDatabase) Close() error {
	d.work.Close()
	d.pool.Close()
	return nil
}

// pgDialect renders PostgreSQL SQL. The checksum aggregate relies on
// bit_xor, available since PostgreSQL 14.
type pgDialect struct{}

func (pgDialect) Name() string { return "postgresql" }

func (pgDialect) QuoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func (pgDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (pgDialect) Limit(n int64) string { return fmt.Sprintf(" LIMIT %d", n) }

func (pgDialect) OffsetLimit(offset, n int64) string {
	return fmt.Sprintf(" LIMIT %d OFFSET %d", n, offset)
}

func (pgDialect) ConcatExprs(exprs []string) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = fmt.Sprintf("COALESCE(%s, '%s')", e, NullMarker)
	}
	return "(" + strings.Join(parts, " || '"+ColumnSeparator+"' || ") + ")"
}

func (pgDialect) ChecksumExpr(rowExpr string) string {
	p := ChecksumPrime
	return fmt.Sprintf(
		"bit_xor((((('x' || substring(md5(%s) from 1 for 16))::bit(64)::bigint %% %d) + %d) %% %d))",
		rowExpr, p, p, p)
}

func (d pgDialect) CanonicalExpr(expr string, t ColType, caseSensitive bool) string {
	switch t.Kind {
	case KindInt:
		return fmt.Sprintf("(%s)::text", expr)
	case KindFloat, KindDecimal:
		scale := t.Scale
		if scale <= 0 {
			return fmt.Sprintf("to_char(round((%s)::numeric, 0), 'FM9999999999999999999999999999999999999990')", expr)
		}
		digits := strings.Repeat("9", scale)
		return fmt.Sprintf(
			"rtrim(rtrim(to_char(round((%s)::numeric, %d), 'FM9999999999999999999999999999999999999990.%s'), '0'), '.')",
			expr, scale, digits)
	case KindBool:
		return fmt.Sprintf("(case when %s then '1' else '0' end)", expr)
	case KindTimestamp:
		p := t.Precision
		if p <= 0 {
			return fmt.Sprintf("to_char((%s)::timestamp(0), 'YYYY-MM-DD HH24:MI:SS')", expr)
		}
		if p > 6 {
			p = 6
		}
		return fmt.Sprintf("to_char((%s)::timestamp(%d), 'YYYY-MM-DD HH24:MI:SS.FF%d')", expr, p, p)
	case KindDate:
		return fmt.Sprintf("to_char(%s, 'YYYY-MM-DD')", expr)
	case KindUUID:
		return fmt.Sprintf("lower((%s)::text)", expr)
	case KindText:
		if caseSensitive {
			return fmt.Sprintf("(%s)::text", expr)
		}
		return fmt.Sprintf("lower((%s)::text)", expr)
	}
	return fmt.Sprintf("(%s)::text", expr)
}

func (pgDialect) CountDistinctExpr(quotedCols []string) string {
	if len(quotedCols) == 1 {
		return fmt.Sprintf("count(distinct %s)", quotedCols[0])
	}
	return fmt.Sprintf("count(distinct (%s))", strings.Join(quotedCols, ", "))
}

func (pgDialect) IsDistinctExpr(a, b string) string {
	return fmt.Sprintf("%s IS DISTINCT FROM %s", a, b)
}

func (pgDialect) RandomOrder() string { return "ORDER BY random()" }

func (pgDialect) Capabilities() Capabilities {
	return Capabilities{
		FullOuterJoin:   true,
		ApproxMedian:    true,
		TableSample:     true,
		MaterializeCTAS: true,
	}
}
