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
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// SQLite has no MD5 and no XOR aggregate, so the driver registers the
// checksum arithmetic as native functions on every new connection. The hash
// runs entirely in Go (HashRow), which makes SQLite the reference
// implementation of the cross-dialect checksum contract.
func init() {
	sql.Register("sqlite3_reladiff", &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			if err := conn.RegisterFunc("md5_bigint", HashRow, true); err != nil {
				return err
			}
			if err := conn.RegisterFunc("canon_number", canonNumber, true); err != nil {
				return err
			}
			if err := conn.RegisterFunc("canon_timestamp", canonTimestamp, true); err != nil {
				return err
			}
			return conn.RegisterAggregator("bit_xor", newXORAggregate, true)
		},
	})
	Register(sqliteDriver{})
}

type sqliteDriver struct{}

func (sqliteDriver) Name() string      { return "sqlite" }
func (sqliteDriver) Aliases() []string { return []string{"sqlite3", "file"} }

func (sqliteDriver) Open(uri string, threads int) (Database, error) {
	path := strings.TrimPrefix(uri, "sqlite://")
	path = strings.TrimPrefix(path, "sqlite3://")
	// file: URIs go to the driver untouched; SQLite parses them natively
	// (including ?mode=... parameters).
	if strings.HasPrefix(uri, "file:") {
		path = uri
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite URI %q has no path", uri)
	}
	handle, err := sql.Open("sqlite3_reladiff", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", path, err)
	}
	return newSQLDatabase("sqlite://"+strings.TrimPrefix(path, "file:"), handle, sqliteDialect{}, threads, sqliteSchema), nil
}

func sqliteSchema(ctx context.Context, handle *sql.DB, path TablePath) (map[string]ColType, error) {
	rows, err := handle.QueryContext(ctx,
		"SELECT name, type FROM pragma_table_info(?)", path.Table)
	if err != nil {
		return nil, fmt.Errorf("[sqlite] schema query for %s: %w", path, err)
	}
	defer rows.Close()
	out := map[string]ColType{}
	for rows.Next() {
		var name, declared string
		if err := rows.Scan(&name, &declared); err != nil {
			return nil, err
		}
		out[name] = ParseDeclared(declared)
	}
	return out, rows.Err()
}

type xorAggregate struct{ acc int64 }

func newXORAggregate() *xorAggregate { return &xorAggregate{} }

func (x *xorAggregate) Step(h int64) { x.acc ^= h }
func (x *xorAggregate) Done() int64  { return x.acc }

// canonNumber renders a numeric value rounded to scale with trailing zeros
// trimmed, matching the to_char/DECIMAL renderings of the other dialects.
func canonNumber(v any, scale int64) any {
	var f float64
	switch n := v.(type) {
	case nil:
		return nil
	case int64:
		f = float64(n)
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return n
		}
		f = parsed
	default:
		return fmt.Sprintf("%v", v)
	}
	if scale < 0 {
		scale = 0
	}
	shift := math.Pow(10, float64(scale))
	f = math.Round(f*shift) / shift
	s := strconv.FormatFloat(f, 'f', int(scale), 64)
	if scale > 0 {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	if s == "" || s == "-" {
		s = "0"
	}
	return s
}

// sqliteTimeLayouts are the storage formats canon_timestamp accepts, most
// specific first.
var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// canonTimestamp renders a timestamp as YYYY-MM-DD HH:MM:SS[.f...], rounded
// to prec fractional digits.
func canonTimestamp(v any, prec int64) any {
	var ts time.Time
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		ts = t
	case int64:
		ts = time.Unix(t, 0).UTC()
	case string:
		var err error
		for _, layout := range sqliteTimeLayouts {
			ts, err = time.Parse(layout, t)
			if err == nil {
				break
			}
		}
		if err != nil {
			return t
		}
	default:
		return fmt.Sprintf("%v", v)
	}
	if prec < 0 {
		prec = 0
	}
	if prec > 9 {
		prec = 9
	}
	step := time.Second / time.Duration(math.Pow(10, float64(prec)))
	if step <= 0 {
		step = time.Nanosecond
	}
	ts = ts.Round(step)
	if prec == 0 {
		return ts.Format("2006-01-02 15:04:05")
	}
	frac := strings.Repeat("0", int(prec))
	return ts.Format("2006-01-02 15:04:05." + frac)
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (sqliteDialect) Placeholder(int) string { return "?" }

func (sqliteDialect) Limit(n int64) string { return fmt.Sprintf(" LIMIT %d", n) }

func (sqliteDialect) OffsetLimit(offset, n int64) string {
	return fmt.Sprintf(" LIMIT %d OFFSET %d", n, offset)
}

func (sqliteDialect) ConcatExprs(exprs []string) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = fmt.Sprintf("COALESCE(%s, '%s')", e, NullMarker)
	}
	return "(" + strings.Join(parts, " || '"+ColumnSeparator+"' || ") + ")"
}

func (sqliteDialect) ChecksumExpr(rowExpr string) string {
	return fmt.Sprintf("bit_xor(md5_bigint(%s))", rowExpr)
}

func (sqliteDialect) CanonicalExpr(expr string, t ColType, caseSensitive bool) string {
	switch t.Kind {
	case KindInt:
		return fmt.Sprintf("CAST(%s AS TEXT)", expr)
	case KindFloat, KindDecimal:
		return fmt.Sprintf("canon_number(%s, %d)", expr, t.Scale)
	case KindBool:
		return fmt.Sprintf("(case when %s then '1' else '0' end)", expr)
	case KindTimestamp:
		return fmt.Sprintf("canon_timestamp(%s, %d)", expr, t.Precision)
	case KindDate:
		return fmt.Sprintf("strftime('%%Y-%%m-%%d', %s)", expr)
	case KindUUID:
		return fmt.Sprintf("lower(CAST(%s AS TEXT))", expr)
	case KindText:
		if caseSensitive {
			return fmt.Sprintf("CAST(%s AS TEXT)", expr)
		}
		return fmt.Sprintf("lower(CAST(%s AS TEXT))", expr)
	}
	return fmt.Sprintf("CAST(%s AS TEXT)", expr)
}

func (d sqliteDialect) CountDistinctExpr(quotedCols []string) string {
	if len(quotedCols) == 1 {
		return fmt.Sprintf("count(distinct %s)", quotedCols[0])
	}
	return fmt.Sprintf("count(distinct %s)", d.ConcatExprs(quotedCols))
}

func (sqliteDialect) IsDistinctExpr(a, b string) string {
	return fmt.Sprintf("(%s IS NOT %s)", a, b)
}

func (sqliteDialect) RandomOrder() string { return "ORDER BY random()" }

func (sqliteDialect) Capabilities() Capabilities {
	return Capabilities{
		// Full outer join support arrived in SQLite 3.39.
		FullOuterJoin:   true,
		ApproxMedian:    false,
		TableSample:     false,
		MaterializeCTAS: true,
	}
}
