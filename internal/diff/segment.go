// ///////////////////////////////////////////////////////////////////////////
//
// # reladiff - efficient diffing of SQL tables, within and across databases
//
// This software is released under the MIT License:
// https://opensource.org/license/MIT
//
// ///////////////////////////////////////////////////////////////////////////

package diff

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/erezsh/reladiff/db"
	"github.com/erezsh/reladiff/internal/dispatch"
	"github.com/erezsh/reladiff/pkg/logger"
	"github.com/erezsh/reladiff/pkg/types"
)

// recommendedChecksumDuration is the round-trip time above which we suggest
// retuning, since checksum latency dominates bisection speed.
const recommendedChecksumDuration = 20 * time.Second

// ErrEmptyTable is returned when a diffed table has no rows and
// allow-empty-tables is off. It guards against diffing a mistyped table
// name into a fully-"deleted" result.
var ErrEmptyTable = errors.New("table is empty")

// TableSegment describes a slice of a table: a key range, a column
// projection, and optional extra predicates. Segments are immutable; every
// derivation produces a new value.
//
// MinKey/MaxKey hold canonical key values. MinKey is inclusive and MaxKey
// exclusive, except when MaxKeyInclusive is set (used when the key domain
// has no computable successor, e.g. string keys at the table's upper
// bound). A nil bound is unbounded.
type TableSegment struct {
	DB   db.Database
	Path db.TablePath

	KeyColumns       []string
	UpdateColumn     string
	ExtraColumns     []string
	TransformColumns map[string]string

	MinKey          types.Row
	MaxKey          types.Row
	MaxKeyInclusive bool
	MinUpdate       *time.Time
	MaxUpdate       *time.Time
	Where           string

	CaseSensitive bool

	schema map[string]db.ColType
}

// NewTableSegment validates the segment description.
func NewTableSegment(database db.Database, path db.TablePath, keyColumns []string) (*TableSegment, error) {
	if len(keyColumns) == 0 {
		return nil, fmt.Errorf("at least one key column is required for table %s", path)
	}
	return &TableSegment{
		DB:            database,
		Path:          path,
		KeyColumns:    keyColumns,
		CaseSensitive: true,
	}, nil
}

func (s *TableSegment) validate() error {
	if s.UpdateColumn == "" && (s.MinUpdate != nil || s.MaxUpdate != nil) {
		return fmt.Errorf("min-update/max-update require an update column to be configured")
	}
	if s.MinUpdate != nil && s.MaxUpdate != nil && !s.MinUpdate.Before(*s.MaxUpdate) {
		return fmt.Errorf("min-update %v must be before max-update %v", s.MinUpdate, s.MaxUpdate)
	}
	return nil
}

// Clone returns a shallow copy for derivation. Slices and the schema map
// are shared; derivations must not mutate them.
func (s *TableSegment) Clone() *TableSegment {
	c := *s
	return &c
}

// WithSchema binds declared column types, querying the database once. A
// segment that already has a schema is returned as is.
func (s *TableSegment) WithSchema(ctx context.Context) (*TableSegment, error) {
	if s.schema != nil {
		return s, nil
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	raw, err := s.DB.SelectTableSchema(ctx, s.Path)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("table %s not found, or no columns visible", s.Path)
	}
	schema := make(map[string]db.ColType, len(raw))
	for _, col := range s.RelevantColumns() {
		t, ok := raw[col]
		if !ok {
			return nil, fmt.Errorf("column %q not found in table %s", col, s.Path)
		}
		schema[col] = t
	}
	c := s.Clone()
	c.schema = schema
	return c, nil
}

// Schema returns the bound column types. Nil before WithSchema.
func (s *TableSegment) Schema() map[string]db.ColType { return s.schema }

// SetColType overrides one bound column type; used by the differ to lower
// precision to the minimum of the two sides.
func (s *TableSegment) SetColType(col string, t db.ColType) {
	s.schema[col] = t
}

// RelevantColumns is the projection: keys, then the update column (unless
// already listed), then the extra columns.
func (s *TableSegment) RelevantColumns() []string {
	extras := s.ExtraColumns
	if s.UpdateColumn != "" {
		found := false
		for _, c := range extras {
			if c == s.UpdateColumn {
				found = true
				break
			}
		}
		if !found {
			extras = append([]string{s.UpdateColumn}, extras...)
		}
	}
	return append(append([]string{}, s.KeyColumns...), extras...)
}

// KeyTypes returns the bound types of the key columns.
func (s *TableSegment) KeyTypes() []db.ColType {
	out := make([]db.ColType, len(s.KeyColumns))
	for i, c := range s.KeyColumns {
		out[i] = s.schema[c]
	}
	return out
}

// IsBounded reports whether both key bounds are set.
func (s *TableSegment) IsBounded() bool {
	return s.MinKey != nil && s.MaxKey != nil
}

// rawColumnExpr is the column reference used in predicates and ORDER BY:
// the quoted column, or its configured transform expression.
func (s *TableSegment) rawColumnExpr(col string) string {
	if expr, ok := s.TransformColumns[col]; ok && expr != "" {
		return "(" + expr + ")"
	}
	return s.DB.Dialect().QuoteIdent(col)
}

// canonicalExpr renders the column coerced to its canonical string form.
func (s *TableSegment) canonicalExpr(col string) string {
	return s.DB.Dialect().CanonicalExpr(s.rawColumnExpr(col), s.schema[col], s.CaseSensitive)
}

func (s *TableSegment) canonicalExprs(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = s.canonicalExpr(c)
	}
	return out
}

func (s *TableSegment) orderByKey(desc bool) string {
	parts := make([]string, len(s.KeyColumns))
	for i, c := range s.KeyColumns {
		parts[i] = s.rawColumnExpr(c)
		if desc {
			parts[i] += " DESC"
		}
	}
	return " ORDER BY " + strings.Join(parts, ", ")
}

// filter accumulates WHERE conjuncts and their bind arguments.
type filter struct {
	d     db.Dialect
	conds []string
	args  []any
}

func (f *filter) ph(arg any) string {
	f.args = append(f.args, arg)
	return f.d.Placeholder(len(f.args))
}

func (f *filter) add(cond string) { f.conds = append(f.conds, cond) }

func (f *filter) clause() string {
	if len(f.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.conds, " AND ")
}

// keyArg converts a canonical key value into a typed bind argument, so
// dynamically-typed backends compare it against the raw column correctly.
func keyArg(v any, t db.ColType) any {
	sv, ok := v.(string)
	if !ok {
		return v
	}
	switch t.Kind {
	case db.KindInt:
		if n, err := strconv.ParseInt(sv, 10, 64); err == nil {
			return n
		}
	case db.KindFloat, db.KindDecimal:
		if n, err := strconv.ParseFloat(sv, 64); err == nil {
			return n
		}
	}
	return sv
}

func (s *TableSegment) keyBound(f *filter, op string, key types.Row) {
	keyTypes := s.KeyTypes()
	if len(s.KeyColumns) == 1 {
		f.add(fmt.Sprintf("%s %s %s",
			s.rawColumnExpr(s.KeyColumns[0]), op, f.ph(keyArg(key[0], keyTypes[0]))))
		return
	}
	cols := make([]string, len(s.KeyColumns))
	phs := make([]string, len(s.KeyColumns))
	for i, c := range s.KeyColumns {
		cols[i] = s.rawColumnExpr(c)
		phs[i] = f.ph(keyArg(key[i], keyTypes[i]))
	}
	f.add(fmt.Sprintf("(%s) %s (%s)",
		strings.Join(cols, ", "), op, strings.Join(phs, ", ")))
}

// buildFilter renders the segment's full restriction: key range, update
// range, and the caller's where expression.
func (s *TableSegment) buildFilter() *filter {
	f := &filter{d: s.DB.Dialect()}
	if s.MinKey != nil {
		s.keyBound(f, ">=", s.MinKey)
	}
	if s.MaxKey != nil {
		op := "<"
		if s.MaxKeyInclusive {
			op = "<="
		}
		s.keyBound(f, op, s.MaxKey)
	}
	if s.MinUpdate != nil {
		f.add(fmt.Sprintf("%s >= %s", s.rawColumnExpr(s.UpdateColumn), f.ph(*s.MinUpdate)))
	}
	if s.MaxUpdate != nil {
		f.add(fmt.Sprintf("%s < %s", s.rawColumnExpr(s.UpdateColumn), f.ph(*s.MaxUpdate)))
	}
	if s.Where != "" {
		f.add("(" + s.Where + ")")
	}
	return f
}

// Count counts the segment's rows in one query.
func (s *TableSegment) Count(ctx context.Context) (int64, error) {
	f := s.buildFilter()
	sql := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", s.Path.Quoted(s.DB.Dialect()), f.clause())
	row, err := s.DB.QueryRow(ctx, sql, f.args...)
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", s.Path, err)
	}
	return asInt64(row[0])
}

// CountAndChecksum counts and checksums the segment in a single query.
// The checksum is nil for an empty segment.
func (s *TableSegment) CountAndChecksum(ctx context.Context) (int64, *int64, error) {
	d := s.DB.Dialect()
	rowExpr := d.ConcatExprs(s.canonicalExprs(s.RelevantColumns()))
	f := s.buildFilter()
	sql := fmt.Sprintf("SELECT COUNT(*), %s FROM %s%s",
		d.ChecksumExpr(rowExpr), s.Path.Quoted(d), f.clause())

	start := time.Now()
	row, err := s.DB.QueryRow(ctx, sql, f.args...)
	if err != nil {
		return 0, nil, fmt.Errorf("checksumming %s: %w", s.Path, err)
	}
	if elapsed := time.Since(start); elapsed > recommendedChecksumDuration {
		logger.Warn("checksum took %.1fs; consider a higher --bisection-factor or fewer --threads", elapsed.Seconds())
	}
	count, err := asInt64(row[0])
	if err != nil {
		return 0, nil, err
	}
	if count == 0 || row[1] == nil {
		return count, nil, nil
	}
	sum, err := asInt64(row[1])
	if err != nil {
		return 0, nil, err
	}
	return count, &sum, nil
}

// CountWithDistinct runs the key-uniqueness probe: total row count and
// distinct key count in one pass.
func (s *TableSegment) CountWithDistinct(ctx context.Context) (total, distinct int64, err error) {
	d := s.DB.Dialect()
	quoted := make([]string, len(s.KeyColumns))
	for i, c := range s.KeyColumns {
		quoted[i] = s.rawColumnExpr(c)
	}
	f := s.buildFilter()
	sql := fmt.Sprintf("SELECT COUNT(*), %s FROM %s%s",
		d.CountDistinctExpr(quoted), s.Path.Quoted(d), f.clause())
	row, err := s.DB.QueryRow(ctx, sql, f.args...)
	if err != nil {
		return 0, 0, fmt.Errorf("uniqueness probe on %s: %w", s.Path, err)
	}
	if total, err = asInt64(row[0]); err != nil {
		return 0, 0, err
	}
	if distinct, err = asInt64(row[1]); err != nil {
		return 0, 0, err
	}
	return total, distinct, nil
}

// KeyRange queries the segment's minimum and maximum key tuples, in
// canonical form. Returns ErrEmptyTable when the segment has no rows.
func (s *TableSegment) KeyRange(ctx context.Context) (min, max types.Row, err error) {
	d := s.DB.Dialect()
	sel := strings.Join(s.canonicalExprs(s.KeyColumns), ", ")
	f := s.buildFilter()
	base := fmt.Sprintf("SELECT %s FROM %s%s", sel, s.Path.Quoted(d), f.clause())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		row, err := s.DB.QueryRow(gctx, base+s.orderByKey(false)+d.Limit(1), f.args...)
		if err != nil {
			return err
		}
		min = row
		return nil
	})
	g.Go(func() error {
		row, err := s.DB.QueryRow(gctx, base+s.orderByKey(true)+d.Limit(1), f.args...)
		if err != nil {
			return err
		}
		max = row
		return nil
	})
	if err := g.Wait(); err != nil {
		if isNoRows(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrEmptyTable, s.Path)
		}
		return nil, nil, fmt.Errorf("querying key range of %s: %w", s.Path, err)
	}
	return min, max, nil
}

// GetValues streams every row of the segment, canonicalised, in key order.
func (s *TableSegment) GetValues(ctx context.Context) (*dispatch.RowStream, error) {
	d := s.DB.Dialect()
	sel := strings.Join(s.canonicalExprs(s.RelevantColumns()), ", ")
	f := s.buildFilter()
	sql := fmt.Sprintf("SELECT %s FROM %s%s%s",
		sel, s.Path.Quoted(d), f.clause(), s.orderByKey(false))
	return s.DB.QueryRows(ctx, sql, f.args...)
}

// ApproximateSize estimates the segment's row capacity from its key span.
// Only computable for a bounded single integer key.
func (s *TableSegment) ApproximateSize() (int64, bool) {
	if !s.IsBounded() || len(s.KeyColumns) != 1 || s.KeyTypes()[0].Kind != db.KindInt {
		return 0, false
	}
	lo, err1 := strconv.ParseInt(s.MinKey[0].(string), 10, 64)
	hi, err2 := strconv.ParseInt(s.MaxKey[0].(string), 10, 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	span := hi - lo
	if s.MaxKeyInclusive {
		span++
	}
	if span < 0 {
		span = 0
	}
	return span, true
}

// ChooseCheckpoints returns up to n-1 interior key tuples splitting the
// segment into n roughly equal parts. Checkpoints are strictly increasing
// and lie strictly inside the segment's bounds; duplicates from sparse key
// domains are collapsed, so fewer than n-1 may come back. count is the
// segment's (estimated) row count, used by the sampling fallback.
func (s *TableSegment) ChooseCheckpoints(ctx context.Context, n int, count int64) ([]types.Row, error) {
	if !s.IsBounded() {
		return nil, fmt.Errorf("cannot split an unbounded segment of %s", s.Path)
	}
	if n < 2 {
		return nil, fmt.Errorf("segmentation needs at least 2 parts, got %d", n)
	}

	var cps []types.Row
	var err error
	if span, ok := s.ApproximateSize(); ok && span > 0 {
		cps = s.arithmeticCheckpoints(n, span)
	} else {
		cps, err = s.sampledCheckpoints(ctx, n, count)
		if err != nil {
			return nil, err
		}
	}
	return s.dedupeCheckpoints(cps), nil
}

// arithmeticCheckpoints splits a numeric key span without touching the
// database.
func (s *TableSegment) arithmeticCheckpoints(n int, span int64) []types.Row {
	lo, _ := strconv.ParseInt(s.MinKey[0].(string), 10, 64)
	var out []types.Row
	for i := 1; i < n; i++ {
		cp := lo + span*int64(i)/int64(n)
		out = append(out, types.Row{strconv.FormatInt(cp, 10)})
	}
	return out
}

// sampledCheckpoints probes the database for evenly spaced key tuples. Each
// probe orders by the full key tuple, so OFFSET is deterministic.
func (s *TableSegment) sampledCheckpoints(ctx context.Context, n int, count int64) ([]types.Row, error) {
	d := s.DB.Dialect()
	keyTypes := s.KeyTypes()

	if n == 2 && len(s.KeyColumns) == 1 && keyTypes[0].Numeric() && d.Capabilities().ApproxMedian {
		raw := s.rawColumnExpr(s.KeyColumns[0])
		expr := d.CanonicalExpr(
			fmt.Sprintf("(percentile_disc(0.5) WITHIN GROUP (ORDER BY %s))", raw),
			keyTypes[0], s.CaseSensitive)
		f := s.buildFilter()
		sql := fmt.Sprintf("SELECT %s FROM %s%s", expr, s.Path.Quoted(d), f.clause())
		row, err := s.DB.QueryRow(ctx, sql, f.args...)
		if err != nil {
			return nil, fmt.Errorf("median probe on %s: %w", s.Path, err)
		}
		return []types.Row{row}, nil
	}

	if count <= 0 {
		var err error
		count, err = s.Count(ctx)
		if err != nil {
			return nil, err
		}
	}
	if count < 2 {
		return nil, nil
	}

	sel := strings.Join(s.canonicalExprs(s.KeyColumns), ", ")
	out := make([]types.Row, n-1)
	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i < n; i++ {
		offset := count * int64(i) / int64(n)
		if offset >= count {
			offset = count - 1
		}
		idx := i - 1
		f := s.buildFilter()
		sql := fmt.Sprintf("SELECT %s FROM %s%s%s%s",
			sel, s.Path.Quoted(d), f.clause(), s.orderByKey(false), d.OffsetLimit(offset, 1))
		g.Go(func() error {
			row, err := s.DB.QueryRow(gctx, sql, f.args...)
			if err != nil {
				if isNoRows(err) {
					return nil
				}
				return fmt.Errorf("checkpoint probe on %s: %w", s.Path, err)
			}
			out[idx] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var cps []types.Row
	for _, row := range out {
		if row != nil {
			cps = append(cps, row)
		}
	}
	return cps, nil
}

// dedupeCheckpoints drops duplicates and checkpoints outside the open
// interval (MinKey, MaxKey), keeping the rest strictly increasing.
func (s *TableSegment) dedupeCheckpoints(cps []types.Row) []types.Row {
	keyTypes := s.KeyTypes()
	var out []types.Row
	prev := s.MinKey
	for _, cp := range cps {
		if compareKeys(cp, prev, keyTypes) <= 0 {
			continue
		}
		if c := compareKeys(cp, s.MaxKey, keyTypes); c >= 0 {
			break
		}
		out = append(out, cp)
		prev = cp
	}
	return out
}

// SegmentByCheckpoints splits the segment at the given interior key tuples
// into adjacent, non-overlapping children that union-cover it.
func (s *TableSegment) SegmentByCheckpoints(cps []types.Row) []*TableSegment {
	bounds := append(append([]types.Row{s.MinKey}, cps...), s.MaxKey)
	out := make([]*TableSegment, 0, len(bounds)-1)
	for i := 0; i+1 < len(bounds); i++ {
		c := s.Clone()
		c.MinKey = bounds[i]
		c.MaxKey = bounds[i+1]
		c.MaxKeyInclusive = s.MaxKeyInclusive && i+2 == len(bounds)
		out = append(out, c)
	}
	return out
}

// NewKeyBounds derives a segment restricted to [minKey, maxKey).
func (s *TableSegment) NewKeyBounds(minKey, maxKey types.Row, maxInclusive bool) *TableSegment {
	c := s.Clone()
	c.MinKey = minKey
	c.MaxKey = maxKey
	c.MaxKeyInclusive = maxInclusive
	return c
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	case nil:
		return 0, fmt.Errorf("unexpected NULL where an integer was expected")
	}
	return 0, fmt.Errorf("cannot read %T as integer", v)
}

func isNoRows(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no rows in result set")
}
