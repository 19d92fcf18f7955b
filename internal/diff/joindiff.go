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
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/erezsh/reladiff/db"
	"github.com/erezsh/reladiff/pkg/logger"
	"github.com/erezsh/reladiff/pkg/types"
)

// JoinDiffer diffs two tables that live in the same database with a single
// FULL OUTER JOIN query whose predicates isolate mismatching rows.
// Optionally the joined result is materialised into a table.
type JoinDiffer struct {
	Materialize        string
	MaterializeAllRows bool
	SampleExclusiveRows int
	TableWriteLimit    int64
	AssumeUniqueKey    bool
}

const joinSignColumn = "diff_sign"

// Run executes the diff, emitting records through em.
func (j *JoinDiffer) Run(ctx context.Context, t1, t2 *TableSegment, em *emitter, st *runStats) error {
	if t1.DB.ID() != t2.DB.ID() {
		return fmt.Errorf("joindiff requires both tables on the same connection (%s vs %s)",
			t1.DB.ID(), t2.DB.ID())
	}
	if !t1.DB.Dialect().Capabilities().FullOuterJoin {
		return fmt.Errorf("database %s does not support FULL OUTER JOIN; use hashdiff", t1.DB.Dialect().Name())
	}

	if !j.AssumeUniqueKey {
		hd := HashDiffer{}
		if err := hd.verifyUniqueKeys(ctx, t1, t2); err != nil {
			return err
		}
	}

	// Table counts feed the summary statistics; they run alongside the
	// join on the same pool.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := t1.Count(gctx)
		if err == nil {
			st.table1Count.Add(n)
		}
		st.queries.Add(1)
		return err
	})
	g.Go(func() error {
		n, err := t2.Count(gctx)
		if err == nil {
			st.table2Count.Add(n)
		}
		st.queries.Add(1)
		return err
	})

	q := j.buildJoinQuery(t1, t2)

	g.Go(func() error {
		if j.Materialize != "" {
			return j.materializeAndStream(gctx, t1, q, em, st)
		}
		return j.streamJoin(gctx, t1, q, em, st)
	})

	if j.SampleExclusiveRows > 0 {
		g.Go(func() error {
			return j.sampleExclusive(gctx, t1, t2, st)
		})
	}

	return g.Wait()
}

// joinQuery carries the rendered join SQL and its projection geometry.
type joinQuery struct {
	sql     string
	args    []any
	keyN    int
	sideN   int // columns per side after the keys
}

// buildJoinQuery renders:
//
//	SELECT sign, keys..., left side cols..., right side cols...
//	FROM t1 a FULL OUTER JOIN t2 b USING-equivalent ON a.k = b.k
//	WHERE a.k IS NULL OR b.k IS NULL OR <any column differs>
//
// with both sides' segment predicates pushed into subselects and every
// compared column canonicalised.
func (j *JoinDiffer) buildJoinQuery(t1, t2 *TableSegment) joinQuery {
	d := t1.DB.Dialect()

	side := func(t *TableSegment, alias string) (string, []any) {
		f := t.buildFilter()
		if len(f.conds) == 0 {
			return t.Path.Quoted(d) + " " + alias, nil
		}
		return fmt.Sprintf("(SELECT * FROM %s%s) %s", t.Path.Quoted(d), f.clause(), alias), f.args
	}

	// Both subselects share one placeholder sequence; the right side's
	// positional placeholders are shifted past the left side's.
	leftFrom, leftArgs := side(t1, "a")
	rightFrom, rightArgs := sideShifted(t2, d, len(leftArgs))

	canon := func(t *TableSegment, alias, col string) string {
		expr := alias + "." + d.QuoteIdent(col)
		if tr, ok := t.TransformColumns[col]; ok && tr != "" {
			expr = "(" + strings.ReplaceAll(tr, col, alias+"."+d.QuoteIdent(col)) + ")"
		}
		return d.CanonicalExpr(expr, t.schema[col], t.CaseSensitive)
	}

	firstKeyA := "a." + d.QuoteIdent(t1.KeyColumns[0])
	firstKeyB := "b." + d.QuoteIdent(t2.KeyColumns[0])

	nonKey1 := t1.RelevantColumns()[len(t1.KeyColumns):]
	nonKey2 := t2.RelevantColumns()[len(t2.KeyColumns):]
	differs := "1=0"
	if len(nonKey1) > 0 {
		var diffConds []string
		for i, c := range nonKey1 {
			diffConds = append(diffConds, d.IsDistinctExpr(canon(t1, "a", c), canon(t2, "b", nonKey2[i])))
		}
		differs = "(" + strings.Join(diffConds, " OR ") + ")"
	}

	signExpr := fmt.Sprintf(
		"CASE WHEN %s IS NULL THEN '+' WHEN %s IS NULL THEN '-' WHEN %s THEN '!' ELSE '=' END AS %s",
		firstKeyA, firstKeyB, differs, joinSignColumn)

	sel := []string{signExpr}
	for i, k := range t1.KeyColumns {
		sel = append(sel, fmt.Sprintf("COALESCE(%s, %s) AS %s",
			canon(t1, "a", k), canon(t2, "b", t2.KeyColumns[i]), d.QuoteIdent(k)))
	}
	for _, c := range nonKey1 {
		sel = append(sel, canon(t1, "a", c)+" AS "+d.QuoteIdent(c+"_a"))
	}
	for _, c := range nonKey2 {
		sel = append(sel, canon(t2, "b", c)+" AS "+d.QuoteIdent(c+"_b"))
	}

	var on []string
	for i, k := range t1.KeyColumns {
		on = append(on, fmt.Sprintf("a.%s = b.%s",
			d.QuoteIdent(k), d.QuoteIdent(t2.KeyColumns[i])))
	}

	where := strings.Join([]string{
		firstKeyA + " IS NULL",
		firstKeyB + " IS NULL",
		differs,
	}, " OR ")
	if j.MaterializeAllRows {
		where = "TRUE"
	}

	sql := fmt.Sprintf("SELECT %s FROM %s FULL OUTER JOIN %s ON %s WHERE %s",
		strings.Join(sel, ", "), leftFrom, rightFrom, strings.Join(on, " AND "), where)

	return joinQuery{
		sql:   sql,
		args:  append(leftArgs, rightArgs...),
		keyN:  len(t1.KeyColumns),
		sideN: len(nonKey1),
	}
}

// sideShifted renders a side subselect whose placeholders start after the
// left side's arguments (for dialects with positional placeholders).
func sideShifted(t *TableSegment, d db.Dialect, shift int) (string, []any) {
	f := t.buildFilter()
	if len(f.conds) == 0 {
		return t.Path.Quoted(d) + " b", nil
	}
	clause := f.clause()
	if shift > 0 && strings.Contains(d.Placeholder(1), "1") {
		for i := len(f.args); i >= 1; i-- {
			clause = strings.ReplaceAll(clause, d.Placeholder(i), d.Placeholder(i+shift))
		}
	}
	return fmt.Sprintf("(SELECT * FROM %s%s) b", t.Path.Quoted(d), clause), f.args
}

func (j *JoinDiffer) streamJoin(ctx context.Context, t1 *TableSegment, q joinQuery, em *emitter, st *runStats) error {
	stream, err := t1.DB.QueryRows(ctx, q.sql, q.args...)
	if err != nil {
		return err
	}
	defer stream.Close()
	st.queries.Add(1)
	for {
		row, ok := stream.Next()
		if !ok {
			break
		}
		if !emitJoinRow(em, row, q) {
			return nil
		}
	}
	return stream.Err()
}

// emitJoinRow translates one joined row into diff records. Layout:
// [sign, keys..., left cols..., right cols...].
func emitJoinRow(em *emitter, row types.Row, q joinQuery) bool {
	sign, _ := row[0].(string)
	keys := row[1 : 1+q.keyN]
	left := row[1+q.keyN : 1+q.keyN+q.sideN]
	right := row[1+q.keyN+q.sideN:]

	mk := func(side types.Row) types.Row {
		return append(append(types.Row{}, keys...), side...)
	}
	switch sign {
	case "-":
		return em.Emit(types.DiffRecord{Sign: types.SignMinus, Row: mk(left)})
	case "+":
		return em.Emit(types.DiffRecord{Sign: types.SignPlus, Row: mk(right)})
	case "!":
		if !em.Emit(types.DiffRecord{Sign: types.SignMinus, Row: mk(left)}) {
			return false
		}
		return em.Emit(types.DiffRecord{Sign: types.SignPlus, Row: mk(right)})
	}
	// "=" rows (only produced with materialize-all-rows) are unchanged
	// pairs; they stay in the table but not in the diff stream.
	return true
}

// materializeAndStream creates the results table, then streams the diff out
// of it. A pre-existing table of the same name is dropped first. "%t" in
// the name expands to the current UTC timestamp.
func (j *JoinDiffer) materializeAndStream(ctx context.Context, t1 *TableSegment, q joinQuery, em *emitter, st *runStats) error {
	d := t1.DB.Dialect()
	if !d.Capabilities().MaterializeCTAS {
		return fmt.Errorf("database %s does not support materialisation", d.Name())
	}
	name := strings.ReplaceAll(j.Materialize, "%t", time.Now().UTC().Format("20060102_150405"))
	path, err := db.ParseTablePath(name)
	if err != nil {
		return err
	}
	quoted := path.Quoted(d)

	if err := t1.DB.Exec(ctx, "DROP TABLE IF EXISTS "+quoted); err != nil {
		return err
	}
	sel := q.sql
	if j.TableWriteLimit > 0 {
		sel += d.Limit(j.TableWriteLimit)
	}
	if err := t1.DB.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", quoted, sel), q.args...); err != nil {
		return err
	}
	st.queries.Add(2)
	logger.Info("materialized diff into %s", path)

	stream, err := t1.DB.QueryRows(ctx, "SELECT * FROM "+quoted)
	if err != nil {
		return err
	}
	defer stream.Close()
	for {
		row, ok := stream.Next()
		if !ok {
			break
		}
		if !emitJoinRow(em, row, q) {
			return nil
		}
	}
	return stream.Err()
}

// sampleExclusive pulls up to SampleExclusiveRows random keys that exist on
// exactly one side, for the statistics report.
func (j *JoinDiffer) sampleExclusive(ctx context.Context, t1, t2 *TableSegment, st *runStats) error {
	d := t1.DB.Dialect()
	n := int64(j.SampleExclusiveRows)

	sample := func(ctx context.Context, have, missing *TableSegment) ([]types.Row, error) {
		var on []string
		for i, k := range have.KeyColumns {
			on = append(on, fmt.Sprintf("a.%s = b.%s",
				d.QuoteIdent(k), d.QuoteIdent(missing.KeyColumns[i])))
		}
		keys := make([]string, len(have.KeyColumns))
		for i, k := range have.KeyColumns {
			keys[i] = "a." + d.QuoteIdent(k)
		}
		sql := fmt.Sprintf(
			"SELECT %s FROM %s a LEFT JOIN %s b ON %s WHERE b.%s IS NULL %s%s",
			strings.Join(keys, ", "),
			have.Path.Quoted(d), missing.Path.Quoted(d), strings.Join(on, " AND "),
			d.QuoteIdent(missing.KeyColumns[0]), d.RandomOrder(), d.Limit(n))
		stream, err := have.DB.QueryRows(ctx, sql)
		if err != nil {
			return nil, err
		}
		st.queries.Add(1)
		return stream.Collect()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := sample(gctx, t1, t2)
		if err == nil {
			st.setSampledA(rows)
		}
		return err
	})
	g.Go(func() error {
		rows, err := sample(gctx, t2, t1)
		if err == nil {
			st.setSampledB(rows)
		}
		return err
	})
	return g.Wait()
}
