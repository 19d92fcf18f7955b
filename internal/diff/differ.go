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
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/erezsh/reladiff/db"
	"github.com/erezsh/reladiff/pkg/logger"
	"github.com/erezsh/reladiff/pkg/types"
)

// Algorithm selects the diffing strategy.
type Algorithm string

const (
	AlgorithmAuto     Algorithm = "auto"
	AlgorithmHashDiff Algorithm = "hashdiff"
	AlgorithmJoinDiff Algorithm = "joindiff"
)

// ErrSchemaMismatch reports column sets or types that cannot be compared.
var ErrSchemaMismatch = errors.New("table schemas are not comparable")

// Options configures a diff run. Zero values select the defaults.
type Options struct {
	Algorithm          Algorithm
	BisectionFactor    int
	BisectionThreshold int64
	Limit              int64
	Where              string
	MinAge             time.Duration
	MaxAge             time.Duration
	AssumeUniqueKey    bool
	SkipSortResults    bool
	AllowEmptyTables   bool

	// JoinDiff-only knobs.
	Materialize         string
	MaterializeAllRows  bool
	SampleExclusiveRows int
	TableWriteLimit     int64

	Progress Progress
}

// runStats accumulates counters shared by the concurrent segment workers.
type runStats struct {
	table1Count    atomic.Int64
	table2Count    atomic.Int64
	rowsDownloaded atomic.Int64
	queries        atomic.Int64

	mu       sync.Mutex
	sampledA []types.Row
	sampledB []types.Row
}

func (s *runStats) setSampledA(rows []types.Row) {
	s.mu.Lock()
	s.sampledA = rows
	s.mu.Unlock()
}

func (s *runStats) setSampledB(rows []types.Row) {
	s.mu.Lock()
	s.sampledB = rows
	s.mu.Unlock()
}

// emitter is the single output funnel for diff records. It is safe for
// concurrent sends; once the limit is reached it cancels the run.
type emitter struct {
	ctx    context.Context
	cancel context.CancelFunc
	out    chan types.DiffRecord
	limit  int64
	sent   atomic.Int64
}

// Emit delivers one record. It reports false when the consumer is gone or
// the record limit was reached; callers should stop producing.
func (e *emitter) Emit(rec types.DiffRecord) bool {
	if e.limit > 0 && e.sent.Add(1) > e.limit {
		e.cancel()
		return false
	}
	select {
	case e.out <- rec:
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (e *emitter) stopped() bool {
	return e.ctx.Err() != nil
}

// DiffResult exposes the streaming diff: an iterator, a close method, and
// aggregate statistics once the stream completes. Records already consumed
// are retained, so statistics can be computed after iteration.
type DiffResult struct {
	runID    string
	recs     chan types.DiffRecord
	cancel   context.CancelFunc
	done     chan struct{}
	keyTypes []db.ColType

	mu       sync.Mutex
	err      error
	consumed []types.DiffRecord

	stats *runStats

	closeOnce sync.Once
}

// Next pulls the next diff record. ok is false when the stream is done;
// check Err afterwards.
func (r *DiffResult) Next() (rec types.DiffRecord, ok bool) {
	rec, ok = <-r.recs
	if ok {
		r.mu.Lock()
		r.consumed = append(r.consumed, rec)
		r.mu.Unlock()
	}
	return rec, ok
}

// Err returns the first fatal error of the run, if any. It is idempotent:
// every call reports the same error.
func (r *DiffResult) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close cancels all outstanding work and waits for it to wind down.
// Closing mid-stream is the expected way to abandon a diff.
func (r *DiffResult) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		go func() {
			for range r.recs {
			}
		}()
		<-r.done
	})
	return r.Err()
}

func (r *DiffResult) finish(err error) {
	r.mu.Lock()
	if err != nil && r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	close(r.recs)
	close(r.done)
}

// Stats consumes the rest of the stream and aggregates it.
func (r *DiffResult) Stats() (types.DiffStats, error) {
	for {
		if _, ok := r.Next(); !ok {
			break
		}
	}
	<-r.done
	if err := r.Err(); err != nil {
		return types.DiffStats{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Fold per-key: a key seen with both signs is an update, one sign an
	// exclusive row.
	bySign := map[string]types.Sign{}
	const updated = types.Sign("!")
	for _, rec := range r.consumed {
		key := db.SerializeRow(rec.Row[:len(r.keyTypes)])
		prev, seen := bySign[key]
		if seen && prev != rec.Sign {
			bySign[key] = updated
		} else if !seen {
			bySign[key] = rec.Sign
		}
	}

	st := types.DiffStats{
		RunID:          r.runID,
		Table1Count:    r.stats.table1Count.Load(),
		Table2Count:    r.stats.table2Count.Load(),
		RowsDownloaded: r.stats.rowsDownloaded.Load(),
		QueriesIssued:  r.stats.queries.Load(),
	}
	for _, sign := range bySign {
		switch sign {
		case types.SignMinus:
			st.ExclusiveA++
		case types.SignPlus:
			st.ExclusiveB++
		case updated:
			st.Updated++
		}
	}
	st.Total = st.ExclusiveA + st.ExclusiveB + st.Updated
	st.Unchanged = st.Table1Count - st.ExclusiveA - st.Updated
	maxCount := st.Table1Count
	if st.Table2Count > maxCount {
		maxCount = st.Table2Count
	}
	if maxCount < 1 {
		maxCount = 1
	}
	st.DiffPercent = 1 - float64(st.Unchanged)/float64(maxCount)

	r.stats.mu.Lock()
	st.SampledExclusiveA = r.stats.sampledA
	st.SampledExclusiveB = r.stats.sampledB
	r.stats.mu.Unlock()
	return st, nil
}

// StatsString renders the human-readable summary.
func (r *DiffResult) StatsString() (string, error) {
	st, err := r.Stats()
	if err != nil {
		return "", err
	}
	out := ""
	out += fmt.Sprintf("%d rows in table A\n", st.Table1Count)
	out += fmt.Sprintf("%d rows in table B\n", st.Table2Count)
	out += fmt.Sprintf("%d rows exclusive to table A (not present in B)\n", st.ExclusiveA)
	out += fmt.Sprintf("%d rows exclusive to table B (not present in A)\n", st.ExclusiveB)
	out += fmt.Sprintf("%d rows updated\n", st.Updated)
	out += fmt.Sprintf("%d rows unchanged\n", st.Unchanged)
	out += fmt.Sprintf("%.2f%% difference score\n", 100*st.DiffPercent)
	return out, nil
}

// DiffTables validates the two segments, picks an algorithm, and starts the
// diff. The returned DiffResult streams records as they are found.
func DiffTables(ctx context.Context, t1, t2 *TableSegment, opts Options) (*DiffResult, error) {
	if opts.Algorithm == "" {
		opts.Algorithm = AlgorithmAuto
	}
	if opts.BisectionFactor == 0 {
		opts.BisectionFactor = DefaultBisectionFactor
	}
	if opts.BisectionThreshold == 0 {
		opts.BisectionThreshold = DefaultBisectionThreshold
	}

	t1, t2 = t1.Clone(), t2.Clone()
	for _, t := range []*TableSegment{t1, t2} {
		if opts.Where != "" {
			t.Where = opts.Where
		}
	}
	if err := applyAgeBounds(t1, t2, opts.MinAge, opts.MaxAge); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	segs := []*TableSegment{t1, t2}
	for i := range segs {
		i := i
		g.Go(func() error {
			var err error
			segs[i], err = segs[i].WithSchema(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	t1, t2 = segs[0], segs[1]

	if err := validateAndAdjustColumns(t1, t2); err != nil {
		return nil, err
	}

	algo, err := chooseAlgorithm(t1, t2, opts)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	runLog := logger.WithRun(runID)
	runLog.Debugf("using algorithm %s for %s <> %s", algo, t1.Path, t2.Path)

	if algo == AlgorithmHashDiff {
		// Bad tuning parameters are a configuration error and fail before
		// any query is issued.
		check := HashDiffer{BisectionFactor: opts.BisectionFactor, BisectionThreshold: opts.BisectionThreshold}
		if err := check.validate(); err != nil {
			return nil, err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	st := &runStats{}
	em := &emitter{
		ctx:    runCtx,
		cancel: cancel,
		out:    make(chan types.DiffRecord, 64),
		limit:  opts.Limit,
	}
	res := &DiffResult{
		runID:    runID,
		recs:     em.out,
		cancel:   cancel,
		done:     make(chan struct{}),
		keyTypes: t1.KeyTypes(),
		stats:    st,
	}

	go func() {
		var runErr error
		switch algo {
		case AlgorithmJoinDiff:
			j := &JoinDiffer{
				Materialize:         opts.Materialize,
				MaterializeAllRows:  opts.MaterializeAllRows,
				SampleExclusiveRows: opts.SampleExclusiveRows,
				TableWriteLimit:     opts.TableWriteLimit,
				AssumeUniqueKey:     opts.AssumeUniqueKey,
			}
			runErr = j.Run(runCtx, t1, t2, em, st)
		default:
			h := &HashDiffer{
				BisectionFactor:    opts.BisectionFactor,
				BisectionThreshold: opts.BisectionThreshold,
				AssumeUniqueKey:    opts.AssumeUniqueKey,
				SkipSortResults:    opts.SkipSortResults,
				AllowEmptyTables:   opts.AllowEmptyTables,
				Progress:           opts.Progress,
			}
			runErr = h.Run(runCtx, t1, t2, em, st)
		}
		// Cancellation triggered by the limit or by Close is the expected
		// way for a run to wind down, not a failure. Drivers report it in
		// their own words, so any error after the stop is drained silently.
		if runErr != nil && em.stopped() {
			runErr = nil
		}
		if runErr != nil {
			runLog.Errorf("diff failed: %v", runErr)
		}
		res.finish(runErr)
	}()
	return res, nil
}

func applyAgeBounds(t1, t2 *TableSegment, minAge, maxAge time.Duration) error {
	if minAge == 0 && maxAge == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, t := range []*TableSegment{t1, t2} {
		if t.UpdateColumn == "" {
			return fmt.Errorf("min-age/max-age require an update column to be configured")
		}
		if minAge > 0 {
			bound := now.Add(-minAge)
			t.MaxUpdate = &bound
		}
		if maxAge > 0 {
			bound := now.Add(-maxAge)
			t.MinUpdate = &bound
		}
	}
	return nil
}

// validateAndAdjustColumns checks the two projections are comparable and
// lowers numeric scale and timestamp precision to the minimum of the two
// sides, so both canonicalise to the coarser form.
func validateAndAdjustColumns(t1, t2 *TableSegment) error {
	cols1, cols2 := t1.RelevantColumns(), t2.RelevantColumns()
	if len(cols1) != len(cols2) {
		return fmt.Errorf("%w: %d columns vs %d columns", ErrSchemaMismatch, len(cols1), len(cols2))
	}
	if len(t1.KeyColumns) != len(t2.KeyColumns) {
		return fmt.Errorf("%w: %d key columns vs %d key columns",
			ErrSchemaMismatch, len(t1.KeyColumns), len(t2.KeyColumns))
	}

	for i := range cols1 {
		c1, c2 := cols1[i], cols2[i]
		type1, type2 := t1.Schema()[c1], t2.Schema()[c2]
		if !db.SameFamily(type1, type2) {
			return fmt.Errorf("%w: column %q is %s but %q is %s; cast one side explicitly",
				ErrSchemaMismatch, c1, type1.Kind, c2, type2.Kind)
		}

		if type1.Kind == db.KindTimestamp {
			if type1.Precision != type2.Precision {
				p := min(type1.Precision, type2.Precision)
				logger.Warn("column %q: timestamp precision differs (%d vs %d); comparing at precision %d",
					c1, type1.Precision, type2.Precision, p)
				type1.Precision, type2.Precision = p, p
			}
		} else if type1.Numeric() {
			s1, s2 := effectiveScale(type1), effectiveScale(type2)
			if s1 != s2 {
				s := min(s1, s2)
				logger.Warn("column %q: numeric scale differs (%d vs %d); comparing at scale %d",
					c1, s1, s2, s)
				type1.Scale, type2.Scale = s, s
			} else {
				type1.Scale, type2.Scale = s1, s2
			}
		}
		t1.SetColType(c1, type1)
		t2.SetColType(c2, type2)
	}

	for i, k := range t1.KeyColumns {
		if !t1.Schema()[k].Keyable() {
			return fmt.Errorf("cannot use column %q of type %s as a key", k, t1.Schema()[k].Kind)
		}
		k2 := t2.KeyColumns[i]
		if !t2.Schema()[k2].Keyable() {
			return fmt.Errorf("cannot use column %q of type %s as a key", k2, t2.Schema()[k2].Kind)
		}
	}
	return nil
}

// effectiveScale treats integers as scale 0 so int-vs-decimal pairs compare
// at whole-number precision.
func effectiveScale(t db.ColType) int {
	if t.Kind == db.KindInt {
		return 0
	}
	return t.Scale
}

func chooseAlgorithm(t1, t2 *TableSegment, opts Options) (Algorithm, error) {
	sameDB := t1.DB.ID() == t2.DB.ID()
	joinCapable := sameDB && t1.DB.Dialect().Capabilities().FullOuterJoin

	switch opts.Algorithm {
	case AlgorithmAuto:
		if joinCapable {
			return AlgorithmJoinDiff, nil
		}
		return AlgorithmHashDiff, nil
	case AlgorithmJoinDiff:
		if !sameDB {
			return "", fmt.Errorf("joindiff requires both tables on the same connection")
		}
		if !joinCapable {
			return "", fmt.Errorf("database %s does not support FULL OUTER JOIN", t1.DB.Dialect().Name())
		}
		return AlgorithmJoinDiff, nil
	case AlgorithmHashDiff:
		return AlgorithmHashDiff, nil
	}
	return "", fmt.Errorf("unknown algorithm %q (expected auto, joindiff or hashdiff)", opts.Algorithm)
}
