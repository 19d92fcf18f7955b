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
	"math"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/erezsh/reladiff/db"
	"github.com/erezsh/reladiff/pkg/logger"
	"github.com/erezsh/reladiff/pkg/types"
)

const (
	DefaultBisectionFactor    = 32
	DefaultBisectionThreshold = 1024 * 16
)

// ErrUniqueKeyViolation reports duplicate key tuples on one side. Duplicate
// keys corrupt checksums, so it is fatal unless the caller opted out of the
// check.
var ErrUniqueKeyViolation = errors.New("key columns are not unique")

// Progress observes segment-level work, for interactive display. AddSegments
// announces newly scheduled segment pairs; SegmentDone marks one finished.
type Progress interface {
	AddSegments(n int)
	SegmentDone()
}

type noProgress struct{}

func (noProgress) AddSegments(int) {}
func (noProgress) SegmentDone()    {}

// HashDiffer finds the diff between two segments on (possibly) different
// databases by checksum bisection: checksum both sides, recurse into key
// sub-ranges whose checksums disagree, and below BisectionThreshold rows
// download both sides and compare locally.
type HashDiffer struct {
	BisectionFactor    int
	BisectionThreshold int64
	AssumeUniqueKey    bool
	SkipSortResults    bool
	AllowEmptyTables   bool
	Progress           Progress
}

func (h *HashDiffer) validate() error {
	if h.BisectionFactor < 2 {
		return fmt.Errorf("bisection factor must be at least 2, got %d", h.BisectionFactor)
	}
	if h.BisectionThreshold < 1 {
		return fmt.Errorf("bisection threshold must be at least 1, got %d", h.BisectionThreshold)
	}
	if int64(h.BisectionFactor) >= h.BisectionThreshold {
		return fmt.Errorf("bisection factor (%d) must be lower than the bisection threshold (%d)",
			h.BisectionFactor, h.BisectionThreshold)
	}
	return nil
}

func (h *HashDiffer) progress() Progress {
	if h.Progress == nil {
		return noProgress{}
	}
	return h.Progress
}

// Run executes the diff, emitting records through em. It returns when the
// diff is complete, the emitter stops accepting records, or a query fails.
func (h *HashDiffer) Run(ctx context.Context, t1, t2 *TableSegment, em *emitter, st *runStats) error {
	if err := h.validate(); err != nil {
		return err
	}

	bt1, bt2, empty, err := h.bound(ctx, t1, t2)
	if err != nil || empty {
		return err
	}

	if !h.AssumeUniqueKey {
		if err := h.verifyUniqueKeys(ctx, bt1, bt2); err != nil {
			return err
		}
	}

	maxRows := int64(math.MaxInt64)
	if size, ok := bt1.ApproximateSize(); ok {
		maxRows = size
	}
	logger.Info("diffing %s <> %s at key range %v..%v",
		bt1.Path, bt2.Path, bt1.MinKey, bt1.MaxKey)

	g, gctx := errgroup.WithContext(ctx)
	h.progress().AddSegments(1)
	g.Go(func() error {
		return h.diffSegments(gctx, g, bt1, bt2, maxRows, 0, em, st)
	})
	return g.Wait()
}

// bound establishes a shared key range covering both tables: the union hull
// of the two sides' min/max keys, queried in parallel. empty reports that
// there is nothing to diff (both sides empty).
func (h *HashDiffer) bound(ctx context.Context, t1, t2 *TableSegment) (bt1, bt2 *TableSegment, empty bool, err error) {
	if t1.IsBounded() && t2.IsBounded() {
		return t1, t2, false, nil
	}

	type keyRange struct{ min, max types.Row }
	ranges := make([]*keyRange, 2)
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range []*TableSegment{t1, t2} {
		i, t := i, t
		g.Go(func() error {
			min, max, err := t.KeyRange(gctx)
			if err != nil {
				if errors.Is(err, ErrEmptyTable) && h.AllowEmptyTables {
					return nil
				}
				return err
			}
			ranges[i] = &keyRange{min, max}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, false, err
	}

	keyTypes := t1.KeyTypes()
	var min, max types.Row
	for _, r := range ranges {
		if r == nil {
			continue
		}
		if min == nil || compareKeys(r.min, min, keyTypes) < 0 {
			min = r.min
		}
		if max == nil || compareKeys(r.max, max, keyTypes) > 0 {
			max = r.max
		}
	}
	if min == nil {
		// Both sides empty.
		return nil, nil, true, nil
	}

	// Make the upper bound exclusive where the key domain has a computable
	// successor; otherwise keep it inclusive.
	maxInclusive := true
	if len(keyTypes) == 1 && keyTypes[0].Kind == db.KindInt {
		if hi, err := strconv.ParseInt(max[0].(string), 10, 64); err == nil {
			max = types.Row{strconv.FormatInt(hi+1, 10)}
			maxInclusive = false
		}
	}
	return t1.NewKeyBounds(min, max, maxInclusive),
		t2.NewKeyBounds(min, max, maxInclusive), false, nil
}

func (h *HashDiffer) verifyUniqueKeys(ctx context.Context, t1, t2 *TableSegment) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range []*TableSegment{t1, t2} {
		t := t
		g.Go(func() error {
			total, distinct, err := t.CountWithDistinct(gctx)
			if err != nil {
				return err
			}
			if total != distinct {
				return fmt.Errorf("%w in table %s: %d rows, %d distinct keys",
					ErrUniqueKeyViolation, t.Path, total, distinct)
			}
			return nil
		})
	}
	return g.Wait()
}

// diffSegments checksums one matching segment pair and, on mismatch,
// bisects it. Runs under g so sibling segments proceed in parallel; the
// per-database pools bound actual concurrency.
func (h *HashDiffer) diffSegments(ctx context.Context, g *errgroup.Group,
	t1, t2 *TableSegment, maxRows int64, level int, em *emitter, st *runStats) error {
	defer h.progress().SegmentDone()

	// Small segments skip the checksum round-trip entirely.
	if maxRows < h.BisectionThreshold {
		return h.diffLocally(ctx, t1, t2, level, em, st)
	}

	var count1, count2 int64
	var sum1, sum2 *int64
	cg, cgctx := errgroup.WithContext(ctx)
	cg.Go(func() error {
		var err error
		count1, sum1, err = t1.CountAndChecksum(cgctx)
		st.queries.Add(1)
		return err
	})
	cg.Go(func() error {
		var err error
		count2, sum2, err = t2.CountAndChecksum(cgctx)
		st.queries.Add(1)
		return err
	})
	if err := cg.Wait(); err != nil {
		return err
	}

	if count1 == 0 && count2 == 0 {
		logger.Debug("segment %v..%v is empty on both sides; large key gaps may warrant a higher bisection threshold",
			t1.MinKey, t1.MaxKey)
		return nil
	}
	if count1 == count2 && sum1 != nil && sum2 != nil && *sum1 == *sum2 {
		st.table1Count.Add(count1)
		st.table2Count.Add(count2)
		return nil
	}

	logger.Debug("%*schecksum mismatch at %v..%v (counts %d/%d), bisecting",
		level, "", t1.MinKey, t1.MaxKey, count1, count2)
	return h.bisect(ctx, g, t1, t2, count1, count2, level, em, st)
}

func (h *HashDiffer) bisect(ctx context.Context, g *errgroup.Group,
	t1, t2 *TableSegment, count1, count2 int64, level int, em *emitter, st *runStats) error {
	maxRows := count1
	if count2 > maxRows {
		maxRows = count2
	}
	if maxRows < h.BisectionThreshold {
		return h.diffLocally(ctx, t1, t2, level, em, st)
	}
	if size, ok := t1.ApproximateSize(); ok && size < int64(h.BisectionFactor)*2 {
		return h.diffLocally(ctx, t1, t2, level, em, st)
	}

	// The side with more rows yields the more informative quantiles; the
	// same checkpoints are then applied to both sides, so children cover
	// identical key ranges.
	chooser := t1
	if count2 > count1 {
		chooser = t2
	}
	cps, err := chooser.ChooseCheckpoints(ctx, h.BisectionFactor, maxRows)
	if err != nil {
		return err
	}
	st.queries.Add(int64(len(cps)))
	if len(cps) == 0 {
		// Sparse key domain: nothing to split at. Compare directly.
		return h.diffLocally(ctx, t1, t2, level, em, st)
	}

	children1 := t1.SegmentByCheckpoints(cps)
	children2 := t2.SegmentByCheckpoints(cps)
	h.progress().AddSegments(len(children1))
	for i := range children1 {
		c1, c2 := children1[i], children2[i]
		g.Go(func() error {
			return h.diffSegments(ctx, g, c1, c2, maxRows, level+1, em, st)
		})
	}
	return nil
}

// diffLocally downloads both sides of a segment pair in parallel, aligns
// them by key, and emits the row-level diff.
func (h *HashDiffer) diffLocally(ctx context.Context, t1, t2 *TableSegment,
	level int, em *emitter, st *runStats) error {
	rows := make([][]types.Row, 2)
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range []*TableSegment{t1, t2} {
		i, t := i, t
		g.Go(func() error {
			stream, err := t.GetValues(gctx)
			if err != nil {
				return err
			}
			st.queries.Add(1)
			rows[i], err = stream.Collect()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	downloaded := int64(len(rows[0]))
	if n := int64(len(rows[1])); n > downloaded {
		downloaded = n
	}
	st.rowsDownloaded.Add(downloaded)
	st.table1Count.Add(int64(len(rows[0])))
	st.table2Count.Add(int64(len(rows[1])))

	recs := diffRowSets(rows[0], rows[1], t1.KeyTypes(), h.SkipSortResults)
	logger.Debug("%*ssegment %v..%v: %d differing rows", level, "", t1.MinKey, t1.MaxKey, len(recs))
	for _, rec := range recs {
		if !em.Emit(rec) {
			return nil
		}
	}
	return nil
}
