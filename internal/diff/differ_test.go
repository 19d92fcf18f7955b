package diff

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erezsh/reladiff/db"
)

func TestDiffTablesRejectsSchemaMismatch(t *testing.T) {
	d := openSQLite(t)
	ctx := context.Background()
	require.NoError(t, d.Exec(ctx, "CREATE TABLE a (id INTEGER PRIMARY KEY, v REAL)"))
	require.NoError(t, d.Exec(ctx, "CREATE TABLE b (id INTEGER PRIMARY KEY, v TEXT)"))
	require.NoError(t, d.Exec(ctx, "INSERT INTO a VALUES (1, 1.5)"))
	require.NoError(t, d.Exec(ctx, "INSERT INTO b VALUES (1, 'x')"))

	mk := func(table string) *TableSegment {
		seg, err := NewTableSegment(d, dbPath(table), []string{"id"})
		require.NoError(t, err)
		seg.ExtraColumns = []string{"v"}
		return seg
	}
	_, err := DiffTables(ctx, mk("a"), mk("b"), hashOpts())
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestDiffTablesRejectsMissingColumn(t *testing.T) {
	d := openSQLite(t)
	ctx := context.Background()
	require.NoError(t, d.Exec(ctx, "CREATE TABLE a (id INTEGER PRIMARY KEY, v REAL)"))
	require.NoError(t, d.Exec(ctx, "INSERT INTO a VALUES (1, 1.5)"))

	seg, err := NewTableSegment(d, dbPath("a"), []string{"id"})
	require.NoError(t, err)
	seg.ExtraColumns = []string{"nope"}
	seg2, err := NewTableSegment(d, dbPath("a"), []string{"id"})
	require.NoError(t, err)
	seg2.ExtraColumns = []string{"nope"}

	_, err = DiffTables(ctx, seg, seg2, hashOpts())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestValidateAndAdjustLowersScale(t *testing.T) {
	f1 := newFakeDB()
	f1.schema = map[string]db.ColType{
		"id": {Kind: db.KindInt},
		"v":  {Kind: db.KindDecimal, Precision: 10, Scale: 4},
	}
	f2 := newFakeDB()
	f2.schema = map[string]db.ColType{
		"id": {Kind: db.KindInt},
		"v":  {Kind: db.KindDecimal, Precision: 10, Scale: 2},
	}
	mk := func(f *fakeDB) *TableSegment {
		seg, err := NewTableSegment(f, db.TablePath{Table: "t"}, []string{"id"})
		require.NoError(t, err)
		seg.ExtraColumns = []string{"v"}
		seg, err = seg.WithSchema(context.Background())
		require.NoError(t, err)
		return seg
	}
	t1, t2 := mk(f1), mk(f2)
	require.NoError(t, validateAndAdjustColumns(t1, t2))
	assert.Equal(t, 2, t1.Schema()["v"].Scale, "both sides round to the coarser scale")
	assert.Equal(t, 2, t2.Schema()["v"].Scale)
}

func TestValidateAndAdjustLowersTimestampPrecision(t *testing.T) {
	f1 := newFakeDB()
	f1.schema = map[string]db.ColType{
		"id": {Kind: db.KindInt},
		"ts": {Kind: db.KindTimestamp, Precision: 6},
	}
	f2 := newFakeDB()
	f2.schema = map[string]db.ColType{
		"id": {Kind: db.KindInt},
		"ts": {Kind: db.KindTimestamp, Precision: 3},
	}
	mk := func(f *fakeDB) *TableSegment {
		seg, err := NewTableSegment(f, db.TablePath{Table: "t"}, []string{"id"})
		require.NoError(t, err)
		seg.ExtraColumns = []string{"ts"}
		seg, err = seg.WithSchema(context.Background())
		require.NoError(t, err)
		return seg
	}
	t1, t2 := mk(f1), mk(f2)
	require.NoError(t, validateAndAdjustColumns(t1, t2))
	assert.Equal(t, 3, t1.Schema()["ts"].Precision)
	assert.Equal(t, 3, t2.Schema()["ts"].Precision)
}

func TestChooseAlgorithm(t *testing.T) {
	d := openSQLite(t)
	createRating(t, d, "rating", 10)
	copyRating(t, d, "rating", "rating2")
	ctx := context.Background()

	mkPair := func() (*TableSegment, *TableSegment) {
		s1, err := ratingSegment(t, d, "rating").WithSchema(ctx)
		require.NoError(t, err)
		s2, err := ratingSegment(t, d, "rating2").WithSchema(ctx)
		require.NoError(t, err)
		return s1, s2
	}

	s1, s2 := mkPair()
	algo, err := chooseAlgorithm(s1, s2, Options{Algorithm: AlgorithmAuto})
	require.NoError(t, err)
	assert.Equal(t, AlgorithmJoinDiff, algo,
		"auto picks joindiff for two tables on one connection")

	algo, err = chooseAlgorithm(s1, s2, Options{Algorithm: AlgorithmHashDiff})
	require.NoError(t, err)
	assert.Equal(t, AlgorithmHashDiff, algo, "forcing hashdiff is always allowed")

	_, err = chooseAlgorithm(s1, s2, Options{Algorithm: "bogus"})
	require.Error(t, err)
}

func TestDiffTablesRejectsAgeWithoutUpdateColumn(t *testing.T) {
	d := openSQLite(t)
	createRating(t, d, "rating", 10)
	copyRating(t, d, "rating", "rating2")

	opts := hashOpts()
	opts.MinAge = 1
	_, err := DiffTables(context.Background(),
		ratingSegment(t, d, "rating"), ratingSegment(t, d, "rating2"), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "update column")
}

func TestStatsAggregation(t *testing.T) {
	d := openSQLite(t)
	createRating(t, d, "rating", 1000)
	copyRating(t, d, "rating", "rating2")
	ctx := context.Background()
	require.NoError(t, d.Exec(ctx, "DELETE FROM rating2 WHERE id <= 3"))
	require.NoError(t, d.Exec(ctx,
		"UPDATE rating2 SET rating = rating + 1 WHERE id > 990"))
	require.NoError(t, d.Exec(ctx,
		"INSERT INTO rating2 (id, userid, movieid, rating, timestamp) VALUES (2001, 1, 1, 1, 1), (2002, 1, 1, 1, 1)"))

	res, err := DiffTables(ctx,
		ratingSegment(t, d, "rating"), ratingSegment(t, d, "rating2"), hashOpts())
	require.NoError(t, err)
	defer res.Close()

	st, err := res.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.ExclusiveA)
	assert.Equal(t, int64(2), st.ExclusiveB)
	assert.Equal(t, int64(10), st.Updated)
	assert.Equal(t, int64(1000), st.Table1Count)
	assert.Equal(t, int64(999), st.Table2Count)
	assert.NotEmpty(t, st.RunID)
	assert.Greater(t, st.QueriesIssued, int64(0))

	summary, err := res.StatsString()
	require.NoError(t, err)
	assert.Contains(t, summary, "1000 rows in table A")
	assert.Contains(t, summary, "3 rows exclusive to table A")
}

func TestDiffResultErrIsIdempotent(t *testing.T) {
	d := openSQLite(t)
	createRating(t, d, "rating", 20)
	require.NoError(t, d.Exec(context.Background(),
		"CREATE TABLE empty_rating AS SELECT * FROM rating WHERE 1=0"))

	res, err := DiffTables(context.Background(),
		ratingSegment(t, d, "rating"), ratingSegment(t, d, "empty_rating"), hashOpts())
	require.NoError(t, err)
	for {
		if _, ok := res.Next(); !ok {
			break
		}
	}
	first := res.Err()
	require.Error(t, first)
	assert.Equal(t, first, res.Err(), "repeated polls must yield the same error")
	res.Close()
}
