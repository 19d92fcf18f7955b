package diff

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erezsh/reladiff/pkg/types"
)

func joinOpts() Options {
	return Options{Algorithm: AlgorithmJoinDiff}
}

func TestJoinDiffMatchesHashDiff(t *testing.T) {
	d := openSQLite(t)
	createRating(t, d, "rating", ratingRows)
	copyRating(t, d, "rating", "rating2")
	ctx := context.Background()
	require.NoError(t, d.Exec(ctx,
		"UPDATE rating2 SET timestamp = timestamp + 1 WHERE id % 100 = 0"))
	require.NoError(t, d.Exec(ctx, "DELETE FROM rating2 WHERE id = 7"))
	require.NoError(t, d.Exec(ctx,
		fmt.Sprintf("INSERT INTO rating2 (id, userid, movieid, rating, timestamp) VALUES (%d, 1, 1, 2.5, 1700000000)", ratingRows+1)))

	run := func(opts Options) []types.DiffRecord {
		res, err := DiffTables(ctx,
			ratingSegment(t, d, "rating"), ratingSegment(t, d, "rating2"), opts)
		require.NoError(t, err)
		defer res.Close()
		return collectDiff(t, res)
	}

	hashRecs := run(hashOpts())
	joinRecs := run(joinOpts())
	sortRecords(hashRecs)
	sortRecords(joinRecs)
	assert.Equal(t, hashRecs, joinRecs,
		"joindiff and hashdiff must produce the same record multiset")
}

func TestJoinDiffExclusiveRows(t *testing.T) {
	d := openSQLite(t)
	createRating(t, d, "rating", 100)
	copyRating(t, d, "rating", "rating2")
	ctx := context.Background()
	require.NoError(t, d.Exec(ctx, "DELETE FROM rating2 WHERE id = 50"))

	res, err := DiffTables(ctx,
		ratingSegment(t, d, "rating"), ratingSegment(t, d, "rating2"), joinOpts())
	require.NoError(t, err)
	defer res.Close()

	recs := collectDiff(t, res)
	require.Len(t, recs, 1)
	assert.Equal(t, types.SignMinus, recs[0].Sign)
	assert.Equal(t, "50", recs[0].Row[0])
}

func TestJoinDiffMaterialize(t *testing.T) {
	d := openSQLite(t)
	createRating(t, d, "rating", 200)
	copyRating(t, d, "rating", "rating2")
	ctx := context.Background()
	require.NoError(t, d.Exec(ctx,
		"UPDATE rating2 SET rating = rating + 1 WHERE id <= 10"))

	opts := joinOpts()
	opts.Materialize = "diff_results"
	res, err := DiffTables(ctx,
		ratingSegment(t, d, "rating"), ratingSegment(t, d, "rating2"), opts)
	require.NoError(t, err)
	defer res.Close()
	recs := collectDiff(t, res)
	assert.Len(t, recs, 20)

	row, err := d.QueryRow(ctx, "SELECT COUNT(*) FROM diff_results")
	require.NoError(t, err)
	assert.Equal(t, int64(10), row[0], "one materialized row per differing key")

	// Re-running must drop and replace the existing table.
	res, err = DiffTables(ctx,
		ratingSegment(t, d, "rating"), ratingSegment(t, d, "rating2"), opts)
	require.NoError(t, err)
	defer res.Close()
	collectDiff(t, res)
	row, err = d.QueryRow(ctx, "SELECT COUNT(*) FROM diff_results")
	require.NoError(t, err)
	assert.Equal(t, int64(10), row[0])
}

func TestJoinDiffMaterializeTimestampPattern(t *testing.T) {
	d := openSQLite(t)
	createRating(t, d, "rating", 50)
	copyRating(t, d, "rating", "rating2")
	ctx := context.Background()
	require.NoError(t, d.Exec(ctx, "DELETE FROM rating2 WHERE id = 1"))

	opts := joinOpts()
	opts.Materialize = "diffres_%t"
	res, err := DiffTables(ctx,
		ratingSegment(t, d, "rating"), ratingSegment(t, d, "rating2"), opts)
	require.NoError(t, err)
	defer res.Close()
	collectDiff(t, res)

	row, err := d.QueryRow(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name LIKE 'diffres_%'")
	require.NoError(t, err)
	assert.Equal(t, int64(1), row[0], "%%t must expand to a timestamped table name")
}

func TestJoinDiffMaterializeAllRows(t *testing.T) {
	d := openSQLite(t)
	createRating(t, d, "rating", 100)
	copyRating(t, d, "rating", "rating2")
	ctx := context.Background()
	require.NoError(t, d.Exec(ctx,
		"UPDATE rating2 SET rating = rating + 1 WHERE id = 3"))

	opts := joinOpts()
	opts.Materialize = "all_rows"
	opts.MaterializeAllRows = true
	res, err := DiffTables(ctx,
		ratingSegment(t, d, "rating"), ratingSegment(t, d, "rating2"), opts)
	require.NoError(t, err)
	defer res.Close()

	recs := collectDiff(t, res)
	assert.Len(t, recs, 2, "the diff stream still carries only the differing rows")

	row, err := d.QueryRow(ctx, "SELECT COUNT(*) FROM all_rows")
	require.NoError(t, err)
	assert.Equal(t, int64(100), row[0], "every key is materialized")

	row, err = d.QueryRow(ctx, "SELECT COUNT(*) FROM all_rows WHERE diff_sign = '='")
	require.NoError(t, err)
	assert.Equal(t, int64(99), row[0])
}

func TestJoinDiffTableWriteLimit(t *testing.T) {
	d := openSQLite(t)
	createRating(t, d, "rating", 100)
	copyRating(t, d, "rating", "rating2")
	ctx := context.Background()
	require.NoError(t, d.Exec(ctx, "UPDATE rating2 SET rating = rating + 1"))

	opts := joinOpts()
	opts.Materialize = "capped"
	opts.TableWriteLimit = 5
	res, err := DiffTables(ctx,
		ratingSegment(t, d, "rating"), ratingSegment(t, d, "rating2"), opts)
	require.NoError(t, err)
	defer res.Close()
	collectDiff(t, res)

	row, err := d.QueryRow(ctx, "SELECT COUNT(*) FROM capped")
	require.NoError(t, err)
	assert.Equal(t, int64(5), row[0])
}

func TestJoinDiffSampleExclusiveRows(t *testing.T) {
	d := openSQLite(t)
	createRating(t, d, "rating", 100)
	copyRating(t, d, "rating", "rating2")
	ctx := context.Background()
	require.NoError(t, d.Exec(ctx, "DELETE FROM rating2 WHERE id <= 30"))
	require.NoError(t, d.Exec(ctx,
		"INSERT INTO rating2 (id, userid, movieid, rating, timestamp) VALUES (999, 1, 1, 1, 1)"))

	opts := joinOpts()
	opts.SampleExclusiveRows = 5
	res, err := DiffTables(ctx,
		ratingSegment(t, d, "rating"), ratingSegment(t, d, "rating2"), opts)
	require.NoError(t, err)
	defer res.Close()
	collectDiff(t, res)

	st, err := res.Stats()
	require.NoError(t, err)
	assert.Len(t, st.SampledExclusiveA, 5, "left side has 30 exclusive keys, sample caps at 5")
	assert.Len(t, st.SampledExclusiveB, 1, "right side has a single exclusive key")
}

func TestJoinDiffRequiresSameConnection(t *testing.T) {
	d1 := openSQLite(t)
	d2 := openSQLite(t)
	createRating(t, d1, "rating", 10)
	createRating(t, d2, "rating", 10)

	_, err := DiffTables(context.Background(),
		ratingSegment(t, d1, "rating"), ratingSegment(t, d2, "rating"), joinOpts())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "same connection")
}
