package diff

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erezsh/reladiff/db"
	"github.com/erezsh/reladiff/pkg/types"
)

// openSQLite creates a throwaway SQLite database for end-to-end engine
// tests. SQLite carries the full dialect contract (registered md5/xor
// functions), so these tests exercise the real SQL paths.
func openSQLite(t *testing.T) db.Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "diff_test.db")
	d, err := db.Connect("sqlite://"+path, 2)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

const ratingRows = 10000

// createRating builds the canonical test fixture:
// rating(id, userid, movieid, rating, timestamp) with n rows.
func createRating(t *testing.T, d db.Database, name string, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, d.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE %s (
			id INTEGER PRIMARY KEY,
			userid INTEGER,
			movieid INTEGER,
			rating REAL,
			timestamp INTEGER
		)`, name)))

	const chunk = 500
	for start := 1; start <= n; start += chunk {
		var values []string
		for i := start; i < start+chunk && i <= n; i++ {
			values = append(values, fmt.Sprintf("(%d, %d, %d, %g, %d)",
				i, i%97, i%1000, float64(i%10)/2, 1600000000+i))
		}
		require.NoError(t, d.Exec(ctx, fmt.Sprintf(
			"INSERT INTO %s (id, userid, movieid, rating, timestamp) VALUES %s",
			name, strings.Join(values, ", "))))
	}
}

func copyRating(t *testing.T, d db.Database, from, to string) {
	t.Helper()
	require.NoError(t, d.Exec(context.Background(),
		fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", to, from)))
}

// ratingSegment addresses a rating-shaped table with the full projection.
func ratingSegment(t *testing.T, d db.Database, table string) *TableSegment {
	t.Helper()
	seg, err := NewTableSegment(d, db.TablePath{Table: table}, []string{"id"})
	require.NoError(t, err)
	seg.ExtraColumns = []string{"userid", "movieid", "rating", "timestamp"}
	return seg
}

// hashOpts force HashDiff with a geometry that exercises real bisection on
// the fixture size.
func hashOpts() Options {
	return Options{
		Algorithm:          AlgorithmHashDiff,
		BisectionFactor:    4,
		BisectionThreshold: 100,
	}
}

func collectDiff(t *testing.T, res *DiffResult) []types.DiffRecord {
	t.Helper()
	var out []types.DiffRecord
	for {
		rec, ok := res.Next()
		if !ok {
			break
		}
		out = append(out, rec)
	}
	require.NoError(t, res.Err())
	return out
}

// sortRecords orders records for multiset comparison across algorithms.
func sortRecords(recs []types.DiffRecord) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		as, bs := db.SerializeRow(a.Row), db.SerializeRow(b.Row)
		if as != bs {
			return as < bs
		}
		return a.Sign < b.Sign
	})
}
