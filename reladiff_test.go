package reladiff

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erezsh/reladiff/pkg/types"
)

func TestPublicAPIRoundTrip(t *testing.T) {
	ctx := context.Background()
	uri := "sqlite://" + filepath.Join(t.TempDir(), "api.db")

	d, err := Connect(uri, 1)
	require.NoError(t, err)
	require.NoError(t, d.Exec(ctx, "CREATE TABLE t1 (id INTEGER PRIMARY KEY, v TEXT)"))
	require.NoError(t, d.Exec(ctx, "INSERT INTO t1 VALUES (1, 'a'), (2, 'b'), (3, 'c')"))
	require.NoError(t, d.Exec(ctx, "CREATE TABLE t2 AS SELECT * FROM t1"))
	require.NoError(t, d.Exec(ctx, "UPDATE t2 SET v = 'B' WHERE id = 2"))
	require.NoError(t, d.Close())

	left, err := ConnectToTable(uri, "t1", "id")
	require.NoError(t, err)
	defer left.DB.Close()
	left.ExtraColumns = []string{"v"}

	right, err := ConnectToTable(uri, "t2", "id")
	require.NoError(t, err)
	defer right.DB.Close()
	right.ExtraColumns = []string{"v"}

	// Distinct connections to the same URI: hashdiff is the honest choice.
	res, err := DiffTables(ctx, left, right, Options{Algorithm: AlgorithmHashDiff})
	require.NoError(t, err)
	defer res.Close()

	var recs []types.DiffRecord
	for {
		rec, ok := res.Next()
		if !ok {
			break
		}
		recs = append(recs, rec)
	}
	require.NoError(t, res.Err())
	require.Len(t, recs, 2)
	assert.Equal(t, types.SignMinus, recs[0].Sign)
	assert.Equal(t, types.Row{"2", "b"}, recs[0].Row)
	assert.Equal(t, types.SignPlus, recs[1].Sign)
	assert.Equal(t, types.Row{"2", "B"}, recs[1].Row)
}

func TestConnectToTableDefaultsKeyToID(t *testing.T) {
	uri := "sqlite://" + filepath.Join(t.TempDir(), "api.db")
	seg, err := ConnectToTable(uri, "whatever")
	require.NoError(t, err)
	defer seg.DB.Close()
	assert.Equal(t, []string{"id"}, seg.KeyColumns)
}
