package cli

import (
	"bytes"
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/erezsh/reladiff/db"
	"github.com/erezsh/reladiff/pkg/config"
	"github.com/erezsh/reladiff/pkg/types"
)

func TestParseAge(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"90s", 90 * time.Second},
		{"5min", 5 * time.Minute},
		{"3minutes", 3 * time.Minute},
		{"2h", 2 * time.Hour},
		{"1d", 24 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
		{"6mon", 180 * 24 * time.Hour},
		{"1y", 365 * 24 * time.Hour},
		{"", 0},
	}
	for _, c := range cases {
		got, err := parseAge(c.in)
		require.NoError(t, err, "parseAge(%q)", c.in)
		assert.Equal(t, c.want, got, "parseAge(%q)", c.in)
	}

	for _, bad := range []string{"5", "min", "5 min", "-5min", "5fortnights"} {
		_, err := parseAge(bad)
		require.Error(t, err, "parseAge(%q) should fail", bad)
	}
}

func TestLikeToRegexp(t *testing.T) {
	re, err := likeToRegexp("user%")
	require.NoError(t, err)
	assert.True(t, re.MatchString("userid"))
	assert.True(t, re.MatchString("USER_NAME"))
	assert.False(t, re.MatchString("id_user"))

	re, err = likeToRegexp("rat_ng")
	require.NoError(t, err)
	assert.True(t, re.MatchString("rating"))
	assert.False(t, re.MatchString("ratings"))

	// Regexp metacharacters in the pattern are literal.
	re, err = likeToRegexp("a.b")
	require.NoError(t, err)
	assert.True(t, re.MatchString("a.b"))
	assert.False(t, re.MatchString("axb"))
}

func TestExpandColumnPatterns(t *testing.T) {
	schema := map[string]db.ColType{
		"id":        {Kind: db.KindInt},
		"userid":    {Kind: db.KindInt},
		"movieid":   {Kind: db.KindInt},
		"rating":    {Kind: db.KindFloat},
		"timestamp": {Kind: db.KindInt},
	}

	cols, err := expandColumnPatterns([]string{"%id"}, schema, []string{"id"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"movieid", "userid"}, cols,
		"patterns expand, excluding key columns, sorted")

	cols, err = expandColumnPatterns([]string{"rating", "rating"}, schema, []string{"id"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"rating"}, cols, "plain names pass through, deduplicated")

	cols, err = expandColumnPatterns([]string{"%"}, schema, []string{"id"}, "timestamp")
	require.NoError(t, err)
	assert.NotContains(t, cols, "id", "key columns are always excluded")
	assert.NotContains(t, cols, "timestamp", "the update column is always excluded")

	_, err = expandColumnPatterns([]string{"zz%"}, schema, []string{"id"}, "")
	require.Error(t, err, "a pattern matching nothing is an error")
}

func TestTextWriter(t *testing.T) {
	var buf bytes.Buffer
	w := newTextWriter(&buf)
	require.NoError(t, w.Write(types.DiffRecord{
		Sign: types.SignMinus,
		Row:  types.Row{"5000", "12", nil, "2.5"},
	}))
	require.NoError(t, w.Write(types.DiffRecord{
		Sign: types.SignPlus,
		Row:  types.Row{"5000", "12", "7", "3"},
	}))
	require.NoError(t, w.Flush())
	assert.Equal(t, "-\t5000\t12\t\t2.5\n+\t5000\t12\t7\t3\n", buf.String())
}

func TestJSONWriter(t *testing.T) {
	var buf bytes.Buffer
	w := newJSONWriter(&buf)
	require.NoError(t, w.Write(types.DiffRecord{
		Sign: types.SignPlus,
		Row:  types.Row{"1", nil},
	}))
	require.NoError(t, w.Flush())
	assert.JSONEq(t, `{"sign":"+","row":["1",null]}`, buf.String())
}

func TestSetupCLIFlags(t *testing.T) {
	app := SetupCLI()
	names := map[string]bool{}
	for _, f := range app.Flags {
		for _, n := range f.Names() {
			names[n] = true
		}
	}
	for _, want := range []string{
		"key-columns", "k", "update-column", "t", "columns", "c",
		"limit", "l", "where", "w", "transform", "threads", "j", "algorithm", "a",
		"bisection-threshold", "bisection-factor", "min-age", "max-age",
		"stats", "s", "json", "materialize", "m", "materialize-all-rows",
		"assume-unique-key", "sample-exclusive-rows", "table-write-limit",
		"conf", "run", "debug", "d", "verbose", "v", "interactive", "i",
	} {
		assert.True(t, names[want], "flag %q should exist", want)
	}
}

func TestResolveTransforms(t *testing.T) {
	app := SetupCLI()
	mkCtx := func(args ...string) *cli.Context {
		set := flag.NewFlagSet("test", flag.ContinueOnError)
		for _, f := range app.Flags {
			require.NoError(t, f.Apply(set))
		}
		require.NoError(t, set.Parse(args))
		return cli.NewContext(app, set, nil)
	}

	run := &config.Run{Options: map[string]any{
		"transform_columns": map[string]any{
			"created_at": "created_at AT TIME ZONE 'UTC'",
			"v":          "trim(v)",
		},
	}}

	transforms, err := resolveTransforms(mkCtx(), run)
	require.NoError(t, err)
	assert.Equal(t, "trim(v)", transforms["v"])
	assert.Equal(t, "created_at AT TIME ZONE 'UTC'", transforms["created_at"])

	// A --transform flag overrides the run section's entry per column.
	transforms, err = resolveTransforms(mkCtx("--transform", "v:lower(v)"), run)
	require.NoError(t, err)
	assert.Equal(t, "lower(v)", transforms["v"])
	assert.Equal(t, "created_at AT TIME ZONE 'UTC'", transforms["created_at"])

	transforms, err = resolveTransforms(mkCtx(), nil)
	require.NoError(t, err)
	assert.Nil(t, transforms)

	_, err = resolveTransforms(mkCtx("--transform", "missing-expr"), nil)
	require.Error(t, err)
}

func TestResolveArgsForms(t *testing.T) {
	app := SetupCLI()
	mkCtx := func(args ...string) *cli.Context {
		set := flag.NewFlagSet("test", flag.ContinueOnError)
		require.NoError(t, set.Parse(args))
		return cli.NewContext(app, set, nil)
	}

	// Intra-database form: DB TABLE1 TABLE2.
	inv, err := resolveArgs(mkCtx("sqlite://a.db", "t1", "t2"), nil)
	require.NoError(t, err)
	assert.Equal(t, inv.uri1, inv.uri2)
	assert.Equal(t, "t1", inv.table1)
	assert.Equal(t, "t2", inv.table2)

	// Cross-database form: DB1 TABLE1 DB2 TABLE2.
	inv, err = resolveArgs(mkCtx("sqlite://a.db", "t1", "sqlite://b.db", "t2"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, inv.uri1, inv.uri2)

	_, err = resolveArgs(mkCtx("sqlite://a.db", "t1"), nil)
	require.Error(t, err)

	_, err = resolveArgs(mkCtx(), nil)
	require.Error(t, err)
}
