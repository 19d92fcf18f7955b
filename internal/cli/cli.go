// ///////////////////////////////////////////////////////////////////////////
//
// # reladiff - efficient diffing of SQL tables, within and across databases
//
// This software is released under the MIT License:
// https://opensource.org/license/MIT
//
// ///////////////////////////////////////////////////////////////////////////

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"sort"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v2"

	"github.com/erezsh/reladiff/db"
	"github.com/erezsh/reladiff/internal/diff"
	"github.com/erezsh/reladiff/pkg/config"
	"github.com/erezsh/reladiff/pkg/logger"
)

// SetupCLI builds the reladiff command. Two invocation forms:
//
//	reladiff DB1 TABLE1 DB2 TABLE2 [options]   cross-database
//	reladiff DB TABLE1 TABLE2 [options]        same database (joindiff-eligible)
//
// DB arguments are URIs, or names of [database.<name>] config sections.
func SetupCLI() *cli.App {
	selectionFlags := []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "key-columns",
			Aliases: []string{"k"},
			Usage:   "Name of the primary key column(s). Can be used more than once",
		},
		&cli.StringFlag{
			Name:    "update-column",
			Aliases: []string{"t"},
			Usage:   "Name of the updated-at column, for use with --min-age/--max-age",
		},
		&cli.StringSliceFlag{
			Name:    "columns",
			Aliases: []string{"c"},
			Usage:   "Extra columns to compare. Accepts SQL LIKE patterns ('%' and '_')",
		},
		&cli.StringFlag{
			Name:    "where",
			Aliases: []string{"w"},
			Usage:   "An additional WHERE expression, applied verbatim to both sides",
		},
		&cli.StringSliceFlag{
			Name:  "transform",
			Usage: "Apply a SQL expression to a column before comparing, as COLUMN:EXPR. Can be used more than once",
		},
		&cli.StringFlag{
			Name:  "min-age",
			Usage: "Consider only rows older than this, e.g. 5min, 2d. Requires --update-column",
		},
		&cli.StringFlag{
			Name:  "max-age",
			Usage: "Consider only rows younger than this. Requires --update-column",
		},
	}

	tuningFlags := []cli.Flag{
		&cli.Int64Flag{
			Name:    "limit",
			Aliases: []string{"l"},
			Usage:   "Stop after this many differing rows",
		},
		&cli.IntFlag{
			Name:    "threads",
			Aliases: []string{"j"},
			Usage:   "Number of worker threads per database",
			Value:   1,
		},
		&cli.StringFlag{
			Name:    "algorithm",
			Aliases: []string{"a"},
			Usage:   "Diff algorithm: auto, joindiff or hashdiff",
			Value:   string(diff.AlgorithmAuto),
		},
		&cli.Int64Flag{
			Name:  "bisection-threshold",
			Usage: "Segments below this row count are downloaded and compared locally",
			Value: diff.DefaultBisectionThreshold,
		},
		&cli.IntFlag{
			Name:  "bisection-factor",
			Usage: "Into how many segments to split per iteration",
			Value: diff.DefaultBisectionFactor,
		},
		&cli.BoolFlag{
			Name:  "assume-unique-key",
			Usage: "Skip the key uniqueness check",
		},
		&cli.BoolFlag{
			Name:  "skip-sort-results",
			Usage: "Do not sort downloaded segments by key before output",
		},
		&cli.BoolFlag{
			Name:  "allow-empty-tables",
			Usage: "Proceed when one of the tables is empty",
		},
	}

	joindiffFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    "materialize",
			Aliases: []string{"m"},
			Usage:   "Materialize the diff into a table of this name. '%t' expands to the UTC timestamp",
		},
		&cli.BoolFlag{
			Name:  "materialize-all-rows",
			Usage: "Materialize every row, not only the differing ones, annotated with a diff indicator",
		},
		&cli.BoolFlag{
			Name:  "sample-exclusive-rows",
			Usage: "Sample keys from rows that exist on only one side (with --stats)",
		},
		&cli.Int64Flag{
			Name:  "sample-size",
			Usage: "How many exclusive keys to sample per side",
			Value: 10,
		},
		&cli.Int64Flag{
			Name:  "table-write-limit",
			Usage: "Maximum number of rows to write when materialising",
			Value: 1000,
		},
	}

	outputFlags := []cli.Flag{
		&cli.BoolFlag{
			Name:    "stats",
			Aliases: []string{"s"},
			Usage:   "Print summary statistics after the diff",
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Emit newline-delimited JSON instead of text",
		},
		&cli.BoolFlag{
			Name:    "debug",
			Aliases: []string{"d"},
			Usage:   "Enable debug logging",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
		},
		&cli.BoolFlag{
			Name:    "interactive",
			Aliases: []string{"i"},
			Usage:   "Show progress while diffing",
		},
		&cli.StringFlag{
			Name:  "conf",
			Usage: "Path to a TOML config file",
		},
		&cli.StringFlag{
			Name:  "run",
			Usage: "Name of a [run.<name>] section in the config file",
		},
	}

	flags := append(selectionFlags, tuningFlags...)
	flags = append(flags, joindiffFlags...)
	flags = append(flags, outputFlags...)

	return &cli.App{
		Name:      "reladiff",
		Usage:     "efficiently diff rows across two SQL tables",
		ArgsUsage: "DB1 TABLE1 DB2 TABLE2 | DB TABLE1 TABLE2",
		Flags:     flags,
		Action:    runDiff,
	}
}

// invocation is the fully resolved set of inputs for one diff run.
type invocation struct {
	uri1, table1 string
	uri2, table2 string
}

func runDiff(c *cli.Context) error {
	switch {
	case c.Bool("debug"):
		logger.SetLevel(log.DebugLevel)
	case c.Bool("verbose"):
		logger.SetLevel(log.InfoLevel)
	default:
		logger.SetLevel(log.WarnLevel)
	}

	if err := loadConfig(c); err != nil {
		return err
	}
	var run *config.Run
	if name := c.String("run"); name != "" {
		var err error
		run, err = config.Cfg.ResolveRun(name)
		if err != nil {
			return err
		}
	}

	inv, err := resolveArgs(c, run)
	if err != nil {
		return err
	}
	opts, cols, err := resolveOptions(c, run)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	threads := c.Int("threads")
	if !c.IsSet("threads") && run != nil {
		if v, ok := run.Int("threads"); ok {
			threads = int(v)
		}
	}
	db1, err := db.Connect(inv.uri1, threads)
	if err != nil {
		return err
	}
	defer db1.Close()
	db2 := db1
	if inv.uri2 != inv.uri1 {
		db2, err = db.Connect(inv.uri2, threads)
		if err != nil {
			return err
		}
		defer db2.Close()
	}

	seg1, err := makeSegment(ctx, db1, inv.table1, cols)
	if err != nil {
		return err
	}
	seg2, err := makeSegment(ctx, db2, inv.table2, cols)
	if err != nil {
		return err
	}

	var bar *segmentBar
	if c.Bool("interactive") {
		bar = newSegmentBar()
		opts.Progress = bar
	}

	res, err := diffTables(ctx, seg1, seg2, opts)
	if err != nil {
		return err
	}
	defer res.Close()

	var w recordWriter = newTextWriter(os.Stdout)
	if c.Bool("json") {
		w = newJSONWriter(os.Stdout)
	}
	for {
		rec, ok := res.Next()
		if !ok {
			break
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if bar != nil {
		bar.Finish()
	}
	if err := res.Err(); err != nil {
		return err
	}

	if c.Bool("stats") {
		if c.Bool("json") {
			st, err := res.Stats()
			if err != nil {
				return err
			}
			return newJSONStats(os.Stdout, st)
		}
		summary, err := res.StatsString()
		if err != nil {
			return err
		}
		fmt.Fprint(os.Stderr, summary)
	}
	return nil
}

// diffTables indirection keeps the action testable.
var diffTables = diff.DiffTables

func loadConfig(c *cli.Context) error {
	path := c.String("conf")
	if path == "" {
		path = os.Getenv("RELADIFF_CONFIG")
	}
	if path == "" {
		if c.String("run") != "" {
			return fmt.Errorf("--run requires a config file (--conf or RELADIFF_CONFIG)")
		}
		return nil
	}
	return config.Init(path)
}

// resolveArgs maps the positional arguments (and the saved run, if any)
// onto two (uri, table) pairs.
func resolveArgs(c *cli.Context, run *config.Run) (inv invocation, err error) {
	args := c.Args().Slice()
	var d1, t1, d2, t2 string
	switch len(args) {
	case 0:
		if run == nil {
			return inv, fmt.Errorf("expected arguments: DB1 TABLE1 DB2 TABLE2, or DB TABLE1 TABLE2")
		}
		d1, t1 = run.Side1.Database, run.Side1.Table
		d2, t2 = run.Side2.Database, run.Side2.Table
	case 3:
		d1, t1, d2, t2 = args[0], args[1], args[0], args[2]
	case 4:
		d1, t1, d2, t2 = args[0], args[1], args[2], args[3]
	default:
		return inv, fmt.Errorf("wrong number of arguments (got %d, expected 3 or 4)", len(args))
	}
	if d1 == "" || t1 == "" || d2 == "" || t2 == "" {
		return inv, fmt.Errorf("incomplete run configuration: both sides need a database and a table")
	}
	if inv.uri1, err = config.Cfg.ResolveURI(d1); err != nil {
		return inv, err
	}
	if inv.uri2, err = config.Cfg.ResolveURI(d2); err != nil {
		return inv, err
	}
	inv.table1, inv.table2 = t1, t2
	return inv, nil
}

// columnSelection is one side's projection configuration, shared by both
// segments of a run.
type columnSelection struct {
	keyColumns     []string
	updateColumn   string
	columnPatterns []string
	transforms     map[string]string
}

// resolveOptions folds saved-run values under CLI flags (flags win).
func resolveOptions(c *cli.Context, run *config.Run) (opts diff.Options, cols columnSelection, err error) {
	str := func(name string) string {
		if !c.IsSet(name) && run != nil {
			if v, ok := run.String(strings.ReplaceAll(name, "-", "_")); ok {
				return v
			}
		}
		return c.String(name)
	}
	num := func(name string) int64 {
		if !c.IsSet(name) && run != nil {
			if v, ok := run.Int(strings.ReplaceAll(name, "-", "_")); ok {
				return v
			}
		}
		return c.Int64(name)
	}
	boolean := func(name string) bool {
		if !c.IsSet(name) && run != nil {
			if v, ok := run.Bool(strings.ReplaceAll(name, "-", "_")); ok {
				return v
			}
		}
		return c.Bool(name)
	}
	list := func(name string) []string {
		if !c.IsSet(name) && run != nil {
			if v, ok := run.StringList(strings.ReplaceAll(name, "-", "_")); ok {
				return v
			}
		}
		return c.StringSlice(name)
	}

	cols.keyColumns = list("key-columns")
	if len(cols.keyColumns) == 0 {
		cols.keyColumns = []string{"id"}
	}
	cols.updateColumn = str("update-column")
	cols.columnPatterns = list("columns")
	if cols.transforms, err = resolveTransforms(c, run); err != nil {
		return opts, cols, err
	}

	opts = diff.Options{
		Algorithm:          diff.Algorithm(str("algorithm")),
		BisectionFactor:    int(num("bisection-factor")),
		BisectionThreshold: num("bisection-threshold"),
		Limit:              num("limit"),
		Where:              str("where"),
		AssumeUniqueKey:    boolean("assume-unique-key"),
		SkipSortResults:    boolean("skip-sort-results"),
		AllowEmptyTables:   boolean("allow-empty-tables"),
		Materialize:        str("materialize"),
		MaterializeAllRows: boolean("materialize-all-rows"),
		TableWriteLimit:    num("table-write-limit"),
	}
	if boolean("sample-exclusive-rows") {
		opts.SampleExclusiveRows = int(num("sample-size"))
	}
	if opts.MaterializeAllRows && opts.Materialize == "" {
		return opts, cols, fmt.Errorf("--materialize-all-rows requires --materialize")
	}
	if v := str("min-age"); v != "" {
		if opts.MinAge, err = parseAge(v); err != nil {
			return opts, cols, err
		}
	}
	if v := str("max-age"); v != "" {
		if opts.MaxAge, err = parseAge(v); err != nil {
			return opts, cols, err
		}
	}
	return opts, cols, nil
}

// resolveTransforms merges the run section's transform_columns table with
// repeated --transform COLUMN:EXPR flags (flags win per column).
func resolveTransforms(c *cli.Context, run *config.Run) (map[string]string, error) {
	transforms := map[string]string{}
	if run != nil {
		if m, ok := run.StringMap("transform_columns"); ok {
			for col, expr := range m {
				transforms[col] = expr
			}
		}
	}
	for _, arg := range c.StringSlice("transform") {
		col, expr, ok := strings.Cut(arg, ":")
		if !ok || col == "" || expr == "" {
			return nil, fmt.Errorf("invalid --transform %q: expected COLUMN:EXPR", arg)
		}
		transforms[col] = expr
	}
	if len(transforms) == 0 {
		return nil, nil
	}
	return transforms, nil
}

// makeSegment builds one side's TableSegment, expanding LIKE patterns in
// the extra-column list against the table's schema.
func makeSegment(ctx context.Context, database db.Database, table string, cols columnSelection) (*diff.TableSegment, error) {
	path, err := db.ParseTablePath(table)
	if err != nil {
		return nil, err
	}
	seg, err := diff.NewTableSegment(database, path, cols.keyColumns)
	if err != nil {
		return nil, err
	}
	seg.UpdateColumn = cols.updateColumn
	seg.TransformColumns = cols.transforms
	if len(cols.columnPatterns) > 0 {
		schema, err := database.SelectTableSchema(ctx, path)
		if err != nil {
			return nil, err
		}
		seg.ExtraColumns, err = expandColumnPatterns(cols.columnPatterns, schema, cols.keyColumns, cols.updateColumn)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", path, err)
		}
	}
	return seg, nil
}

// expandColumnPatterns resolves SQL LIKE patterns against the table's
// column names, excluding key and update columns (which are always
// compared). Plain names pass through; each pattern must match something.
func expandColumnPatterns(patterns []string, schema map[string]db.ColType,
	keyColumns []string, updateColumn string) ([]string, error) {
	skip := map[string]bool{updateColumn: true}
	for _, k := range keyColumns {
		skip[k] = true
	}

	var out []string
	seen := map[string]bool{}
	for _, pat := range patterns {
		if !strings.ContainsAny(pat, "%_") {
			if !seen[pat] && !skip[pat] {
				out = append(out, pat)
				seen[pat] = true
			}
			continue
		}
		re, err := likeToRegexp(pat)
		if err != nil {
			return nil, err
		}
		matched := false
		for col := range schema {
			if re.MatchString(col) {
				matched = true
				if !seen[col] && !skip[col] {
					out = append(out, col)
					seen[col] = true
				}
			}
		}
		if !matched {
			return nil, fmt.Errorf("column pattern %q matched no columns", pat)
		}
	}
	// Schema map iteration is unordered; keep output deterministic.
	sort.Strings(out)
	return out, nil
}

func likeToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
