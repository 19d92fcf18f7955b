package db

// Capabilities enumerates the optional behaviours a dialect may offer. The
// differ consults these instead of switching on driver names.
type Capabilities struct {
	// FullOuterJoin gates joindiff eligibility.
	FullOuterJoin bool
	// ApproxMedian allows median checkpoints via an aggregate instead of
	// ORDER BY/OFFSET probing.
	ApproxMedian bool
	// TableSample indicates TABLESAMPLE support.
	TableSample bool
	// MaterializeCTAS indicates CREATE TABLE ... AS SELECT support.
	MaterializeCTAS bool
}

// Dialect renders database-specific SQL fragments. All expression inputs
// and outputs are SQL text; identifier quoting is the caller's job via
// QuoteIdent.
//
// The checksum contract: for the same canonical serialisation, every
// dialect's ChecksumExpr aggregates bit-identical integers (see
// checksum.go).
type Dialect interface {
	Name() string

	// QuoteIdent quotes a single identifier.
	QuoteIdent(name string) string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder(n int) string
	// Limit and OffsetLimit render trailing row-restriction clauses,
	// including the leading space.
	Limit(n int64) string
	OffsetLimit(offset, n int64) string

	// ConcatExprs joins canonical column expressions into the row
	// serialisation: NULL-safe, ColumnSeparator-delimited.
	ConcatExprs(exprs []string) string
	// ChecksumExpr renders the XOR-aggregated row-hash over rowExpr.
	ChecksumExpr(rowExpr string) string
	// CanonicalExpr coerces a quoted column expression to its canonical
	// string form for the given type.
	CanonicalExpr(expr string, t ColType, caseSensitive bool) string
	// CountDistinctExpr renders COUNT(DISTINCT ...) over the quoted key
	// columns, used by the uniqueness check.
	CountDistinctExpr(quotedCols []string) string
	// IsDistinctExpr renders a NULL-safe inequality between two
	// expressions.
	IsDistinctExpr(a, b string) string
	// RandomOrder renders an ORDER BY clause that shuffles rows, used for
	// exclusive-row sampling.
	RandomOrder() string

	Capabilities() Capabilities
}
