package types

// Row is one row of a diffed relation, in projection order: key columns
// first, then the update column (if configured), then the extra columns.
// Values are canonicalised strings, or nil for SQL NULL.
type Row []any

// Sign marks which side of the diff a row belongs to. "-" is the left
// (first) table, "+" is the right (second) table. A modified row appears as
// a "-"/"+" pair sharing the same key.
type Sign string

const (
	SignMinus Sign = "-"
	SignPlus  Sign = "+"
)

// DiffRecord is one element of the diff output stream.
type DiffRecord struct {
	Sign Sign `json:"sign"`
	Row  Row  `json:"row"`
}

// DiffStats aggregates a completed (fully consumed) diff.
type DiffStats struct {
	RunID          string  `json:"run_id"`
	Table1Count    int64   `json:"rows_A"`
	Table2Count    int64   `json:"rows_B"`
	ExclusiveA     int64   `json:"exclusive_A"`
	ExclusiveB     int64   `json:"exclusive_B"`
	Updated        int64   `json:"updated"`
	Unchanged      int64   `json:"unchanged"`
	Total          int64   `json:"total"`
	RowsDownloaded int64   `json:"rows_downloaded"`
	QueriesIssued  int64   `json:"queries_issued"`
	DiffPercent    float64 `json:"diff_percent"`

	// Keys sampled from each exclusive side, when sampling was requested.
	SampledExclusiveA []Row `json:"sampled_exclusive_A,omitempty"`
	SampledExclusiveB []Row `json:"sampled_exclusive_B,omitempty"`
}
