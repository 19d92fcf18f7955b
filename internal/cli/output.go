package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/erezsh/reladiff/pkg/types"
)

// recordWriter renders diff records in one of the two wire formats.
type recordWriter interface {
	Write(rec types.DiffRecord) error
	Flush() error
}

// textWriter emits one line per diff: the sign, then the column values,
// tab-separated. NULL renders as an empty field.
type textWriter struct {
	w *bufio.Writer
}

func newTextWriter(w io.Writer) *textWriter {
	return &textWriter{w: bufio.NewWriter(w)}
}

func (t *textWriter) Write(rec types.DiffRecord) error {
	fields := make([]string, 0, len(rec.Row)+1)
	fields = append(fields, string(rec.Sign))
	for _, v := range rec.Row {
		if v == nil {
			fields = append(fields, "")
		} else {
			fields = append(fields, fmt.Sprintf("%v", v))
		}
	}
	_, err := t.w.WriteString(strings.Join(fields, "\t") + "\n")
	return err
}

func (t *textWriter) Flush() error { return t.w.Flush() }

// jsonWriter emits newline-delimited JSON, one object per diff record.
type jsonWriter struct {
	w   *bufio.Writer
	enc *json.Encoder
}

func newJSONWriter(w io.Writer) *jsonWriter {
	bw := bufio.NewWriter(w)
	return &jsonWriter{w: bw, enc: json.NewEncoder(bw)}
}

func (j *jsonWriter) Write(rec types.DiffRecord) error {
	return j.enc.Encode(rec)
}

func (j *jsonWriter) Flush() error { return j.w.Flush() }

// newJSONStats appends the aggregate statistics as a final JSON object.
func newJSONStats(w io.Writer, st types.DiffStats) error {
	return json.NewEncoder(w).Encode(map[string]types.DiffStats{"stats": st})
}
