package db

import (
	"strconv"
	"strings"
)

// Kind classifies a declared column type into the families the diff engine
// knows how to canonicalise. Coercion is only attempted within a family;
// cross-family column pairs are rejected during schema validation.
type Kind int

const (
	KindUnknown Kind = iota
	KindInt
	KindFloat
	KindDecimal
	KindText
	KindUUID
	KindBool
	KindTimestamp
	KindDate
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindDecimal:
		return "decimal"
	case KindText:
		return "text"
	case KindUUID:
		return "uuid"
	case KindBool:
		return "bool"
	case KindTimestamp:
		return "timestamp"
	case KindDate:
		return "date"
	}
	return "unknown"
}

// ColType describes one column as declared by the database.
//
// Precision is the sub-second digit count for timestamps. Scale is the
// fractional digit count for decimals and floats; both are rounded down to
// the minimum of the two sides before checksumming, so the coarser schema
// wins.
type ColType struct {
	Declared  string
	Kind      Kind
	Precision int
	Scale     int
}

// Numeric reports whether the type participates in numeric canonicalisation.
func (t ColType) Numeric() bool {
	return t.Kind == KindInt || t.Kind == KindFloat || t.Kind == KindDecimal
}

// Textual reports whether the type canonicalises as a string.
func (t ColType) Textual() bool {
	return t.Kind == KindText || t.Kind == KindUUID
}

// Keyable reports whether a column of this type may serve as a key column.
func (t ColType) Keyable() bool {
	switch t.Kind {
	case KindInt, KindText, KindUUID, KindDecimal:
		return true
	}
	return false
}

// SameFamily reports whether two column types can be coerced to a common
// canonical form. Anything outside these families is a schema error, not a
// guess.
func SameFamily(a, b ColType) bool {
	switch {
	case a.Numeric() && b.Numeric():
		return true
	case a.Textual() && b.Textual():
		return true
	case a.Kind == KindBool && b.Kind == KindBool:
		return true
	case a.Kind == KindTimestamp && b.Kind == KindTimestamp:
		return true
	case a.Kind == KindDate && b.Kind == KindDate:
		return true
	}
	return false
}

// ParseDeclared maps a declared SQL type name, e.g. "NUMERIC(10,2)" or
// "timestamp without time zone", onto a ColType. Precision and scale are
// parsed out of the parenthesised suffix; drivers that get them from the
// catalog overwrite the parsed values afterwards.
func ParseDeclared(declared string) ColType {
	t := ColType{Declared: declared}
	name := strings.ToLower(strings.TrimSpace(declared))

	var args []int
	if i := strings.IndexByte(name, '('); i >= 0 {
		if j := strings.IndexByte(name[i:], ')'); j > 0 {
			for _, part := range strings.Split(name[i+1:i+j], ",") {
				if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
					args = append(args, n)
				}
			}
		}
		name = strings.TrimSpace(name[:i])
	}

	switch {
	case name == "tinyint" && len(args) == 1 && args[0] == 1,
		name == "bool", name == "boolean":
		t.Kind = KindBool
	case strings.Contains(name, "int"), name == "serial", name == "bigserial":
		t.Kind = KindInt
	case name == "real", name == "float", name == "double", name == "float4",
		name == "float8", strings.Contains(name, "double precision"):
		t.Kind = KindFloat
		t.Scale = DefaultFloatScale
	case name == "numeric", name == "decimal", name == "number":
		t.Kind = KindDecimal
		if len(args) >= 2 {
			t.Precision, t.Scale = args[0], args[1]
		} else if len(args) == 1 {
			t.Precision = args[0]
		}
	case name == "uuid":
		t.Kind = KindUUID
	case strings.Contains(name, "timestamp"), name == "datetime":
		t.Kind = KindTimestamp
		t.Precision = DefaultTimestampPrecision
		if len(args) >= 1 {
			t.Precision = args[0]
		}
	case name == "date":
		t.Kind = KindDate
	case strings.Contains(name, "char"), strings.Contains(name, "text"),
		name == "clob", name == "string":
		t.Kind = KindText
	default:
		t.Kind = KindUnknown
	}
	return t
}

const (
	// DefaultFloatScale bounds float canonicalisation when the schema
	// declares no scale; both sides round to it.
	DefaultFloatScale = 6

	// DefaultTimestampPrecision is assumed for timestamp columns whose
	// declared precision is unknown.
	DefaultTimestampPrecision = 6
)
