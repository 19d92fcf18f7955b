package diff

import (
	"sort"
	"strings"

	"github.com/erezsh/reladiff/db"
	"github.com/erezsh/reladiff/pkg/types"
)

// compareCanonical orders two canonical values of the given type. NULL (nil)
// sorts before everything, matching how the leaf merge treats missing
// values.
func compareCanonical(a, b any, t db.ColType) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	as, bs := a.(string), b.(string)
	if t.Kind == db.KindInt || t.Kind == db.KindDecimal {
		return compareCanonicalNumber(as, bs)
	}
	return strings.Compare(as, bs)
}

// compareCanonicalNumber orders decimal strings without parsing them into a
// bounded integer type, so unbounded-precision keys order correctly.
func compareCanonicalNumber(a, b string) int {
	negA := strings.HasPrefix(a, "-")
	negB := strings.HasPrefix(b, "-")
	if negA != negB {
		if negA {
			return -1
		}
		return 1
	}
	intA, fracA, _ := strings.Cut(strings.TrimPrefix(a, "-"), ".")
	intB, fracB, _ := strings.Cut(strings.TrimPrefix(b, "-"), ".")
	intA = strings.TrimLeft(intA, "0")
	intB = strings.TrimLeft(intB, "0")

	cmp := 0
	switch {
	case len(intA) != len(intB):
		if len(intA) < len(intB) {
			cmp = -1
		} else {
			cmp = 1
		}
	default:
		cmp = strings.Compare(intA, intB)
	}
	if cmp == 0 {
		// Fractional parts compare lexicographically once right-padded.
		for len(fracA) < len(fracB) {
			fracA += "0"
		}
		for len(fracB) < len(fracA) {
			fracB += "0"
		}
		cmp = strings.Compare(fracA, fracB)
	}
	if negA {
		return -cmp
	}
	return cmp
}

// compareKeys orders two key tuples column by column.
func compareKeys(a, b types.Row, keyTypes []db.ColType) int {
	for i := range keyTypes {
		if c := compareCanonical(a[i], b[i], keyTypes[i]); c != 0 {
			return c
		}
	}
	return 0
}

// diffRowSets computes the multiset difference between two downloaded
// segments and returns it as diff records: rows only in a as "-", rows only
// in b as "+". Identical (key, values) tuples pair off even when duplicated.
// Unless skipSort is set, the result is ordered by key with "-" before "+"
// for a modified row.
func diffRowSets(a, b []types.Row, keyTypes []db.ColType, skipSort bool) []types.DiffRecord {
	type entry struct {
		row   types.Row
		count int
	}
	seen := make(map[string]*entry, len(a)+len(b))
	for _, row := range a {
		k := db.SerializeRow(row)
		e := seen[k]
		if e == nil {
			e = &entry{row: row}
			seen[k] = e
		}
		e.count--
	}
	for _, row := range b {
		k := db.SerializeRow(row)
		e := seen[k]
		if e == nil {
			e = &entry{row: row}
			seen[k] = e
		}
		e.count++
	}

	var out []types.DiffRecord
	for _, e := range seen {
		sign, n := types.SignMinus, -e.count
		if e.count > 0 {
			sign, n = types.SignPlus, e.count
		}
		for i := 0; i < n; i++ {
			out = append(out, types.DiffRecord{Sign: sign, Row: e.row})
		}
	}
	if !skipSort {
		sort.SliceStable(out, func(i, j int) bool {
			c := compareKeys(out[i].Row, out[j].Row, keyTypes)
			if c != 0 {
				return c < 0
			}
			return out[i].Sign == types.SignMinus && out[j].Sign == types.SignPlus
		})
	}
	return out
}
