package db

import (
	"testing"

	"github.com/erezsh/reladiff/pkg/types"
)

func TestHashRowRange(t *testing.T) {
	inputs := []string{"", "1|alice|2021-01-01 00:00:00", "<null>", "a|b|c", "99999999"}
	for _, in := range inputs {
		h := HashRow(in)
		if h < 0 || h >= ChecksumPrime {
			t.Fatalf("HashRow(%q) = %d, outside [0, prime)", in, h)
		}
	}
}

func TestHashRowDeterministic(t *testing.T) {
	if HashRow("5|hello") != HashRow("5|hello") {
		t.Fatal("hash is not deterministic")
	}
	if HashRow("5|hello") == HashRow("5|hellO") {
		t.Fatal("distinct inputs should hash differently")
	}
}

func TestSerializeRow(t *testing.T) {
	row := types.Row{"1", nil, "x"}
	if got := SerializeRow(row); got != "1|<null>|x" {
		t.Fatalf("SerializeRow = %q", got)
	}
}

func TestChecksumXORComposition(t *testing.T) {
	rows := []types.Row{
		{"1", "a"}, {"2", "b"}, {"3", "c"}, {"4", "d"},
	}
	whole := ChecksumRows(rows)
	left := ChecksumRows(rows[:2])
	right := ChecksumRows(rows[2:])
	if whole != left^right {
		t.Fatalf("checksum not composable: %d != %d ^ %d", whole, left, right)
	}
}

func TestChecksumOrderIndependent(t *testing.T) {
	a := []types.Row{{"1", "a"}, {"2", "b"}}
	b := []types.Row{{"2", "b"}, {"1", "a"}}
	if ChecksumRows(a) != ChecksumRows(b) {
		t.Fatal("checksum should not depend on row order")
	}
}
