package db

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"

	"github.com/erezsh/reladiff/pkg/types"
)

// The checksum contract every dialect must meet, and its host-side mirror.
//
// A row hash is: md5 of the canonical serialisation, first 16 hex digits
// (lowercase) read as a signed 64-bit integer (two's complement, like
// Postgres ::bit(64)::bigint and MySQL CAST(CONV(...) AS SIGNED)), reduced
// into [0, ChecksumPrime). Segment checksums XOR the row hashes together,
// which makes them order-independent and composable across disjoint
// segments.

// ChecksumPrime is 2^61-1, the largest Mersenne prime fitting a signed
// 64-bit integer on every supported backend.
const ChecksumPrime int64 = 2305843009213693951

const (
	// ColumnSeparator delimits canonicalised columns in the serialisation.
	ColumnSeparator = "|"
	// NullMarker stands in for SQL NULL in the serialisation.
	NullMarker = "<null>"
)

// HashRow computes the row hash of a canonical serialisation.
func HashRow(serialized string) int64 {
	sum := md5.Sum([]byte(serialized))
	digest := hex.EncodeToString(sum[:])
	u, err := strconv.ParseUint(digest[:16], 16, 64)
	if err != nil {
		// Unreachable: the input is always 16 hex digits.
		panic(err)
	}
	v := int64(u)
	return ((v % ChecksumPrime) + ChecksumPrime) % ChecksumPrime
}

// SerializeRow joins already-canonical values with the column separator,
// substituting the NULL marker. It mirrors what ConcatExprs renders in SQL.
func SerializeRow(row types.Row) string {
	out := make([]byte, 0, 32*len(row))
	for i, v := range row {
		if i > 0 {
			out = append(out, ColumnSeparator...)
		}
		if v == nil {
			out = append(out, NullMarker...)
		} else {
			out = append(out, v.(string)...)
		}
	}
	return string(out)
}

// ChecksumRows is the host-side equivalent of a segment's SQL checksum.
func ChecksumRows(rows []types.Row) int64 {
	var acc int64
	for _, r := range rows {
		acc ^= HashRow(SerializeRow(r))
	}
	return acc
}
