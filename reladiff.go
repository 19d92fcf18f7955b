// ///////////////////////////////////////////////////////////////////////////
//
// # reladiff - efficient diffing of SQL tables, within and across databases
//
// This software is released under the MIT License:
// https://opensource.org/license/MIT
//
// ///////////////////////////////////////////////////////////////////////////

// Package reladiff finds the differing rows between two SQL tables, within
// or across databases. Cross-database comparisons use checksum bisection
// (HashDiff); same-database comparisons can use a single outer-join query
// (JoinDiff).
//
// Typical use:
//
//	left, _ := reladiff.ConnectToTable("postgresql://user:pass@h1/db", "public.rating", "id")
//	right, _ := reladiff.ConnectToTable("mysql://user:pass@h2/db", "rating", "id")
//	res, err := reladiff.DiffTables(ctx, left, right, reladiff.Options{})
//	for rec, ok := res.Next(); ok; rec, ok = res.Next() {
//		fmt.Println(rec.Sign, rec.Row)
//	}
package reladiff

import (
	"context"

	"github.com/erezsh/reladiff/db"
	"github.com/erezsh/reladiff/internal/diff"
)

// Re-exported engine types, so callers need only this package.
type (
	Options      = diff.Options
	DiffResult   = diff.DiffResult
	TableSegment = diff.TableSegment
	Algorithm    = diff.Algorithm
	Database     = db.Database
)

const (
	AlgorithmAuto     = diff.AlgorithmAuto
	AlgorithmHashDiff = diff.AlgorithmHashDiff
	AlgorithmJoinDiff = diff.AlgorithmJoinDiff

	DefaultBisectionFactor    = diff.DefaultBisectionFactor
	DefaultBisectionThreshold = diff.DefaultBisectionThreshold
)

// Connect opens a database by URI with a worker pool of threads workers.
func Connect(uri string, threads int) (Database, error) {
	return db.Connect(uri, threads)
}

// ConnectToTable opens a database and addresses one table in it. With no
// key columns given, "id" is assumed.
func ConnectToTable(uri, table string, keyColumns ...string) (*TableSegment, error) {
	if len(keyColumns) == 0 {
		keyColumns = []string{"id"}
	}
	database, err := Connect(uri, 1)
	if err != nil {
		return nil, err
	}
	path, err := db.ParseTablePath(table)
	if err != nil {
		database.Close()
		return nil, err
	}
	seg, err := diff.NewTableSegment(database, path, keyColumns)
	if err != nil {
		database.Close()
		return nil, err
	}
	return seg, nil
}

// DiffTables diffs two table segments and streams the result.
func DiffTables(ctx context.Context, left, right *TableSegment, opts Options) (*DiffResult, error) {
	return diff.DiffTables(ctx, left, right, opts)
}
