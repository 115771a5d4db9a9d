// Package txnlog implements a crash-safe file-transaction log for a
// log-structured storage engine.
//
// A compaction or flush produces a set of new table files and marks a set
// of old table files obsolete. If the process crashes at any point, startup
// recovery leaves the directory in a state equivalent to either the
// completed transaction or its cancellation -- never a half-applied mix.
//
// The log is a plain append-only text file living alongside the tables it
// governs. Each line records one of four things: a new table to keep (ADD),
// an old table to remove (REMOVE), or the transaction's outcome (COMMIT or
// ABORT). Every line carries a running CRC-32 over the record prefixes of
// every line up to and including it, so a line truncated mid-write is
// detectable without a separate length prefix.
//
// This package deliberately knows nothing about compaction strategy, table
// formats, or query paths -- it only tracks which files belong to which
// transaction and cleans them up once that transaction's outcome is
// durable and every in-memory reader has let go.
package txnlog
