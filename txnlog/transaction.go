package txnlog

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Table is the narrow view of an on-disk table the transaction log needs:
// enough to name its files and clean them up. The log never opens, reads,
// or interprets a table's contents.
type Table interface {
	// BaseFilename is the absolute path prefix shared by every component
	// file making up this table.
	BaseFilename() string
	// Dir is the absolute directory BaseFilename lives in.
	Dir() string
	// SizeOnDisk reports the table's current total size across its
	// component files.
	SizeOnDisk() (int64, error)
	// ComponentFiles reports the table's data component path (if it still
	// exists) and the paths of its remaining components, scanned fresh
	// from disk.
	ComponentFiles() (dataPath string, others []string, err error)
	// Close releases any open handles the table holds open, so its files
	// can be deleted. Safe to call more than once.
	Close() error
}

// Tracker is the narrow set of hooks the transaction log needs from the
// engine's in-memory table-reader tracking: a notification the instant a
// table is marked for deletion, and the metric updates the per-obsoletion
// tidier drives as it actually deletes files.
type Tracker interface {
	// NotifyDeleting is invoked once, synchronously, when a table is
	// recorded as REMOVE.
	NotifyDeleting(table Table)
	// ClearReadMeter clears per-table read-statistics metadata. Invoked
	// best-effort by the per-obsoletion tidier before it deletes anything.
	ClearReadMeter(table Table)
	// DecDiskUsage decrements a directory-level disk-usage metric by size
	// bytes. Invoked by the per-obsoletion tidier unless the table being
	// cleaned up was new to this transaction.
	DecDiskUsage(size int64)
}

// Transaction is the in-memory facade the engine drives during a live
// compaction or flush: track new tables, obsolete old ones, then commit or
// abort. Exactly one goroutine should drive a given Transaction at a time;
// distinct Transactions may run fully in parallel.
//
// IMPORTANT: when a Transaction is one of several fallible steps in a
// composite operation, its Commit (or Abort) must run before any other
// step that can fail, since appending the terminator record is the only
// step here that can legitimately fail during prepare-to-commit.
type Transaction struct {
	data    *TransactionData
	tracker Tracker
	self    *handle
}

// NewTransaction begins a new transaction over dir, identified by opType in
// its log file name. tracker may be nil if the caller doesn't need the
// obsoletion notification or metric hooks.
func NewTransaction(opType OpType, dir string, tracker Tracker) (*Transaction, error) {
	data, err := newTransactionData(opType, dir)
	if err != nil {
		return nil, err
	}

	t := &Transaction{data: data, tracker: tracker}
	t.self = newHandle(t.parentTidy)
	return t, nil
}

// ID is the transaction's log file id.
func (t *Transaction) ID() string { return t.data.ID.String() }

// OpType is the transaction's operation kind.
func (t *Transaction) OpType() OpType { return t.data.OpType }

// LogPath is the absolute path of the transaction's log file.
func (t *Transaction) LogPath() string { return t.data.logFile.Path }

func relPathFor(dir string, table Table) (string, error) {
	if table.Dir() != dir {
		rel, err := filepath.Rel(dir, table.BaseFilename())
		if err != nil {
			return "", errors.Wrapf(err, "txnlog: table %s is not under transaction directory %s", table.BaseFilename(), dir)
		}
		return rel, nil
	}
	return filepath.Base(table.BaseFilename()), nil
}

// TrackNew records table as newly created by this transaction, to be kept
// if the transaction commits and deleted if it aborts.
func (t *Transaction) TrackNew(table Table) error {
	relPath, err := relPathFor(t.data.Dir, table)
	if err != nil {
		return err
	}

	ok, err := t.data.logFile.append(NewAddRecord(relPath))
	if err != nil {
		return err
	}
	if !ok {
		return invariant("%s is already tracked as new", relPath)
	}
	return t.data.sync()
}

// UntrackNew undoes TrackNew: used when a pre-commit step decides not to
// install a table this transaction just wrote. The table's files are
// deleted immediately; it must not be called after commit.
func (t *Transaction) UntrackNew(table Table) error {
	if t.data.completed() {
		return invariant("cannot untrack new table %s after the transaction has terminated", table.BaseFilename())
	}
	relPath, err := relPathFor(t.data.Dir, table)
	if err != nil {
		return err
	}
	if err := t.data.logFile.remove(Add, relPath); err != nil {
		return err
	}
	return t.data.sync()
}

// Obsolete records reader as an old table to be removed once the
// transaction commits and reader is fully released, and returns a callback
// bound to that release. If reader was itself tracked as new within this
// same transaction, no REMOVE record is written -- the returned Obsoletion
// is flagged WasNew so its tidier skips the disk-usage decrement.
func (t *Transaction) Obsolete(reader Table) (*Obsoletion, error) {
	relPath, err := relPathFor(t.data.Dir, reader)
	if err != nil {
		return nil, err
	}

	size, err := reader.SizeOnDisk()
	if err != nil {
		return nil, err
	}

	if t.data.logFile.contains(Add, relPath) {
		if t.data.logFile.contains(Remove, relPath) {
			return nil, invariant("%s is already obsoleted", relPath)
		}
		return &Obsoletion{table: reader, wasNew: true, sizeOnDisk: size, tracker: t.tracker, sub: t.self.ref()}, nil
	}

	rec, err := NewRemoveRecord(t.data.Dir, relPath)
	if err != nil {
		return nil, err
	}
	ok, err := t.data.logFile.append(rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, invariant("%s is already obsoleted", relPath)
	}
	if err := t.data.sync(); err != nil {
		return nil, err
	}

	if t.tracker != nil {
		t.tracker.NotifyDeleting(reader)
	}

	return &Obsoletion{table: reader, wasNew: false, sizeOnDisk: size, tracker: t.tracker, sub: t.self.ref()}, nil
}

// Commit durably marks the transaction as succeeded: new tables are kept,
// old tables are scheduled for deletion. It does not itself delete
// anything -- that happens in the tidier once every obsoleted reader has
// been released.
func (t *Transaction) Commit() error {
	if err := t.data.logFile.commit(); err != nil {
		return err
	}
	if err := t.data.sync(); err != nil {
		return err
	}
	return t.complete()
}

// Abort durably marks the transaction as failed: new tables are scheduled
// for deletion, old tables are kept.
func (t *Transaction) Abort() error {
	if err := t.data.logFile.abort(); err != nil {
		return err
	}
	if err := t.data.sync(); err != nil {
		return err
	}
	return t.complete()
}

func (t *Transaction) complete() error {
	return t.self.release()
}

// parentTidy runs once every reference to this transaction -- the
// transaction's own, plus every Obsoletion's sub-reference -- has been
// released. It asserts the transaction reached a terminal state, removes
// whatever the outcome left behind, and closes the directory descriptor.
func (t *Transaction) parentTidy() error {
	if !t.data.completed() {
		return invariant("transaction %s tidied before it committed or aborted", t.ID())
	}

	if err := t.data.removeLeftovers(); err != nil {
		failedDeletions.push(t.parentTidy)
		return err
	}

	return t.data.close()
}

// Obsoletion is returned by Transaction.Obsolete, bound to the reader that
// was obsoleted. The engine runs Tidy once that reader is fully
// unreferenced by every other part of the system.
type Obsoletion struct {
	table      Table
	wasNew     bool
	sizeOnDisk int64
	tracker    Tracker
	sub        *handle
	done       bool
}

// WasNew reports whether the obsoleted table had been created within the
// same transaction that is now discarding it.
func (o *Obsoletion) WasNew() bool { return o.wasNew }

// Tidy physically deletes the obsoleted table's files and releases this
// obsoletion's reference to the parent transaction. It is safe to call at
// most once successfully; a failed Tidy leaves the parent reference held
// and queues itself for retry via RescheduleFailedDeletions.
func (o *Obsoletion) Tidy() error {
	if o.done {
		return nil
	}

	if o.tracker != nil {
		o.tracker.ClearReadMeter(o.table)
	}

	if err := o.table.Close(); err != nil && !os.IsNotExist(err) {
		return o.fail(err)
	}

	dataPath, others, err := o.table.ComponentFiles()
	if err != nil {
		return o.fail(err)
	}

	// The data component is deleted first, so that a crash mid-deletion
	// still leaves a table that startup recovery recognizes as GC-able.
	if dataPath != "" {
		if err := deleteFile(dataPath); err != nil {
			return o.fail(err)
		}
	}
	for _, p := range others {
		if err := deleteFile(p); err != nil {
			return o.fail(err)
		}
	}

	if !o.wasNew && o.tracker != nil {
		o.tracker.DecDiskUsage(o.sizeOnDisk)
	}

	o.done = true
	return o.sub.release()
}

func (o *Obsoletion) fail(err error) error {
	failedDeletions.push(o.Tidy)
	return err
}

func deleteFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "txnlog: deleting %s", path)
	}
	return nil
}
