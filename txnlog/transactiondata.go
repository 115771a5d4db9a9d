package txnlog

import (
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TransactionData is the filesystem-level handle to one transaction: the
// log file itself, plus the open descriptor on its enclosing directory used
// to fsync that directory after every append and before the log file is
// finally deleted.
type TransactionData struct {
	OpType OpType
	ID     uuid.UUID
	Dir    string

	logFile *LogFile
	dirFile *os.File
}

// newTransactionData creates the on-disk identity for a brand-new
// transaction: a fresh time-ordered id and an open fd on dir for fsync.
func newTransactionData(opType OpType, dir string) (*TransactionData, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return nil, errors.Wrap(err, "txnlog: generating transaction id")
	}

	dirFile, err := openDirForSync(dir)
	if err != nil {
		return nil, err
	}

	return &TransactionData{
		OpType:  opType,
		ID:      id,
		Dir:     dir,
		logFile: newLogFile(dir, opType, id.String()),
		dirFile: dirFile,
	}, nil
}

// openTransactionData reconstructs a TransactionData from an existing log
// file found on disk, for use during recovery.
func openTransactionData(logPath string) (*TransactionData, error) {
	lf, opType, idStr, err := openLogFile(logPath)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, errors.Wrapf(err, "txnlog: parsing transaction id from %s", logPath)
	}

	dirFile, err := openDirForSync(lf.Dir)
	if err != nil {
		return nil, err
	}

	return &TransactionData{
		OpType:  opType,
		ID:      id,
		Dir:     lf.Dir,
		logFile: lf,
		dirFile: dirFile,
	}, nil
}

// openDirForSync opens dir for the sole purpose of calling Sync on it.
// On platforms where fsyncing a directory isn't supported, Sync on the
// resulting handle is expected to be a no-op rather than an error; this
// implementation does not attempt to detect or paper over that --
// directories on such platforms give reduced crash-safety guarantees.
func openDirForSync(dir string) (*os.File, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "txnlog: opening directory %s", dir)
	}
	return f, nil
}

// sync fsyncs the transaction's directory, establishing a happens-before
// edge between whatever was just written (a log append, or a content
// deletion) and whatever comes next.
func (td *TransactionData) sync() error {
	if td.dirFile == nil {
		return nil
	}
	return td.dirFile.Sync()
}

// readLogFile parses the log's existing contents.
func (td *TransactionData) readLogFile() error {
	return td.logFile.Read()
}

// completed reports whether the transaction reached a terminal state.
func (td *TransactionData) completed() bool {
	return td.logFile.hasCommit() || td.logFile.hasAbort()
}

// removeLeftovers deletes the files left behind by this transaction's
// outcome, then the log file itself. If the log committed, the REMOVE-
// referenced (old) files are deleted; otherwise (abort, or no terminator at
// all -- treated as abort) the ADD-referenced (new) files are deleted. A
// directory fsync sits between content deletion and log deletion so a crash
// in between can't leave the log claiming completion for files that still
// exist.
func (td *TransactionData) removeLeftovers() error {
	kind := Add
	if td.logFile.hasCommit() {
		kind = Remove
	}

	if err := td.logFile.deleteRecords(kind); err != nil {
		return err
	}

	if err := td.sync(); err != nil {
		return err
	}

	return td.logFile.delete()
}

// temporaryFiles returns the set of component files this transaction still
// owns: the REMOVE set if committed, otherwise the ADD set.
func (td *TransactionData) temporaryFiles() ([]string, error) {
	if err := td.sync(); err != nil {
		return nil, err
	}
	if !td.logFile.exists() {
		// The transaction completed and was cleaned up between the
		// directory listing and this call; it owns nothing anymore.
		return nil, nil
	}
	if td.logFile.hasCommit() {
		return td.logFile.trackedFiles(Remove)
	}
	return td.logFile.trackedFiles(Add)
}

// close releases the directory descriptor.
func (td *TransactionData) close() error {
	if td.dirFile == nil {
		return nil
	}
	err := td.dirFile.Close()
	td.dirFile = nil
	return err
}
