package txnlog

import (
	"bufio"
	"fmt"
	"hash"
	"hash/crc32"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/pkg/errors"
)

// FormatVersion is embedded in every log file's name. It exists so that a
// future on-disk format change can coexist with logs written by an older
// binary during an upgrade, the same way an sstable format version does.
const FormatVersion = "bd1"

const logFileExt = ".log"

var logFileNameRegexp = regexp.MustCompile(`^` + regexp.QuoteMeta(FormatVersion) + `_txn_([a-z]+)_([0-9a-f\-]+)\.log$`)

var lineRegexp = regexp.MustCompile(`^(.*)\[(\d+)\]$`)

// LogFile is the append-only on-disk log for one transaction.
type LogFile struct {
	mu sync.Mutex

	// Path is the absolute path of the log file.
	Path string
	// Dir is the path's enclosing directory -- the directory the tracked
	// tables live in.
	Dir string

	records           map[recordKey]Record
	crc               hash.Hash32
	lastRecordCorrupt bool

	f *os.File
}

func logFileName(opType OpType, id string) string {
	return fmt.Sprintf("%s_txn_%s_%s%s", FormatVersion, opType.fileName(), id, logFileExt)
}

// newLogFile builds the handle for a brand-new transaction log; nothing is
// written to disk yet.
func newLogFile(dir string, opType OpType, id string) *LogFile {
	return &LogFile{
		Path:    filepath.Join(dir, logFileName(opType, id)),
		Dir:     dir,
		records: make(map[recordKey]Record),
		crc:     crc32.NewIEEE(),
	}
}

// openLogFile builds the handle for an existing log file found on disk
// during recovery, parsing its operation type and id out of the name.
func openLogFile(path string) (*LogFile, OpType, string, error) {
	dir := filepath.Dir(path)
	m := logFileNameRegexp.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return nil, 0, "", fmt.Errorf("txnlog: %q is not a transaction log name", path)
	}
	opType, err := opTypeFromFileName(m[1])
	if err != nil {
		return nil, 0, "", err
	}
	return &LogFile{
		Path:    path,
		Dir:     dir,
		records: make(map[recordKey]Record),
		crc:     crc32.NewIEEE(),
	}, opType, m[2], nil
}

// IsLogFileName reports whether name matches the transaction-log naming
// convention.
func IsLogFileName(name string) bool {
	return logFileNameRegexp.MatchString(name)
}

// Read parses the log file's existing contents, validating per-line
// checksums and record grammar, then verifies every REMOVE record against
// the current filesystem state.
func (lf *LogFile) Read() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	f, err := os.Open(lf.Path)
	if err != nil {
		return errors.Wrapf(err, "txnlog: opening log %s", lf.Path)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "txnlog: reading log %s", lf.Path)
	}

	lf.records = make(map[recordKey]Record)
	lf.crc = crc32.NewIEEE()
	lf.lastRecordCorrupt = false

	for i, line := range lines {
		isLast := i == len(lines)-1
		rec, ok := lf.parseLine(line)
		if !ok {
			if isLast {
				lf.lastRecordCorrupt = true
				break
			}
			return corrupt(lf.Path, "non-last record %q is malformed", line)
		}
		lf.records[rec.key()] = rec
	}

	for _, rec := range lf.records {
		if rec.Kind != Remove {
			continue
		}
		curMillis, curCount, err := statTrackedFiles(lf.Dir, rec.RelPath)
		if err != nil {
			return errors.Wrapf(err, "txnlog: verifying record %q against disk", rec.format())
		}
		if curMillis != rec.UpdateTimeMillis {
			return corrupt(lf.Path, "record %q: on-disk update time %d does not match recorded %d", rec.format(), curMillis, rec.UpdateTimeMillis)
		}
		if lf.lastRecordCorrupt && curCount != rec.NumFiles {
			return corrupt(lf.Path, "record %q: on-disk file count %d does not match recorded %d after a truncated last line", rec.format(), curCount, rec.NumFiles)
		}
	}

	return nil
}

// parseLine splits off the trailing checksum, verifies it against the
// running CRC, and parses the remaining prefix into a Record. ok is false
// if any step failed; the caller decides whether that's fatal (non-last
// line) or tolerable (last line).
func (lf *LogFile) parseLine(line string) (Record, bool) {
	m := lineRegexp.FindStringSubmatch(line)
	if m == nil {
		return Record{}, false
	}
	prefix, crcStr := m[1], m[2]

	lf.crc.Write([]byte(prefix))
	var want uint32
	if _, err := fmt.Sscanf(crcStr, "%d", &want); err != nil || lf.crc.Sum32() != want {
		return Record{}, false
	}

	rec, err := parseRecordPrefix(prefix)
	if err != nil {
		return Record{}, false
	}
	return rec, true
}

// ensureOpenForAppend opens the log file for appending, creating it the
// first time it's written to.
func (lf *LogFile) ensureOpenForAppend() error {
	if lf.f != nil {
		return nil
	}
	f, err := os.OpenFile(lf.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "txnlog: opening log %s for append", lf.Path)
	}
	lf.f = f
	return nil
}

// append appends rec to the log, updating the running CRC. It returns false
// without writing anything if an equal (Kind, RelPath) record is already
// present.
func (lf *LogFile) append(rec Record) (bool, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	key := rec.key()
	if _, exists := lf.records[key]; exists {
		return false, nil
	}

	if err := lf.ensureOpenForAppend(); err != nil {
		return false, err
	}

	prefix := rec.format()
	lf.crc.Write([]byte(prefix))
	line := fmt.Sprintf("%s[%d]\n", prefix, lf.crc.Sum32())

	if _, err := lf.f.WriteString(line); err != nil {
		return false, errors.Wrapf(err, "txnlog: appending to log %s", lf.Path)
	}

	lf.records[key] = rec
	return true, nil
}

func (lf *LogFile) contains(kind Kind, relPath string) bool {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	_, ok := lf.records[recordKey{kind: kind, relPath: relPath}]
	return ok
}

// remove drops an in-memory record and physically deletes its tracked
// files immediately. It does not rewrite the on-disk log -- a recovery that
// later finds the stale ADD line for files that no longer exist just finds
// nothing to delete.
func (lf *LogFile) remove(kind Kind, relPath string) error {
	lf.mu.Lock()
	key := recordKey{kind: kind, relPath: relPath}
	_, ok := lf.records[key]
	if !ok {
		lf.mu.Unlock()
		return invariant("%s record for %q is not tracked", kind, relPath)
	}
	delete(lf.records, key)
	lf.mu.Unlock()

	return lf.deleteTrackedFiles(relPath)
}

func (lf *LogFile) hasCommit() bool {
	return lf.contains(Commit, "")
}

func (lf *LogFile) hasAbort() bool {
	return lf.contains(Abort, "")
}

func (lf *LogFile) commit() error {
	if lf.hasAbort() {
		return invariant("transaction already aborted")
	}
	if lf.hasCommit() {
		return invariant("transaction already committed")
	}
	_, err := lf.append(NewCommitRecord(nowFunc()))
	return err
}

func (lf *LogFile) abort() error {
	if lf.hasCommit() {
		return invariant("transaction already committed")
	}
	if lf.hasAbort() {
		return invariant("transaction already aborted")
	}
	_, err := lf.append(NewAbortRecord(nowFunc()))
	return err
}

// deleteRecords deletes the tracked files of every record of kind, in
// ascending mtime order within each record so a partially-failed deletion
// leaves the surviving files' max mtime unchanged.
func (lf *LogFile) deleteRecords(kind Kind) error {
	lf.mu.Lock()
	var relPaths []string
	for k, rec := range lf.records {
		if rec.Kind == kind {
			relPaths = append(relPaths, k.relPath)
		}
	}
	lf.mu.Unlock()

	var merged error
	for _, relPath := range relPaths {
		if err := lf.deleteTrackedFiles(relPath); err != nil {
			merged = mergeErr(merged, err)
		}
	}
	return merged
}

func (lf *LogFile) deleteTrackedFiles(relPath string) error {
	files, err := listTrackedFiles(lf.Dir, relPath)
	if err != nil {
		return errors.Wrapf(err, "txnlog: listing tracked files for %q", relPath)
	}
	var merged error
	for _, path := range files {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			merged = mergeErr(merged, errors.Wrapf(err, "txnlog: deleting %s", path))
		}
	}
	return merged
}

// trackedFiles returns the full paths of every component file belonging to
// a record of kind.
func (lf *LogFile) trackedFiles(kind Kind) ([]string, error) {
	lf.mu.Lock()
	var relPaths []string
	for k, rec := range lf.records {
		if rec.Kind == kind {
			relPaths = append(relPaths, k.relPath)
		}
	}
	lf.mu.Unlock()

	var all []string
	for _, relPath := range relPaths {
		files, err := listTrackedFiles(lf.Dir, relPath)
		if err != nil {
			return nil, err
		}
		all = append(all, files...)
	}
	return all, nil
}

func (lf *LogFile) exists() bool {
	_, err := os.Stat(lf.Path)
	return err == nil
}

func (lf *LogFile) delete() error {
	lf.mu.Lock()
	if lf.f != nil {
		lf.f.Close()
		lf.f = nil
	}
	lf.mu.Unlock()

	if err := os.Remove(lf.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "txnlog: deleting log %s", lf.Path)
	}
	return nil
}

func (lf *LogFile) close() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.f == nil {
		return nil
	}
	err := lf.f.Close()
	lf.f = nil
	return err
}

// nowFunc exists so tests can stub wall-clock time on terminator records.
var nowFunc = defaultNow
