package txnlog

import (
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func touchFile(t *testing.T, dir, name string, mtime time.Time) {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
}

func TestLogFileAppendDeduplicates(t *testing.T) {
	dir := t.TempDir()
	lf := newLogFile(dir, OpCompaction, "id-1")

	ok, err := lf.append(NewAddRecord("t1"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = lf.append(NewAddRecord("t1"))
	require.NoError(t, err)
	require.False(t, ok, "a second append of the same (kind, relpath) must be a no-op")
}

func TestLogFileReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Now().Truncate(time.Second)
	touchFile(t, dir, "t1.data", mtime)
	touchFile(t, dir, "t1.meta", mtime)

	lf := newLogFile(dir, OpCompaction, "id-1")
	_, err := lf.append(NewAddRecord("t2"))
	require.NoError(t, err)
	removeRec, err := NewRemoveRecord(dir, "t1")
	require.NoError(t, err)
	_, err = lf.append(removeRec)
	require.NoError(t, err)
	require.NoError(t, lf.commit())
	require.NoError(t, lf.close())

	reread := newLogFile(dir, OpCompaction, "id-1")
	reread.Path = lf.Path
	require.NoError(t, reread.Read())

	require.True(t, reread.hasCommit())
	require.True(t, reread.contains(Add, "t2"))
	require.True(t, reread.contains(Remove, "t1"))
}

func TestLogFileReadFailsOnNonLastMalformedLine(t *testing.T) {
	dir := t.TempDir()
	lf := newLogFile(dir, OpCompaction, "id-1")
	_, err := lf.append(NewAddRecord("t1"))
	require.NoError(t, err)
	require.NoError(t, lf.close())

	// Append a garbage line, then a well-formed-looking line with a wrong
	// checksum after it, so the garbage line is not the last one.
	f, err := os.OpenFile(lf.Path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("garbage-not-a-record-line\n")
	require.NoError(t, err)
	_, err = f.WriteString("add:[t2,0,0][999999]\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reread := newLogFile(dir, OpCompaction, "id-1")
	reread.Path = lf.Path
	err = reread.Read()
	require.Error(t, err)
	var corruptErr *CorruptLogError
	require.ErrorAs(t, err, &corruptErr)
}

func TestLogFileReadToleratesTruncatedLastLine(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Now().Truncate(time.Second)
	touchFile(t, dir, "t1.data", mtime)

	lf := newLogFile(dir, OpCompaction, "id-1")
	_, err := lf.append(NewAddRecord("t2"))
	require.NoError(t, err)
	removeRec, err := NewRemoveRecord(dir, "t1")
	require.NoError(t, err)
	_, err = lf.append(removeRec)
	require.NoError(t, err)
	require.NoError(t, lf.commit())
	require.NoError(t, lf.close())

	// Cut the last 6 bytes off the file, so the commit line loses the end of
	// its checksum, including the closing bracket.
	info, err := os.Stat(lf.Path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(lf.Path, info.Size()-6))

	reread := newLogFile(dir, OpCompaction, "id-1")
	reread.Path = lf.Path
	require.NoError(t, reread.Read())

	require.True(t, reread.lastRecordCorrupt)
	require.False(t, reread.hasCommit(), "a truncated terminator must not count as a commit")
	require.True(t, reread.contains(Add, "t2"))
	require.True(t, reread.contains(Remove, "t1"))
}

func TestLogFileReadFailsOnTamperedRemoveRecord(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Now().Truncate(time.Second)
	touchFile(t, dir, "t1.data", mtime)

	lf := newLogFile(dir, OpCompaction, "id-1")
	removeRec, err := NewRemoveRecord(dir, "t1")
	require.NoError(t, err)
	_, err = lf.append(removeRec)
	require.NoError(t, err)
	require.NoError(t, lf.close())

	// Mutate t1's data file after it was logged as REMOVE.
	time.Sleep(10 * time.Millisecond)
	touchFile(t, dir, "t1.data", time.Now().Add(time.Hour))

	reread := newLogFile(dir, OpCompaction, "id-1")
	reread.Path = lf.Path
	err = reread.Read()
	require.Error(t, err)
	var corruptErr *CorruptLogError
	require.ErrorAs(t, err, &corruptErr)

	// The file must still be there -- recovery failed loudly instead of
	// deleting anything.
	_, statErr := os.Stat(filepath.Join(dir, "t1.data"))
	require.NoError(t, statErr)
}

func TestLogFileDeleteRecordsOrdersByAscendingMtime(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Truncate(time.Second)
	touchFile(t, dir, "t1.data", base)
	touchFile(t, dir, "t1.meta", base.Add(time.Second))
	touchFile(t, dir, "t1.bloom", base.Add(2*time.Second))

	lf := newLogFile(dir, OpCompaction, "id-1")
	_, err := lf.append(NewAddRecord("t1"))
	require.NoError(t, err)

	files, err := listTrackedFiles(dir, "t1")
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "t1.data"),
		filepath.Join(dir, "t1.meta"),
		filepath.Join(dir, "t1.bloom"),
	}, files, "tracked files must be deleted oldest first")

	require.NoError(t, lf.deleteRecords(Add))

	for _, name := range []string{"t1.data", "t1.meta", "t1.bloom"} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.True(t, os.IsNotExist(err))
	}
}

func TestChecksumIsCumulativeOverTheWholeFile(t *testing.T) {
	dir := t.TempDir()
	lf := newLogFile(dir, OpFlush, "id-1")

	_, err := lf.append(NewAddRecord("t1"))
	require.NoError(t, err)
	firstCRC := lf.crc.Sum32()

	_, err = lf.append(NewAddRecord("t2"))
	require.NoError(t, err)
	secondCRC := lf.crc.Sum32()

	require.NotEqual(t, firstCRC, secondCRC, "each append must extend, not reset, the running checksum")
	require.Equal(t, crc32.ChecksumIEEE([]byte(NewAddRecord("t1").format()+NewAddRecord("t2").format())), secondCRC,
		"the second checksum must cover both record prefixes")
}
