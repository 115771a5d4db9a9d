package txnlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetLogFilesOnlyMatchesLogNames(t *testing.T) {
	dir := t.TempDir()
	lf := newLogFile(dir, OpFlush, "00000000-0000-0000-0000-000000000001")
	_, err := lf.append(NewAddRecord("t1"))
	require.NoError(t, err)
	require.NoError(t, lf.close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "t1.data"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "not-a-log.txt"), []byte("x"), 0644))

	logs, err := GetLogFiles(dir)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, lf.Path, logs[0])
}

func TestRemoveUnfinishedLeftoversRecoversCommittedTransaction(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Now().Truncate(time.Second)
	touchFile(t, dir, "t1.data", mtime)

	lf := newLogFile(dir, OpCompaction, "00000000-0000-0000-0000-000000000001")
	_, err := lf.append(NewAddRecord("t2"))
	require.NoError(t, err)
	removeRec, err := NewRemoveRecord(dir, "t1")
	require.NoError(t, err)
	_, err = lf.append(removeRec)
	require.NoError(t, err)
	require.NoError(t, lf.commit())
	require.NoError(t, lf.close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "t2.data"), []byte("x"), 0644))

	require.NoError(t, RemoveUnfinishedLeftovers(dir))

	_, err = os.Stat(filepath.Join(dir, "t1.data"))
	require.True(t, os.IsNotExist(err), "a committed transaction's REMOVE set must be deleted on recovery")
	_, err = os.Stat(filepath.Join(dir, "t2.data"))
	require.NoError(t, err, "a committed transaction's ADD set must survive recovery")
	_, err = os.Stat(lf.Path)
	require.True(t, os.IsNotExist(err))
}

func TestRemoveUnfinishedLeftoversRecoversAbortedTransaction(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Now().Truncate(time.Second)
	touchFile(t, dir, "t1.data", mtime)

	lf := newLogFile(dir, OpCompaction, "00000000-0000-0000-0000-000000000001")
	_, err := lf.append(NewAddRecord("t2"))
	require.NoError(t, err)
	removeRec, err := NewRemoveRecord(dir, "t1")
	require.NoError(t, err)
	_, err = lf.append(removeRec)
	require.NoError(t, err)
	require.NoError(t, lf.abort())
	require.NoError(t, lf.close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "t2.data"), []byte("x"), 0644))

	require.NoError(t, RemoveUnfinishedLeftovers(dir))

	_, err = os.Stat(filepath.Join(dir, "t1.data"))
	require.NoError(t, err, "an aborted transaction's REMOVE set must survive recovery")
	_, err = os.Stat(filepath.Join(dir, "t2.data"))
	require.True(t, os.IsNotExist(err), "an aborted transaction's ADD set must be deleted on recovery")
}

func TestRemoveUnfinishedLeftoversWithoutTerminatorIsTreatedAsAbort(t *testing.T) {
	dir := t.TempDir()
	lf := newLogFile(dir, OpFlush, "00000000-0000-0000-0000-000000000001")
	_, err := lf.append(NewAddRecord("t2"))
	require.NoError(t, err)
	require.NoError(t, lf.close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "t2.data"), []byte("x"), 0644))

	require.NoError(t, RemoveUnfinishedLeftovers(dir))

	_, err = os.Stat(filepath.Join(dir, "t2.data"))
	require.True(t, os.IsNotExist(err), "no terminator at all must be treated the same as an abort")
}

func TestRemoveUnfinishedLeftoversOneCorruptLogDoesNotBlockAnother(t *testing.T) {
	dir := t.TempDir()

	good := newLogFile(dir, OpFlush, "00000000-0000-0000-0000-000000000001")
	_, err := good.append(NewAddRecord("good"))
	require.NoError(t, err)
	require.NoError(t, good.close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.data"), []byte("x"), 0644))

	bad := newLogFile(dir, OpFlush, "00000000-0000-0000-0000-000000000002")
	_, err = bad.append(NewAddRecord("bad"))
	require.NoError(t, err)
	require.NoError(t, bad.close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.data"), []byte("x"), 0644))
	f, err := os.OpenFile(bad.Path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("not-a-record-line\n")
	require.NoError(t, err)
	_, err = f.WriteString("add:[bogus,0,0][123]\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	err = RemoveUnfinishedLeftovers(dir)
	require.Error(t, err, "the corrupt log must surface an error")

	_, statErr := os.Stat(filepath.Join(dir, "good.data"))
	require.True(t, os.IsNotExist(statErr), "the good transaction must still be recovered despite the other log's corruption")
	_, statErr = os.Stat(bad.Path)
	require.NoError(t, statErr, "a log that failed to read must not be deleted")
}

func TestGetTemporaryFilesReportsOwnedFilesOnly(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Now().Truncate(time.Second)
	touchFile(t, dir, "t1.data", mtime)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "t2.data"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "untracked.data"), []byte("x"), 0644))

	lf := newLogFile(dir, OpCompaction, "00000000-0000-0000-0000-000000000001")
	_, err := lf.append(NewAddRecord("t2"))
	require.NoError(t, err)
	removeRec, err := NewRemoveRecord(dir, "t1")
	require.NoError(t, err)
	_, err = lf.append(removeRec)
	require.NoError(t, err)
	require.NoError(t, lf.close())

	files, err := GetTemporaryFiles(dir)
	require.NoError(t, err)

	_, hasT2 := files[filepath.Join(dir, "t2.data")]
	_, hasT1 := files[filepath.Join(dir, "t1.data")]
	_, hasUntracked := files[filepath.Join(dir, "untracked.data")]
	require.True(t, hasT2, "an uncommitted transaction's ADD set is still temporary -- not yet promoted")
	require.False(t, hasT1, "the REMOVE set only becomes temporary once the transaction commits")
	require.False(t, hasUntracked)
}

func TestGetTemporaryFilesEmptyWhenNoLogsPresent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settled.data"), []byte("x"), 0644))

	files, err := GetTemporaryFiles(dir)
	require.NoError(t, err)
	require.Empty(t, files)
}
