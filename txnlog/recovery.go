package txnlog

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// GetLogFiles returns the absolute paths of every transaction log file
// currently present in dir.
func GetLogFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var logs []string
	for _, e := range entries {
		if e.IsDir() || !IsLogFileName(e.Name()) {
			continue
		}
		logs = append(logs, filepath.Join(dir, e.Name()))
	}
	return logs, nil
}

// RemoveUnfinishedLeftovers scans dir for residual transaction logs --
// logs whose transaction started but never ran its tidier, typically
// because the process crashed or exited uncleanly -- and replays each:
// read its records, then delete whichever side of the transaction lost
// (the new tables if it aborted or never reached a terminator, the old
// tables if it committed), then delete the log itself.
//
// One corrupt log does not block recovery of the others; every error
// encountered is merged into a single returned error so nothing is lost,
// but recovery keeps going.
func RemoveUnfinishedLeftovers(dir string) error {
	logs, err := GetLogFiles(dir)
	if err != nil {
		return err
	}

	var merged error
	for _, logPath := range logs {
		merged = mergeErr(merged, removeOneLeftover(logPath))
	}
	return merged
}

func removeOneLeftover(logPath string) error {
	data, err := openTransactionData(logPath)
	if err != nil {
		return err
	}
	defer data.close()

	if err := data.readLogFile(); err != nil {
		logrus.WithError(err).WithField("log", logPath).
			Error("txnlog: possible disk corruption detected reading transaction log")
		return err
	}

	return data.removeLeftovers()
}

// GetTemporaryFiles returns every component file under dir that belongs to
// a transaction which hasn't finished owning it yet: files added by a
// transaction that hasn't committed, or files removed by one that has.
//
// If a log file is listed but has vanished by the time its contents are
// read -- a concurrent tidier beat this scan to it -- the whole directory
// listing is retried rather than treated as an error.
func GetTemporaryFiles(dir string) (map[string]struct{}, error) {
	for {
		result, retry, err := getTemporaryFilesOnce(dir)
		if err != nil {
			return nil, err
		}
		if retry {
			continue
		}
		return result, nil
	}
}

func getTemporaryFilesOnce(dir string) (map[string]struct{}, bool, error) {
	logs, err := GetLogFiles(dir)
	if err != nil {
		return nil, false, err
	}

	result := make(map[string]struct{})
	for _, logPath := range logs {
		data, err := openTransactionData(logPath)
		if err != nil {
			if isNotExist(err) {
				return nil, true, nil
			}
			return nil, false, err
		}

		if err := data.readLogFile(); err != nil {
			if isNotExist(err) {
				data.close()
				return nil, true, nil
			}
			logrus.WithError(err).WithField("log", logPath).
				Warn("txnlog: failed to read transaction log while listing temporary files")
			data.close()
			continue
		}

		files, err := data.temporaryFiles()
		data.close()
		if err != nil {
			if isNotExist(err) {
				return nil, true, nil
			}
			return nil, false, err
		}
		for _, f := range files {
			if filepath.Dir(f) == dir {
				result[f] = struct{}{}
			}
		}
	}

	return result, false, nil
}
