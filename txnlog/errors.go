package txnlog

import "fmt"

// CorruptLogError reports that a transaction log could not be trusted: a
// non-terminal record was unparseable, a checksum didn't match, or a REMOVE
// record's filesystem-state invariant failed in a way that isn't explained
// by a truncated last line. It is fatal for that one log; callers doing
// bulk recovery should log it and continue with the other logs.
type CorruptLogError struct {
	LogPath string
	Reason  string
}

func (e *CorruptLogError) Error() string {
	return fmt.Sprintf("txnlog: corrupt transaction log %s: %s", e.LogPath, e.Reason)
}

// InvariantViolation reports a caller bug: committing twice, obsoleting the
// same table twice, untracking a table that was never tracked as new or
// untracking after commit. These are never expected to
// happen in correct code, but are returned rather than panicked so tests can
// assert on them with errors.As.
type InvariantViolation struct {
	Msg string
}

func (e *InvariantViolation) Error() string {
	return "txnlog: invariant violation: " + e.Msg
}

func invariant(format string, args ...any) error {
	return &InvariantViolation{Msg: fmt.Sprintf(format, args...)}
}

func corrupt(logPath, format string, args ...any) error {
	return &CorruptLogError{LogPath: logPath, Reason: fmt.Sprintf(format, args...)}
}
