package txnlog

import (
	"time"

	"github.com/mehdi-haji/txnlog/internal/errs"
)

func defaultNow() time.Time {
	return time.Now()
}

// mergeErr folds next into existing's suppressed-error chain.
func mergeErr(existing, next error) error {
	return errs.Merge(existing, next)
}
