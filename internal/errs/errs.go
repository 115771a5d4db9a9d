// Package errs provides a small suppressed-error chain, so that bulk
// operations (startup recovery, leftover removal) can keep going past a
// failure in one unit of work without losing track of it.
package errs

import "strings"

// chain is a list of independent errors that all occurred during the same
// bulk operation. It implements Unwrap() []error so callers can still use
// errors.Is/errors.As against any error in the chain.
type chain struct {
	errs []error
}

func (c *chain) Error() string {
	parts := make([]string, len(c.errs))
	for i, e := range c.errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

func (c *chain) Unwrap() []error {
	return c.errs
}

// Merge appends next onto existing's suppressed-error chain, returning a
// single error that reports both. Either argument may be nil.
func Merge(existing, next error) error {
	if next == nil {
		return existing
	}
	if existing == nil {
		return next
	}
	if c, ok := existing.(*chain); ok {
		c.errs = append(c.errs, next)
		return c
	}
	return &chain{errs: []error{existing, next}}
}
