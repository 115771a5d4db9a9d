package txnlog

import (
	"sync"
	"sync/atomic"
)

// handle is a reference-counted guard around a tidier closure. It starts
// with a count of one, representing the owner's own reference; Ref hands out
// additional references (used for each Obsoletion's sub-reference), and
// Release drops one. The tidier fires exactly once, when the count reaches
// zero -- whether that happens because the owner released last, or because
// the last outstanding sub-reference did.
type handle struct {
	count int32
	tidy  func() error
	once  sync.Once
	err   error
}

func newHandle(tidy func() error) *handle {
	return &handle{count: 1, tidy: tidy}
}

// ref hands out another reference sharing this handle's count.
func (h *handle) ref() *handle {
	atomic.AddInt32(&h.count, 1)
	return h
}

// release drops a reference. It runs the tidier exactly once, the first time
// the count reaches zero.
func (h *handle) release() error {
	if atomic.AddInt32(&h.count, -1) == 0 {
		h.once.Do(func() {
			h.err = h.tidy()
		})
		return h.err
	}
	return nil
}
