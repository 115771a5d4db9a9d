package txnlog

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// deletionQueue is a process-wide FIFO-ish collection of deletions that
// failed (typically because a table's file was still mapped by a reader
// that hadn't let go of it yet). Push never blocks; the queue is drained
// explicitly, never by a background poller or a finalizer.
type deletionQueue struct {
	mu    sync.Mutex
	tasks []func() error
}

func (q *deletionQueue) push(task func() error) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
}

func (q *deletionQueue) drain() []func() error {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	return tasks
}

var failedDeletions = &deletionQueue{}

// deletionExecutor runs deletion retries on a single dedicated goroutine,
// in submission order, so WaitForDeletions can drain it by scheduling a
// no-op and joining it.
type deletionExecutor struct {
	tasks chan func()
}

func newDeletionExecutor() *deletionExecutor {
	e := &deletionExecutor{tasks: make(chan func(), 256)}
	go e.run()
	return e
}

func (e *deletionExecutor) run() {
	for task := range e.tasks {
		task()
	}
}

func (e *deletionExecutor) submit(task func()) {
	e.tasks <- task
}

var globalDeletionExecutor = newDeletionExecutor()

// RescheduleFailedDeletions resubmits every deletion that previously failed.
// Callers typically invoke this after a hint that whatever was holding a
// file open (an mmap, a lingering file handle) may have let go -- e.g. after
// forcing a GC -- and once more at process restart, via recovery.
func RescheduleFailedDeletions() {
	for _, task := range failedDeletions.drain() {
		task := task
		globalDeletionExecutor.submit(func() {
			if err := task(); err != nil {
				logrus.WithError(err).Warn("txnlog: retried deletion failed again, re-queued")
				failedDeletions.push(task)
			}
		})
	}
}

// WaitForDeletions blocks until every deletion submitted to the executor
// before this call has run.
func WaitForDeletions() {
	done := make(chan struct{})
	globalDeletionExecutor.submit(func() { close(done) })
	<-done
}
