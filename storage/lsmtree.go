package storage

import (
	"fmt"
	"sync"

	"github.com/mehdi-haji/txnlog/txnlog"
)

// LSMTree ties the memtable and levels together: writes land in the
// memtable; once it's full, it's frozen and flushed to level 1; once a
// level is full, Compact merges its tables into one table within that same
// level. Both transitions run behind the transaction log so a crash partway
// through never leaves a half-promoted table.
type LSMTree struct {
	sync.RWMutex
	path     string
	memtable *Memtable
	levels   []*Level
	tracker  txnlog.Tracker
}

// NewLSMTree creates a tree rooted at dir with an empty memtable and no
// levels; levels already on disk under dir are not loaded.
func NewLSMTree(dir string, tracker txnlog.Tracker) (*LSMTree, error) {
	return &LSMTree{
		path:     dir,
		memtable: NewMemtable(),
		tracker:  tracker,
	}, nil
}

func (t *LSMTree) Get(k string) (*Record, error) {
	t.RLock()
	defer t.RUnlock()

	if r, err := t.memtable.Get(k); err != nil {
		return nil, err
	} else if r != nil {
		return r, nil
	}

	for i := len(t.levels) - 1; i >= 0; i-- {
		r, err := t.levels[i].Get(k)
		if err != nil {
			return nil, err
		}
		if r != nil {
			return r, nil
		}
	}
	return nil, nil
}

func (t *LSMTree) Put(r Record) error {
	t.Lock()
	defer t.Unlock()

	if err := t.memtable.Put(r); err != nil {
		return err
	}
	if !t.memtable.Full() {
		return nil
	}
	return t.flushLocked()
}

func (t *LSMTree) Del(k string) error {
	t.Lock()
	defer t.Unlock()
	return t.memtable.Del(k)
}

// flushLocked freezes the current memtable, flushes it into level 1 (making
// the level if this is the first flush), and starts a fresh memtable.
func (t *LSMTree) flushLocked() error {
	t.memtable.Freeze()

	lvl, err := t.levelLocked(1)
	if err != nil {
		return err
	}

	table, err := t.memtable.Flush(lvl.path, 1, t.tracker)
	if err != nil {
		return err
	}
	if err := lvl.AddTable(table); err != nil {
		return err
	}

	t.memtable = NewMemtable()
	return nil
}

// levelLocked returns the level at n, creating its directory the first time
// it's needed. Callers must hold t's lock.
func (t *LSMTree) levelLocked(n uint16) (*Level, error) {
	for _, l := range t.levels {
		if l.meta.Level == n {
			return l, nil
		}
	}
	lvl, err := CreateLevel(n, t.path)
	if err != nil {
		return nil, err
	}
	lvl.WithTracker(t.tracker)
	t.levels = append(t.levels, lvl)
	return lvl, nil
}

// Compact runs a single compaction pass: the first level that's full has
// its tables merged into one, in place.
func (t *LSMTree) Compact() error {
	t.Lock()
	defer t.Unlock()

	for _, lvl := range t.levels {
		if !lvl.Full() {
			continue
		}
		if _, err := lvl.Compact(); err != nil {
			return fmt.Errorf("compacting level %d: %w", lvl.meta.Level, err)
		}
		return nil
	}
	return nil
}

type LSMTreeMeta struct {
	Levels []uint16 `json:"levels"`
}
