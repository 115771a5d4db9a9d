package storage

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/mehdi-haji/txnlog/txnlog"
)

const (
	DefaultTreeOrder    = 3
	DefaultMaxTableSize = 1 << 10
)

// Memtable is the in-memory, mutable tier of the tree: writes land here
// first, ordered by an in-memory btree index, until it's frozen and flushed
// out as an immutable SSTable.
type Memtable struct {
	sync.RWMutex
	tree    *btree.BTreeG[string]
	hmap    map[string]Record
	maxSize uint64
	frozen  bool
}

func NewMemtable() *Memtable {
	tree := btree.NewOrderedG[string](DefaultTreeOrder)
	hmap := make(map[string]Record)
	return &Memtable{
		tree:    tree,
		hmap:    hmap,
		maxSize: DefaultMaxTableSize,
		frozen:  false,
	}
}

func (m *Memtable) Get(k string) (*Record, error) {
	m.RLock()
	defer m.RUnlock()

	// Get the record
	r, ok := m.hmap[k]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *Memtable) Put(r Record) error {
	m.Lock()
	defer m.Unlock()

	if m.frozen {
		return fmt.Errorf("memtable is frozen")
	}

	// Set the record in the hash-map
	m.hmap[r.Key] = r

	// Add the record to the tree
	m.tree.ReplaceOrInsert(r.Key)

	// Done
	return nil
}

func (m *Memtable) Del(k string) error {
	return m.Put(Record{
		Key:  k,
		Tomb: true,
	})
}

func (m *Memtable) Full() bool {
	return len(m.hmap) >= int(m.maxSize)
}

func (m *Memtable) Freeze() {
	m.Lock()
	defer m.Unlock()
	m.frozen = true
}

// Flush writes the memtable's contents, in key order, to a new SSTable
// under dir at the given level, then records it in a Flush transaction and
// commits. The ADD record is appended only once the table's files are
// complete, so files left by a crash during the write are not named in any
// log and recovery does not remove them.
func (m *Memtable) Flush(dir string, level uint8, tracker txnlog.Tracker) (*SSTable, error) {
	m.Lock()
	defer m.Unlock()

	if !m.frozen {
		return nil, fmt.Errorf("memtable must be frozen before it can be flushed")
	}
	if len(m.hmap) == 0 {
		return nil, fmt.Errorf("memtable is empty")
	}

	txn, err := txnlog.NewTransaction(txnlog.OpFlush, dir, tracker)
	if err != nil {
		return nil, err
	}

	builder := &SSTBuilder{Path: dir, Level: level}
	if err := builder.SetUp(); err != nil {
		_ = txn.Abort()
		return nil, err
	}

	var addErr error
	m.tree.Ascend(func(k string) bool {
		r, ok := m.hmap[k]
		if !ok {
			return true
		}
		if addErr = builder.Add(r); addErr != nil {
			return false
		}
		return true
	})
	if addErr != nil {
		_ = txn.Abort()
		return nil, addErr
	}

	table, err := builder.Finish()
	if err != nil {
		_ = txn.Abort()
		return nil, err
	}

	if err := txn.TrackNew(table); err != nil {
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}

	return table, nil
}

// Close releases the memtable's resources. Safe to call more than once.
func (m *Memtable) Close() error {
	m.Lock()
	defer m.Unlock()
	return nil
}
