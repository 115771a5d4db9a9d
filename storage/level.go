package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/mehdi-haji/txnlog/txnlog"
)

// DefaultLevelMaxSize is the default maximum number
// of tables that can be stored in a level.
const DefaultLevelMaxSize = 10

type Level struct {
	sync.RWMutex
	path     string         // The path to this level's directory on disk
	meta     LevelMeta      // The level's metadata
	tables   []*SSTable     // Handles to the level's tables
	tracker  txnlog.Tracker // Optional; nil is fine, Obsolete/Transaction tolerate it
	compress bool           // Whether tables compacted out of this level compress their data component
}

// fmtLevelPath formats the on-disk directory for level n under root
// directory d, width-4 zero-padded per the tree's disk layout.
func fmtLevelPath(d string, n uint16) string {
	return path.Join(d, "levels", fmt.Sprintf("%04d", n))
}

// CreateLevel creates a new level handle for the given level
// number in the given directory.
func CreateLevel(n uint16, d string) (*Level, error) {
	// Format the level path
	p := fmtLevelPath(d, n)

	// Make the directory (and its "levels" parent, if this is the first level)
	if err := os.MkdirAll(p, 0755); err != nil {
		return nil, err
	}

	// Create the metadata
	meta := LevelMeta{
		Level:   n,
		MinKey:  "",
		MaxKey:  "",
		Tables:  []string{},
		MaxSize: DefaultLevelMaxSize,
	}

	// Write the metadata file
	metaPath := path.Join(p, "_meta.json")
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(metaPath, b, 0644); err != nil {
		return nil, err
	}

	// Create the level
	level := &Level{
		path:   p,
		meta:   meta,
		tables: []*SSTable{},
	}

	// Done
	return level, nil
}

// LoadLevel reopens an existing level directory: its metadata file names
// the tables it owns, each reopened by id.
func LoadLevel(n uint16, d string) (*Level, error) {
	p := fmtLevelPath(d, n)

	b, err := os.ReadFile(path.Join(p, "_meta.json"))
	if err != nil {
		return nil, fmt.Errorf("reading level %d metadata: %w", n, err)
	}
	var meta LevelMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("unmarshalling level %d metadata: %w", n, err)
	}

	tables := make([]*SSTable, 0, len(meta.Tables))
	for _, id := range meta.Tables {
		t, err := ReadSSTable(p, id)
		if err != nil {
			return nil, fmt.Errorf("reopening table %s in level %d: %w", id, n, err)
		}
		tables = append(tables, t)
	}

	return &Level{path: p, meta: meta, tables: tables}, nil
}

// WithTracker attaches a txnlog.Tracker the level's Compact will drive its
// transaction with. Optional; a nil tracker is still safe to compact with.
func (l *Level) WithTracker(tracker txnlog.Tracker) *Level {
	l.tracker = tracker
	return l
}

// WithCompression controls whether Compact snappy-compresses the data
// component of the table it produces.
func (l *Level) WithCompression(compress bool) *Level {
	l.compress = compress
	return l
}

// Full checks if the level has the maximum number of tables.
func (l *Level) Full() bool {
	l.RLock()
	defer l.RUnlock()
	return len(l.tables) >= int(l.meta.MaxSize)
}

func (l *Level) Get(key string) (*Record, error) {
	l.RLock()
	defer l.RUnlock()

	// Check if the key is in range
	if key < l.meta.MinKey || key > l.meta.MaxKey {
		return nil, nil
	}

	// Iterate over the tables, in reverse order
	for i := len(l.tables) - 1; i >= 0; i-- {
		// Get the table
		table := l.tables[i]

		// Get the record
		r, err := table.Get(key)
		if err != nil {
			return nil, err
		}

		// If the record is found, return it
		//
		// Note that this includes tombstones
		if r != nil {
			return r, nil
		}
	}

	// If the record is not found, return nil
	return nil, nil
}

// AddTable registers table as belonging to this level and persists the
// updated metadata. The table's files must already live under l.path --
// AddTable does not move anything.
func (l *Level) AddTable(table *SSTable) error {
	l.Lock()
	defer l.Unlock()

	l.tables = append(l.tables, table)
	return l.updateMetadata()
}

// Compact merges every table currently in the level into a single new
// table written to the same directory, replacing the inputs behind one
// transaction: trackNew on the merged table, obsolete on every input, then
// commit. If building the merged table fails, the transaction is aborted
// instead, leaving every input table exactly as it was. Because compaction
// never moves a table across directories, this stays within the
// transaction log's single-directory guarantee.
func (l *Level) Compact() (*SSTable, error) {
	l.Lock()
	defer l.Unlock()

	if len(l.tables) == 0 {
		return nil, fmt.Errorf("no tables to compact")
	}
	if len(l.tables) == 1 {
		return l.tables[0], nil
	}

	txn, err := txnlog.NewTransaction(txnlog.OpCompaction, l.path, l.tracker)
	if err != nil {
		return nil, err
	}

	merged, mergeErr := l.mergeTables(txn)
	if mergeErr != nil {
		if abortErr := txn.Abort(); abortErr != nil {
			return nil, fmt.Errorf("aborting failed compaction: %w (original error: %v)", abortErr, mergeErr)
		}
		return nil, mergeErr
	}

	return merged, nil
}

// mergeTables does the actual work of Compact, assuming l's lock is held.
// Compact aborts the transaction on any error it returns. Before commit,
// that abort cancels the compaction; after commit, the abort is refused as
// an invariant violation and Compact reports it together with the original
// error.
func (l *Level) mergeTables(txn *txnlog.Transaction) (*SSTable, error) {
	builder := &SSTBuilder{
		Path:     l.path,
		Level:    uint8(l.meta.Level),
		Compress: l.compress,
	}
	if err := builder.SetUp(); err != nil {
		return nil, err
	}

	// Create iterators for each table
	itrs := make([]*sstIterator, len(l.tables))
	for i, t := range l.tables {
		itrs[i] = &sstIterator{table: t}
		itrs[i].start()
	}

	allDone := func(itrs []*sstIterator) bool {
		for _, itr := range itrs {
			if !itr.done {
				return false
			}
		}
		return true
	}

	// Merge the tables
	//
	// Note: Track the last key so we can skip
	// duplicates by timestamp
	var lastk string

	for !allDone(itrs) {
		// Pick the next record from the iterator
		// - Pick the lowest key
		// - If the key is equal, the newest table overwrites (and others are skipped)
		besti := -1
		var bestr Record
		var bestt time.Time

		for i, itr := range itrs {
			if itr.done {
				continue
			}
			if besti == -1 {
				besti, bestr, bestt = i, itr.current, l.tables[i].meta.CreatedAt
				continue
			}
			if itr.current.Key < bestr.Key {
				besti, bestr, bestt = i, itr.current, l.tables[i].meta.CreatedAt
				continue
			}
			if itr.current.Key == bestr.Key && l.tables[i].meta.CreatedAt.After(bestt) {
				besti, bestr, bestt = i, itr.current, l.tables[i].meta.CreatedAt
			}
		}

		if lastk == bestr.Key {
			itrs[besti].next()
			continue
		}

		if err := builder.Add(bestr); err != nil {
			return nil, err
		}

		itrs[besti].next()
		lastk = bestr.Key
	}

	newTable, err := builder.Finish()
	if err != nil {
		return nil, err
	}

	if err := txn.TrackNew(newTable); err != nil {
		return nil, err
	}

	oldTables := l.tables
	obsoletions := make([]*txnlog.Obsoletion, 0, len(oldTables))
	for _, t := range oldTables {
		obs, err := txn.Obsolete(t)
		if err != nil {
			return nil, err
		}
		obsoletions = append(obsoletions, obs)
	}

	if err := txn.Commit(); err != nil {
		return nil, err
	}

	// This Level is the only in-memory holder of these readers -- no other
	// part of the engine can still be using them -- so every obsoletion's
	// reference can be released immediately once the commit is durable.
	for _, obs := range obsoletions {
		if err := obs.Tidy(); err != nil {
			return nil, err
		}
	}

	l.tables = []*SSTable{newTable}
	if err := l.updateMetadata(); err != nil {
		return nil, err
	}

	return newTable, nil
}

func (l *Level) updateMetadata() error {
	// Get the latest key range
	var minKey, maxKey string
	for _, t := range l.tables {
		if minKey == "" || t.meta.MinKey < minKey {
			minKey = t.meta.MinKey
		}
		if maxKey == "" || t.meta.MaxKey > maxKey {
			maxKey = t.meta.MaxKey
		}
	}

	// Get the latest table key ids
	tableIDs := make([]string, len(l.tables))
	for i, t := range l.tables {
		tableIDs[i] = t.meta.ID
	}

	// Store the new metadata
	l.meta.MinKey = minKey
	l.meta.MaxKey = maxKey
	l.meta.Tables = tableIDs

	// Marshal the metadata
	b, err := json.Marshal(l.meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// Write the metadata to the file
	p := path.Join(l.path, "_meta.json")
	if err := os.WriteFile(p, b, 0644); err != nil {
		return fmt.Errorf("failed to write metadata to file: %w", err)
	}
	return nil
}

type LevelMeta struct {
	Level   uint16   `json:"level"`   // Level number (starts with 1; 0 is memtable)
	MaxSize uint16   `json:"maxSize"` // Max num of tables in this level
	MinKey  string   `json:"minKey"`  // Minimum key in this level
	MaxKey  string   `json:"maxKey"`  // Maximum key in this level
	Tables  []string `json:"tables"`  // IDs of tables in this level
}
