// Package engine wires the write-ahead log, memtable, and pager together
// behind a single DB: Put and Delete go to the WAL and then the memtable,
// Get checks the memtable and then falls through to the pager across
// flushed tables, most recent first.
package engine

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/sirixdb/sirix-sub007/memtable"
	"github.com/sirixdb/sirix-sub007/pager"
	"github.com/sirixdb/sirix-sub007/segmentmanager"
	"github.com/sirixdb/sirix-sub007/types"
	"github.com/sirixdb/sirix-sub007/wal"
)

const (
	defaultWALBuffer      = 64
	defaultPageCacheSize  = 256
	defaultFlushThreshold = 4096

	walDirName   = "wal"
	tableDirName = "tables"
)

// Option configures a DB at construction time.
type Option func(*DB)

// WithFlushThreshold sets how many records the active memtable holds
// before Put triggers a flush to a new page table.
func WithFlushThreshold(n int) Option {
	return func(db *DB) { db.flushThreshold = n }
}

// WithWALBuffer sets the WAL writer's request buffer depth.
func WithWALBuffer(n int) Option {
	return func(db *DB) { db.walBuffer = n }
}

// WithPageCacheSize sets how many decoded pages the pager keeps in memory.
func WithPageCacheSize(n int) Option {
	return func(db *DB) { db.pageCacheSize = n }
}

// DB is the concrete implementation of the root package's DB interface.
type DB struct {
	mu sync.Mutex

	dir string
	w   *wal.Writer
	mt  memtable.Memtable[string, []byte]
	p   *pager.Pager

	tables []int // flushed table ids, oldest first

	flushThreshold int
	walBuffer      int
	pageCacheSize  int
}

// New opens (or creates) a database rooted at dir, replaying its WAL to
// rebuild the in-memory memtable before returning.
func New(dir string, opts ...Option) (*DB, error) {
	db := &DB{
		dir:            dir,
		flushThreshold: defaultFlushThreshold,
		walBuffer:      defaultWALBuffer,
		pageCacheSize:  defaultPageCacheSize,
	}
	for _, opt := range opts {
		opt(db)
	}

	walDir := filepath.Join(dir, walDirName)
	sm, err := segmentmanager.NewDiskSegmentManager(walDir)
	if err != nil {
		return nil, fmt.Errorf("engine: open wal directory: %w", err)
	}
	db.w = wal.NewWriter(db.walBuffer, sm)

	tableDir := filepath.Join(dir, tableDirName)
	p, err := pager.New(tableDir, db.pageCacheSize)
	if err != nil {
		_ = db.w.Close()
		return nil, fmt.Errorf("engine: open page directory: %w", err)
	}
	db.p = p

	tables, err := p.Tables()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("engine: discover flushed tables: %w", err)
	}
	db.tables = tables

	db.mt = memtable.NewSkipListMemtable[string, []byte]()
	if err := db.replayWAL(walDir); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("engine: replay wal: %w", err)
	}

	return db, nil
}

func (db *DB) replayWAL(walDir string) error {
	reader, err := wal.NewReader(walDir)
	if err != nil {
		return err
	}
	defer reader.Close()

	return reader.Replay(func(op types.Operation, key, value []byte) error {
		switch op {
		case types.Put:
			db.mt.Put(string(key), append([]byte(nil), value...))
		case types.Delete:
			db.mt.Put(string(key), nil)
		default:
			return fmt.Errorf("engine: unknown wal operation %v", op)
		}
		return nil
	})
}

// Put durably appends a Put entry to the WAL, then applies it to the
// active memtable, and flushes the memtable to a new page table once it
// holds flushThreshold records.
func (db *DB) Put(key, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.w.Write(wal.NewLog(types.Put, key, value)); err != nil {
		return fmt.Errorf("engine: put: %w", err)
	}
	db.mt.Put(string(key), append([]byte(nil), value...))

	return db.maybeFlushLocked()
}

// Delete durably appends a Delete entry to the WAL, then records a
// tombstone for key in the active memtable. The tombstone -- a Put of a
// nil value -- has to survive until it is itself flushed, so a later Get
// does not fall through to a stale value in an older, already-flushed
// table.
func (db *DB) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.w.Write(wal.NewLog(types.Delete, key, nil)); err != nil {
		return fmt.Errorf("engine: delete: %w", err)
	}
	db.mt.Put(string(key), nil)

	return db.maybeFlushLocked()
}

// Get checks the active memtable first, then the pager's flushed tables
// from most recently flushed to oldest, returning the first value found.
func (db *DB) Get(key []byte) ([]byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if v, ok := db.mt.Get(string(key)); ok {
		if v == nil {
			return nil, fmt.Errorf("engine: key %q not found", key)
		}
		return v, nil
	}

	for i := len(db.tables) - 1; i >= 0; i-- {
		v, found, err := db.p.Get(db.tables[i], key)
		if err != nil {
			return nil, fmt.Errorf("engine: get: %w", err)
		}
		if found {
			if v == nil {
				return nil, fmt.Errorf("engine: key %q not found", key)
			}
			return v, nil
		}
	}

	return nil, fmt.Errorf("engine: key %q not found", key)
}

func (db *DB) maybeFlushLocked() error {
	sl, ok := db.mt.(interface{ Len() int })
	if !ok || sl.Len() < db.flushThreshold {
		return nil
	}

	records := memtable.Flush(db.mt)
	tableID, err := db.p.FlushTable(records)
	if err != nil {
		return fmt.Errorf("engine: flush memtable: %w", err)
	}

	db.tables = append(db.tables, tableID)
	db.mt = memtable.NewSkipListMemtable[string, []byte]()

	return nil
}

// Close closes the WAL and the pager. The memtable is not flushed; its
// contents are rebuilt from the WAL by the next New.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var firstErr error
	if err := db.w.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("engine: close wal: %w", err)
	}
	if err := db.p.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("engine: close pager: %w", err)
	}
	return firstErr
}
