package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("storage: key not found")
	// ErrConflict is returned by Commit when one of the atomic checks fails.
	ErrConflict = errors.New("storage: atomic check failed")
	// ErrClosed is returned by operations on a closed database.
	ErrClosed = errors.New("storage: database closed")
)

// Database is a generic interface for a key-value store.
// This allows the service to run on any backend (in-memory or persistent).
type Database interface {
	Get(key []byte) ([]byte, error)
	Put(key []byte, value []byte) error
	Delete(key []byte) error
	// NewIterator returns a lazy, key-ordered scan over every key that starts
	// with prefix. Each call starts a fresh scan.
	NewIterator(prefix []byte) Iterator
	// Commit applies the atomic operation all-or-nothing.
	Commit(op *Atomic) error
	Close() error
}

// Iterator walks a key range. Key and Value are only valid until the next
// call to Next.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

// Backend names accepted by Open.
const (
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
	BackendSQLite  = "sqlite"
	BackendMemory  = "memory"
)

// Open creates the database for the named backend at path.
func Open(backend, path string) (Database, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendLevelDB:
		return NewLevelDB(path)
	case BackendBolt:
		return NewBoltDB(path)
	case BackendSQLite:
		return NewSQLiteDB(path)
	case BackendMemory:
		return NewMemDB(), nil
	default:
		return nil, fmt.Errorf("storage: unsupported backend %q", backend)
	}
}

// --- In-Memory DB (for testing) ---

type MemDB struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

func NewMemDB() *MemDB {
	return &MemDB{
		data: make(map[string][]byte),
	}
}

func (db *MemDB) Put(key []byte, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	db.data[string(key)] = cloneBytes(value)
	return nil
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	value, ok := db.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(value), nil
}

func (db *MemDB) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	delete(db.data, string(key))
	return nil
}

// NewIterator snapshots the matching keys; values are read as the scan
// advances so later writes to unvisited keys are observed.
func (db *MemDB) NewIterator(prefix []byte) Iterator {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return &memIterator{err: ErrClosed}
	}
	keys := make([]string, 0)
	for k := range db.data {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return &memIterator{db: db, keys: keys, pos: -1}
}

func (db *MemDB) Commit(op *Atomic) error {
	if op == nil {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	for _, check := range op.checks {
		current, ok := db.data[string(check.Key)]
		if !ok {
			current = nil
		}
		if !checkMatches(current, ok, check.Value) {
			return ErrConflict
		}
	}
	for _, m := range op.mutations {
		if m.Delete {
			delete(db.data, string(m.Key))
			continue
		}
		db.data[string(m.Key)] = cloneBytes(m.Value)
	}
	return nil
}

// Close satisfies the Database interface for MemDB.
func (db *MemDB) Close() error {
	db.mu.Lock()
	db.closed = true
	db.mu.Unlock()
	return nil
}

type memIterator struct {
	db    *MemDB
	keys  []string
	pos   int
	key   []byte
	value []byte
	err   error
}

func (it *memIterator) Next() bool {
	if it.err != nil || it.db == nil {
		return false
	}
	for {
		it.pos++
		if it.pos >= len(it.keys) {
			return false
		}
		value, err := it.db.Get([]byte(it.keys[it.pos]))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			it.err = err
			return false
		}
		it.key = []byte(it.keys[it.pos])
		it.value = value
		return true
	}
}

func (it *memIterator) Key() []byte   { return it.key }
func (it *memIterator) Value() []byte { return it.value }
func (it *memIterator) Error() error  { return it.err }
func (it *memIterator) Release()      { it.keys = nil }

// --- Persistent DB (for production) ---

// LevelDB is a persistent key-value store using LevelDB. LevelDB holds an
// exclusive file lock, so commitMu is enough to make check-then-write atomic.
type LevelDB struct {
	db       *leveldb.DB
	commitMu sync.Mutex
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

// Put inserts or updates a key-value pair.
func (ldb *LevelDB) Put(key []byte, value []byte) error {
	ldb.commitMu.Lock()
	defer ldb.commitMu.Unlock()
	return ldb.db.Put(key, value, nil)
}

// Get retrieves a value for a given key.
func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := ldb.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

// Delete removes a key; deleting an absent key is not an error.
func (ldb *LevelDB) Delete(key []byte) error {
	ldb.commitMu.Lock()
	defer ldb.commitMu.Unlock()
	return ldb.db.Delete(key, nil)
}

func (ldb *LevelDB) NewIterator(prefix []byte) Iterator {
	return ldb.db.NewIterator(util.BytesPrefix(prefix), nil)
}

// Commit evaluates the checks and writes the mutations as one synced batch.
func (ldb *LevelDB) Commit(op *Atomic) error {
	if op == nil {
		return nil
	}
	ldb.commitMu.Lock()
	defer ldb.commitMu.Unlock()
	for _, check := range op.checks {
		current, err := ldb.db.Get(check.Key, nil)
		found := true
		if errors.Is(err, leveldb.ErrNotFound) {
			found = false
		} else if err != nil {
			return err
		}
		if !checkMatches(current, found, check.Value) {
			return ErrConflict
		}
	}
	batch := new(leveldb.Batch)
	for _, m := range op.mutations {
		if m.Delete {
			batch.Delete(m.Key)
			continue
		}
		batch.Put(m.Key, m.Value)
	}
	return ldb.db.Write(batch, &opt.WriteOptions{Sync: true})
}

// Close closes the database connection.
func (ldb *LevelDB) Close() error {
	return ldb.db.Close()
}

func checkMatches(current []byte, found bool, expected []byte) bool {
	if expected == nil {
		return !found
	}
	return found && bytes.Equal(current, expected)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
