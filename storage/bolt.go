package storage

import (
	"bytes"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

var kvBucket = []byte("kv")

// BoltDB stores every tuple key in a single bbolt bucket. Commit runs inside
// one read-write transaction, so checks and writes are atomic across
// goroutines and processes sharing the file.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens or creates the bbolt file at path.
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(kvBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltDB{db: db}, nil
}

func (b *BoltDB) Get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(kvBucket).Get(key)
		if value == nil {
			return ErrNotFound
		}
		out = cloneBytes(value)
		return nil
	})
	return out, err
}

func (b *BoltDB) Put(key []byte, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Put(key, nonNil(value))
	})
}

func (b *BoltDB) Delete(key []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Delete(key)
	})
}

// NewIterator holds a read transaction open until Release.
func (b *BoltDB) NewIterator(prefix []byte) Iterator {
	tx, err := b.db.Begin(false)
	if err != nil {
		return &boltIterator{err: err}
	}
	return &boltIterator{
		tx:     tx,
		cursor: tx.Bucket(kvBucket).Cursor(),
		prefix: cloneBytes(prefix),
	}
}

func (b *BoltDB) Commit(op *Atomic) error {
	if op.Empty() {
		return nil
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(kvBucket)
		for _, check := range op.checks {
			current := bucket.Get(check.Key)
			if !checkMatches(current, current != nil, check.Value) {
				return ErrConflict
			}
		}
		for _, m := range op.mutations {
			if m.Delete {
				if err := bucket.Delete(m.Key); err != nil {
					return err
				}
				continue
			}
			if err := bucket.Put(m.Key, nonNil(m.Value)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltDB) Close() error {
	return b.db.Close()
}

type boltIterator struct {
	tx      *bolt.Tx
	cursor  *bolt.Cursor
	prefix  []byte
	started bool
	key     []byte
	value   []byte
	err     error
}

func (it *boltIterator) Next() bool {
	if it.err != nil || it.cursor == nil {
		return false
	}
	var k, v []byte
	if !it.started {
		it.started = true
		k, v = it.cursor.Seek(it.prefix)
	} else {
		k, v = it.cursor.Next()
	}
	if k == nil || !bytes.HasPrefix(k, it.prefix) {
		it.Release()
		return false
	}
	it.key = cloneBytes(k)
	it.value = cloneBytes(v)
	return true
}

func (it *boltIterator) Key() []byte   { return it.key }
func (it *boltIterator) Value() []byte { return it.value }
func (it *boltIterator) Error() error  { return it.err }

func (it *boltIterator) Release() {
	if it.tx == nil {
		return
	}
	if err := it.tx.Rollback(); err != nil && !errors.Is(err, bolt.ErrTxClosed) && it.err == nil {
		it.err = err
	}
	it.tx = nil
	it.cursor = nil
}

// bbolt rejects nil values.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
