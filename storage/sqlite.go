package storage

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb/util"
	_ "modernc.org/sqlite"
)

const sqlitePageSize = 256

// SQLiteDB keeps tuple keys in a single two-column table. The connection pool
// is pinned to one connection, which serialises writers inside the process.
type SQLiteDB struct {
	db       *sql.DB
	commitMu sync.Mutex
}

// NewSQLiteDB opens or creates the SQLite file at path.
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	store := &SQLiteDB{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteDB) init() error {
	schema := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS kv (
            k BLOB PRIMARY KEY,
            v BLOB NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteDB) Get(key []byte) ([]byte, error) {
	row := s.db.QueryRow(`SELECT v FROM kv WHERE k = ?`, key)
	var value []byte
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return nonNil(value), nil
}

func (s *SQLiteDB) Put(key []byte, value []byte) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	_, err := s.db.Exec(`INSERT INTO kv(k, v) VALUES(?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`, key, nonNil(value))
	return err
}

func (s *SQLiteDB) Delete(key []byte) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	_, err := s.db.Exec(`DELETE FROM kv WHERE k = ?`, key)
	return err
}

// NewIterator pages through the range so no connection is held between
// calls to Next.
func (s *SQLiteDB) NewIterator(prefix []byte) Iterator {
	r := util.BytesPrefix(prefix)
	return &sqliteIterator{db: s.db, start: r.Start, limit: r.Limit}
}

func (s *SQLiteDB) Commit(op *Atomic) error {
	if op.Empty() {
		return nil
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, check := range op.checks {
		var current []byte
		found := true
		err := tx.QueryRow(`SELECT v FROM kv WHERE k = ?`, check.Key).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
		} else if err != nil {
			return err
		}
		if !checkMatches(nonNil(current), found, check.Value) {
			return ErrConflict
		}
	}
	for _, m := range op.mutations {
		if m.Delete {
			if _, err := tx.Exec(`DELETE FROM kv WHERE k = ?`, m.Key); err != nil {
				return err
			}
			continue
		}
		if _, err := tx.Exec(`INSERT INTO kv(k, v) VALUES(?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`, m.Key, nonNil(m.Value)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

type sqliteIterator struct {
	db    *sql.DB
	start []byte
	limit []byte
	after []byte
	page  []kvPair
	pos   int
	done  bool
	key   []byte
	value []byte
	err   error
}

type kvPair struct {
	key   []byte
	value []byte
}

func (it *sqliteIterator) Next() bool {
	if it.err != nil || it.db == nil {
		return false
	}
	if it.pos >= len(it.page) {
		if it.done {
			return false
		}
		if err := it.fetch(); err != nil {
			it.err = err
			return false
		}
		if len(it.page) == 0 {
			return false
		}
	}
	pair := it.page[it.pos]
	it.pos++
	it.key, it.value = pair.key, pair.value
	it.after = pair.key
	return true
}

func (it *sqliteIterator) fetch() error {
	var (
		rows *sql.Rows
		err  error
	)
	lower := it.start
	op := ">="
	if it.after != nil {
		lower = it.after
		op = ">"
	}
	if lower == nil {
		lower = []byte{}
	}
	if it.limit == nil {
		rows, err = it.db.Query(`SELECT k, v FROM kv WHERE k `+op+` ? ORDER BY k LIMIT ?`, lower, sqlitePageSize)
	} else {
		rows, err = it.db.Query(`SELECT k, v FROM kv WHERE k `+op+` ? AND k < ? ORDER BY k LIMIT ?`, lower, it.limit, sqlitePageSize)
	}
	if err != nil {
		return err
	}
	defer rows.Close()
	it.page = it.page[:0]
	it.pos = 0
	for rows.Next() {
		var pair kvPair
		if err := rows.Scan(&pair.key, &pair.value); err != nil {
			return err
		}
		pair.value = nonNil(pair.value)
		it.page = append(it.page, pair)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(it.page) < sqlitePageSize {
		it.done = true
	}
	return nil
}

func (it *sqliteIterator) Key() []byte   { return it.key }
func (it *sqliteIterator) Value() []byte { return it.value }
func (it *sqliteIterator) Error() error  { return it.err }

func (it *sqliteIterator) Release() {
	it.page = nil
	it.db = nil
}
