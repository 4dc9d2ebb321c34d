// Package records keeps the append-only record log of each address. Records
// never touch the ledger; their indices come from the account's record
// counter in custody.
package records

import (
	"bytes"
	"context"
	"iter"
	"log/slog"

	errs "didmovement/core/errors"
	"didmovement/crypto"
	"didmovement/storage"
)

// MaxPayloadSize bounds a single record payload.
const MaxPayloadSize = 64 << 10

// Entry is one immutable record of an address.
type Entry struct {
	Address string `json:"address"`
	Index   uint64 `json:"index"`
	Payload string `json:"payload"`
}

// Counter hands out record indices and commits the staged record write
// together with the counter increment.
type Counter interface {
	NextRecordIndex(ctx context.Context, addr crypto.Address, stage func(index uint64, op *storage.Atomic) error) (uint64, error)
}

// Key is the store key of record index of addr.
func Key(addr crypto.Address, index uint64) []byte {
	return storage.Key("records", addr.String(), index)
}

func prefix(addr crypto.Address) []byte {
	return storage.Key("records", addr.String())
}

// Log appends and lists records.
type Log struct {
	db      storage.Database
	counter Counter
	logger  *slog.Logger
}

// New returns a record log over db.
func New(db storage.Database, counter Counter, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{db: db, counter: counter, logger: logger.With("component", "records")}
}

// InsertRecord appends payload to the log of addr and returns its index.
// Concurrent inserts for one address receive distinct, gap-free indices.
func (l *Log) InsertRecord(ctx context.Context, addr crypto.Address, payload string) (uint64, error) {
	const op = "records.insert"
	if payload == "" {
		return 0, errs.E(errs.ErrInvalidArgument, op, "record payload is required")
	}
	if len(payload) > MaxPayloadSize {
		return 0, errs.E(errs.ErrInvalidArgument, op, "record payload exceeds %d bytes", MaxPayloadSize)
	}
	index, err := l.counter.NextRecordIndex(ctx, addr, func(index uint64, commit *storage.Atomic) error {
		key := Key(addr, index)
		commit.Check(key, nil).Set(key, []byte(payload))
		return nil
	})
	if err != nil {
		return 0, err
	}
	l.logger.Debug("record inserted", "address", addr.String(), "index", index)
	return index, nil
}

// ListRecords yields the records of addr in ascending index order. Every
// range over the returned sequence starts a fresh scan. An address without
// records yields nothing.
func (l *Log) ListRecords(ctx context.Context, addr crypto.Address) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		const op = "records.list"
		it := l.db.NewIterator(prefix(addr))
		defer it.Release()
		for it.Next() {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			key := it.Key()
			index, ok := TrailingIndex(addr, key)
			if !ok {
				continue
			}
			entry := Entry{Address: addr.String(), Index: index, Payload: string(bytes.Clone(it.Value()))}
			if !yield(entry, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(Entry{}, errs.Wrap(errs.ErrStoreUnavailable, op, err))
		}
	}
}

// Collect drains ListRecords into a slice.
func (l *Log) Collect(ctx context.Context, addr crypto.Address) ([]Entry, error) {
	out := []Entry{}
	for entry, err := range l.ListRecords(ctx, addr) {
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// TrailingIndex extracts the index from a record key of addr. Keys of other
// shapes under the same prefix are rejected.
func TrailingIndex(addr crypto.Address, key []byte) (uint64, bool) {
	p := prefix(addr)
	if !bytes.HasPrefix(key, p) || len(key) != len(p)+9 {
		return 0, false
	}
	return storage.TrailingUint(key)
}
