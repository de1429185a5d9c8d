package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/l0p7/resilcache/internal/badgerdb"
)

var livePrefix = []byte("entry/")

type badgerBackend struct {
	db *badgerdb.DB
}

// NewBadgerBackend persists records in an embedded badger database. The
// backend takes ownership of db and closes it on Close.
func NewBadgerBackend(db *badgerdb.DB) (Backend, error) {
	if db == nil {
		return nil, errors.New("store: badger database required")
	}
	return &badgerBackend{db: db}, nil
}

func liveKey(key string) []byte {
	return append(append([]byte{}, livePrefix...), key...)
}

func (b *badgerBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var sealed []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(liveKey(key))
		if err != nil {
			return err
		}
		sealed, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: badger get: %w", err)
	}
	return sealed, true, nil
}

func (b *badgerBackend) Put(ctx context.Context, key string, sealed []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(liveKey(key), sealed)
	}); err != nil {
		return fmt.Errorf("store: badger put: %w", err)
	}
	return nil
}

func (b *badgerBackend) Evict(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(liveKey(key))
	}); err != nil {
		return fmt.Errorf("store: badger delete: %w", err)
	}
	return nil
}

func (b *badgerBackend) Snapshot(ctx context.Context) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = livePrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			sealed, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[string(item.Key()[len(livePrefix):])] = sealed
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: badger scan: %w", err)
	}
	return out, nil
}

// Hydrate writes records and only then removes live records outside the set,
// so an interrupted hydrate never leaves the keyspace empty.
func (b *badgerBackend) Hydrate(ctx context.Context, records map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for key, sealed := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := wb.Set(liveKey(key), sealed); err != nil {
			return fmt.Errorf("store: badger batch set: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("store: badger batch flush: %w", err)
	}

	var stale [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = livePrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if _, keep := records[string(key[len(livePrefix):])]; !keep {
				stale = append(stale, key)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: badger scan: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	del := b.db.NewWriteBatch()
	defer del.Cancel()
	for _, key := range stale {
		if err := del.Delete(key); err != nil {
			return fmt.Errorf("store: badger batch delete: %w", err)
		}
	}
	if err := del.Flush(); err != nil {
		return fmt.Errorf("store: badger batch flush: %w", err)
	}
	return nil
}

func (b *badgerBackend) Ping(context.Context) error {
	if b.db.IsClosed() {
		return errors.New("store: badger closed")
	}
	return nil
}

func (b *badgerBackend) Close(context.Context) error {
	return b.db.Close()
}
