package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/l0p7/resilcache/internal/badgerdb"
)

// Spool persists queued commands so they survive a restart. Put is an
// upsert keyed by command ID.
type Spool interface {
	Put(ctx context.Context, cmd Command) error
	Delete(ctx context.Context, id uuid.UUID) error
	// Load returns every surviving command in Seq order.
	Load(ctx context.Context) ([]Command, error)
}

type memorySpool struct {
	mu   sync.Mutex
	cmds map[uuid.UUID]Command
}

// NewMemorySpool keeps commands for the life of the process only.
func NewMemorySpool() Spool {
	return &memorySpool{cmds: make(map[uuid.UUID]Command)}
}

func (s *memorySpool) Put(_ context.Context, cmd Command) error {
	s.mu.Lock()
	s.cmds[cmd.ID] = cmd.clone()
	s.mu.Unlock()
	return nil
}

func (s *memorySpool) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	delete(s.cmds, id)
	s.mu.Unlock()
	return nil
}

func (s *memorySpool) Load(context.Context) ([]Command, error) {
	s.mu.Lock()
	out := make([]Command, 0, len(s.cmds))
	for _, c := range s.cmds {
		out = append(out, c.clone())
	}
	s.mu.Unlock()
	sortBySeq(out)
	return out, nil
}

var spoolPrefix = []byte("queue/cmd/")

type badgerSpool struct {
	db *badgerdb.DB
}

// NewBadgerSpool stores commands as JSON under queue/cmd/<id>. The caller
// owns db.
func NewBadgerSpool(db *badgerdb.DB) Spool {
	return &badgerSpool{db: db}
}

func spoolKey(id uuid.UUID) []byte {
	return append(append([]byte(nil), spoolPrefix...), id.String()...)
}

func (s *badgerSpool) Put(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("queue: encode %s: %w", cmd.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(spoolKey(cmd.ID), raw)
	})
}

func (s *badgerSpool) Delete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(spoolKey(id))
	})
}

func (s *badgerSpool) Load(ctx context.Context) ([]Command, error) {
	var out []Command
	var decodeErrs []error
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = spoolPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var cmd Command
			if err := json.Unmarshal(raw, &cmd); err != nil {
				decodeErrs = append(decodeErrs, fmt.Errorf("queue: decode %s: %w", item.Key(), err))
				continue
			}
			out = append(out, cmd)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: load spool: %w", err)
	}
	sortBySeq(out)
	return out, errors.Join(decodeErrs...)
}

func sortBySeq(cmds []Command) {
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Seq < cmds[j].Seq })
}
