package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Entry is a copy of one cached value. Callers never hold references into the
// store's working state.
type Entry struct {
	Key       string        `json:"key"`
	Value     []byte        `json:"value"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	TTL       time.Duration `json:"ttl"`
	Version   uint64        `json:"version"`
}

// ExpiresAt is the instant after which the entry is eligible for eviction.
func (e Entry) ExpiresAt() time.Time {
	return e.UpdatedAt.Add(e.TTL)
}

// Expired reports whether the entry is past its TTL at now.
func (e Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.ExpiresAt())
}

func (e Entry) clone() Entry {
	out := e
	out.Value = slices.Clone(e.Value)
	return out
}

// SnapshotRecord is an immutable point-in-time dump of the store.
type SnapshotRecord struct {
	ID        uint64    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Entries   []Entry   `json:"entries"`
	Checksum  string    `json:"checksum"`
}

// Len returns the number of entries in the snapshot.
func (r SnapshotRecord) Len() int { return len(r.Entries) }

// Verify recomputes the checksum over the key-ordered entries.
func (r SnapshotRecord) Verify() error {
	if !slices.IsSortedFunc(r.Entries, func(a, b Entry) int { return strings.Compare(a.Key, b.Key) }) {
		return fmt.Errorf("%w: snapshot %d entries not ordered by key", ErrCorruption, r.ID)
	}
	if got := checksumEntries(r.Entries); got != r.Checksum {
		return fmt.Errorf("%w: snapshot %d checksum mismatch", ErrCorruption, r.ID)
	}
	return nil
}

func newSnapshotRecord(id uint64, createdAt time.Time, entries []Entry) SnapshotRecord {
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Key, b.Key) })
	return SnapshotRecord{
		ID:        id,
		CreatedAt: createdAt,
		Entries:   entries,
		Checksum:  checksumEntries(entries),
	}
}

// checksumEntries hashes length-prefixed fields so distinct entry sets cannot
// collide by concatenation.
func checksumEntries(entries []Entry) string {
	h := sha256.New()
	var scratch [8]byte
	writeField := func(b []byte) {
		binary.BigEndian.PutUint64(scratch[:], uint64(len(b)))
		h.Write(scratch[:])
		h.Write(b)
	}
	writeInt := func(v int64) {
		binary.BigEndian.PutUint64(scratch[:], uint64(v))
		h.Write(scratch[:])
	}
	for _, e := range entries {
		writeField([]byte(e.Key))
		writeField(e.Value)
		writeInt(e.CreatedAt.UnixNano())
		writeInt(e.UpdatedAt.UnixNano())
		writeInt(int64(e.TTL))
		writeInt(int64(e.Version))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sameEntry(a, b Entry) bool {
	return a.Key == b.Key && a.Version == b.Version && bytes.Equal(a.Value, b.Value)
}
