// Package queue is the offline transport queue: commands bound for remote
// destinations are spooled locally and delivered at least once, FIFO per
// destination, with exponential backoff between failed attempts.
package queue

import (
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/l0p7/resilcache/internal/reasons"
)

var (
	ErrUnknownDestination = errors.New("queue: unknown destination")
	ErrClosed             = errors.New("queue: closed")
)

// Command is one queued delivery.
type Command struct {
	ID            uuid.UUID     `json:"id"`
	Destination   string        `json:"destination"`
	Payload       []byte        `json:"payload"`
	EnqueuedAt    time.Time     `json:"enqueuedAt"`
	Attempts      int           `json:"attempts"`
	NextAttemptAt time.Time     `json:"nextAttemptAt"`
	MaxStaleness  time.Duration `json:"maxStaleness"`
	// Critical commands are the last to be dropped on overflow.
	Critical bool `json:"critical"`
	// Seq orders commands across restarts.
	Seq uint64 `json:"seq"`
}

func (c Command) clone() Command {
	c.Payload = slices.Clone(c.Payload)
	return c
}

// Stale reports whether the command outlived its staleness bound at now. A
// zero bound never goes stale.
func (c Command) Stale(now time.Time) bool {
	return c.MaxStaleness > 0 && now.Sub(c.EnqueuedAt) > c.MaxStaleness
}

// Drop records a command that left the queue without being delivered.
type Drop struct {
	Command Command      `json:"command"`
	Reason  reasons.Code `json:"reason"`
}

// DrainReport summarises one drain pass.
type DrainReport struct {
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
	Dropped   []Drop `json:"dropped,omitempty"`
	Remaining int    `json:"remaining"`
}

func (r *DrainReport) merge(other DrainReport) {
	r.Delivered += other.Delivered
	r.Failed += other.Failed
	r.Dropped = append(r.Dropped, other.Dropped...)
}

// Stats counts queue activity since start.
type Stats struct {
	Depth     int               `json:"depth"`
	Lanes     int               `json:"lanes"`
	Enqueued  uint64            `json:"enqueued"`
	Delivered uint64            `json:"delivered"`
	Retried   uint64            `json:"retried"`
	Dropped   map[string]uint64 `json:"dropped"`
	Failing   []string          `json:"failing,omitempty"`
}
