package conflict

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/l0p7/resilcache/internal/confidence"
)

var (
	ErrNotFound         = errors.New("conflict: not found")
	ErrNotPending       = errors.New("conflict: already resolved")
	ErrInvalidCandidate = errors.New("conflict: candidate index out of range")
	ErrInvalidOrigin    = errors.New("conflict: unknown origin")
)

// Origin attributes a candidate to where it came from.
type Origin string

const (
	OriginCache         Origin = "cache"
	OriginRemote        Origin = "remote"
	OriginLocalOverride Origin = "local_override"
)

// ParseOrigin accepts the three known origins.
func ParseOrigin(value string) (Origin, error) {
	switch o := Origin(value); o {
	case OriginCache, OriginRemote, OriginLocalOverride:
		return o, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOrigin, value)
	}
}

// SourceValue is one candidate value for a key.
type SourceValue struct {
	Origin     Origin    `json:"origin"`
	Value      []byte    `json:"value"`
	ObservedAt time.Time `json:"observedAt"`
	TrustScore float64   `json:"trustScore"`
}

func (s SourceValue) clone() SourceValue {
	s.Value = slices.Clone(s.Value)
	return s
}

func (s SourceValue) candidate() confidence.Candidate {
	return confidence.Candidate{
		Origin:     string(s.Origin),
		Value:      s.Value,
		ObservedAt: s.ObservedAt,
		TrustScore: s.TrustScore,
	}
}

// Resolution is the state of a key's conflict.
type Resolution string

const (
	NoConflict   Resolution = "no_conflict"
	Pending      Resolution = "pending"
	AutoResolved Resolution = "auto_resolved"
	UserAccepted Resolution = "user_accepted"
	UserRejected Resolution = "user_rejected"
)

// Resolved reports whether r is a terminal state.
func (r Resolution) Resolved() bool {
	return r == AutoResolved || r == UserAccepted || r == UserRejected
}

// Entry is a conflict between divergent candidates for one key. Callers
// receive copies.
type Entry struct {
	ID          uuid.UUID          `json:"id"`
	Key         string             `json:"key"`
	Sources     []SourceValue      `json:"sources"`
	Resolution  Resolution         `json:"resolution"`
	Confidence  float64            `json:"confidence"`
	ReasonCodes []string           `json:"reasonCodes"`
	Scores      []confidence.Score `json:"scores"`
	// Winner indexes Sources; -1 while pending or after rejection.
	Winner      int       `json:"winner"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUpdated time.Time `json:"lastUpdated"`
}

func (e *Entry) clone() Entry {
	out := *e
	out.Sources = make([]SourceValue, len(e.Sources))
	for i, s := range e.Sources {
		out.Sources[i] = s.clone()
	}
	out.ReasonCodes = slices.Clone(e.ReasonCodes)
	out.Scores = slices.Clone(e.Scores)
	return out
}

// Decision is a user's verdict on a pending conflict.
type Decision struct {
	Accept bool
	Index  int
}

// Accept chooses the candidate at index.
func Accept(index int) Decision { return Decision{Accept: true, Index: index} }

// Reject keeps the current cache value and records every candidate as
// rejected.
func Reject() Decision { return Decision{Index: -1} }

// Outcome reports what Submit did.
type Outcome struct {
	Resolution  Resolution `json:"resolution"`
	ConflictID  uuid.UUID  `json:"conflictId"`
	Committed   bool       `json:"committed"`
	Confidence  float64    `json:"confidence"`
	ReasonCodes []string   `json:"reasonCodes"`
}

// Event announces a conflict transition to subscribers.
type Event struct {
	ID         uuid.UUID  `json:"id"`
	Key        string     `json:"key"`
	Resolution Resolution `json:"resolution"`
	Confidence float64    `json:"confidence"`
	At         time.Time  `json:"at"`
}

// Stats counts transitions since start.
type Stats struct {
	Pending      int    `json:"pending"`
	Retained     int    `json:"retained"`
	Direct       uint64 `json:"direct"`
	AutoResolved uint64 `json:"autoResolved"`
	UserAccepted uint64 `json:"userAccepted"`
	UserRejected uint64 `json:"userRejected"`
	Purged       uint64 `json:"purged"`
}
