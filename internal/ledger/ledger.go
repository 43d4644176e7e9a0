package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a chain or event does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrStaleParent is returned when an event's parent digest is not the
	// current head of its chain. Callers may re-read the head and retry.
	ErrStaleParent = errors.New("ledger: stale parent")
	// ErrDuplicateEvent is returned when the event identifier is already stored.
	ErrDuplicateEvent = errors.New("ledger: duplicate event")
	// ErrDigestMismatch is returned when a caller-supplied digest does not
	// match the digest recomputed by the store.
	ErrDigestMismatch = errors.New("ledger: digest mismatch")
	// ErrInvalidEvent is returned for events missing required fields.
	ErrInvalidEvent = errors.New("ledger: invalid event")
)

// Store is the append-only custody log. MemoryStore, PostgresStore and
// SQLiteStore implement it.
type Store interface {
	// Append commits ev as the new head of chainKey. ev.ParentDigest must
	// equal the current head digest (empty for a new chain). The returned
	// event carries the assigned sequence number, parent id and digest.
	Append(ctx context.Context, chainKey string, ev *Event) (*Event, error)

	// Head returns the newest event of chainKey, or ErrNotFound.
	Head(ctx context.Context, chainKey string) (*Event, error)

	// Chain returns the events of chainKey oldest first. An unknown chain
	// yields an empty slice.
	Chain(ctx context.Context, chainKey string) ([]*Event, error)

	// Verify recomputes every digest of chainKey and checks parent linkage.
	// It returns false when the chain has been tampered with and
	// ErrNotFound when the chain does not exist.
	Verify(ctx context.Context, chainKey string) (bool, error)

	// ChainExists reports whether chainKey has at least one event.
	ChainExists(ctx context.Context, chainKey string) (bool, error)

	// EventExists reports whether an event with this identifier is stored.
	EventExists(ctx context.Context, eventID string) (bool, error)

	// Keys lists chain keys in lexical order.
	Keys(ctx context.Context, limit, offset int) ([]string, error)

	// Recent returns the latest committed events across all chains, newest first.
	Recent(ctx context.Context, limit int) ([]*Event, error)

	// Stats summarises the ledger contents.
	Stats(ctx context.Context) (*Stats, error)
}

// Stats is a snapshot of ledger totals.
type Stats struct {
	Chains        int           `json:"chains"`
	Events        int           `json:"events"`
	EventsByStage map[Stage]int `json:"events_by_stage"`
}

func newStats() *Stats {
	return &Stats{EventsByStage: make(map[Stage]int, len(Stages))}
}

// validate checks the fields a caller must supply before an append.
func validate(chainKey string, ev *Event) error {
	switch {
	case ev == nil:
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	case chainKey == "":
		return fmt.Errorf("%w: empty chain key", ErrInvalidEvent)
	case ev.EventID == "":
		return fmt.Errorf("%w: empty event id", ErrInvalidEvent)
	case !ev.Stage.Valid():
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidEvent, ev.Stage)
	case ev.ActorID == "":
		return fmt.Errorf("%w: empty actor", ErrInvalidEvent)
	case ev.Timestamp.IsZero():
		return fmt.Errorf("%w: zero timestamp", ErrInvalidEvent)
	case ev.Status != "" && !ev.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, ev.Status)
	}
	return nil
}

// seal links ev to head and computes its digest. It is called by every store
// while holding the chain's append lock, so the parent check, sequence
// number and digest are assigned atomically.
func seal(chainKey string, head, ev *Event, now time.Time) (*Event, error) {
	headDigest := ""
	if head != nil {
		headDigest = head.Digest
	}
	if ev.ParentDigest != headDigest {
		return nil, ErrStaleParent
	}

	out := ev.clone()
	out.ChainKey = chainKey
	out.Timestamp = normalizeTime(out.Timestamp)
	if out.Status == "" {
		out.Status = StatusConfirmed
	}
	if head == nil {
		out.Seq = 1
		out.ParentID = ""
	} else {
		out.Seq = head.Seq + 1
		out.ParentID = head.EventID
	}

	digest := out.ComputeDigest()
	if out.Digest != "" && out.Digest != digest {
		return nil, ErrDigestMismatch
	}
	out.Digest = digest
	out.CommittedAt = normalizeTime(now)
	return out, nil
}

// VerifyChain walks a chain oldest first and checks linkage, sequence
// contiguity, the single origin and every digest. Stores use it for Verify;
// readers holding a chain use it to check exactly the events they return.
func VerifyChain(chainKey string, events []*Event) bool {
	var prev *Event
	for i, e := range events {
		if e.ChainKey != chainKey || e.Seq != int64(i+1) {
			return false
		}
		if prev == nil {
			if e.ParentDigest != "" || e.ParentID != "" {
				return false
			}
		} else if e.ParentDigest != prev.Digest || e.ParentID != prev.EventID {
			return false
		}
		if e.Digest != e.ComputeDigest() {
			return false
		}
		prev = e
	}
	return true
}
