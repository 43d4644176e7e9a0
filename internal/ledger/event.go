package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Stage is a step in the custody chain of a batch or product.
type Stage string

const (
	StageOrigin        Stage = "Origin"
	StageTransport     Stage = "Transport"
	StageProcessing    Stage = "Processing"
	StageManufacturing Stage = "Manufacturing"
	StageRetail        Stage = "Retail"
)

// Stages lists every stage in canonical order.
var Stages = []Stage{StageOrigin, StageTransport, StageProcessing, StageManufacturing, StageRetail}

// Rank returns the position of s in the canonical order, or -1 if s is unknown.
func (s Stage) Rank() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is one of the canonical stages.
func (s Stage) Valid() bool { return s.Rank() >= 0 }

// ParseStage maps a case-insensitive stage name onto its canonical form.
func ParseStage(raw string) (Stage, error) {
	for _, st := range Stages {
		if strings.EqualFold(strings.TrimSpace(raw), string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", raw)
}

// Status is the confirmation state recorded with an event.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusConfirmed Status = "Confirmed"
	StatusFailed    Status = "Failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusFailed:
		return true
	}
	return false
}

// Event is a single custody record in a chain. Once committed it is never
// modified; Digest links it to its predecessor through ParentDigest.
type Event struct {
	EventID      string    `json:"event_id"`
	ChainKey     string    `json:"chain_key"`
	Seq          int64     `json:"seq"`
	ParentID     string    `json:"parent_id,omitempty"`
	ParentDigest string    `json:"parent_digest,omitempty"`
	Stage        Stage     `json:"stage"`
	ActorID      string    `json:"actor_id"`
	ActorRole    string    `json:"actor_role"`
	Location     string    `json:"location"`
	GPS          string    `json:"gps,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Status       Status    `json:"status"`
	Detail       string    `json:"detail"`
	Digest       string    `json:"digest"`
	CommittedAt  time.Time `json:"committed_at"`
}

// IsOrigin reports whether e starts its chain.
func (e *Event) IsOrigin() bool { return e.ParentDigest == "" }

// ComputeDigest recomputes the integrity digest of e from its hashed fields.
func (e *Event) ComputeDigest() string {
	return ComputeDigest(e.ParentDigest, e.Stage, e.ActorID, e.Timestamp, e.Detail)
}

func (e *Event) clone() *Event {
	cp := *e
	return &cp
}

// ComputeDigest returns the hex SHA-256 over the parent digest, stage, actor,
// timestamp and detail. Each field is length-prefixed so that distinct field
// tuples never share an encoding.
func ComputeDigest(parentDigest string, stage Stage, actorID string, ts time.Time, detail string) string {
	h := sha256.New()
	for _, f := range []string{
		parentDigest,
		string(stage),
		actorID,
		ts.UTC().Format(time.RFC3339Nano),
		detail,
	} {
		fmt.Fprintf(h, "%d:%s|", len(f), f)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Now returns the current time at the precision every store preserves.
func Now() time.Time {
	return normalizeTime(time.Now())
}

// normalizeTime truncates to microseconds, the resolution of PostgreSQL
// timestamptz, so digests survive a storage round-trip.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
