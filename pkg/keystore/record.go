// Package keystore persists per-tag key material and provisioning state.
//
// A Record is written before and after every key change so that an
// interrupted run can be resumed without losing track of which key is on
// the tag. Every Store implementation writes a whole record atomically.
package keystore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/barnettlynn/sdmprov/pkg/ntag424"
)

// ErrNotFound is returned by Load when no record exists for a UID.
var ErrNotFound = errors.New("keystore: record not found")

// Store loads and saves tag records. Save replaces the whole record for
// its UID atomically and stamps LastModified.
type Store interface {
	Load(ctx context.Context, uid [7]byte) (*Record, error)
	Save(ctx context.Context, rec *Record) error
	List(ctx context.Context) ([]*Record, error)
	Close() error
}

// Status is the provisioning lifecycle state of a tag.
type Status string

const (
	StatusFactory     Status = "factory"
	StatusPending     Status = "pending"
	StatusProvisioned Status = "provisioned"
	StatusFailed      Status = "failed"
)

// ParseStatus parses the lower-case status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusFactory, StatusPending, StatusProvisioned, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// CanTransition reports whether the lifecycle allows moving to next.
//
//	factory -> pending
//	pending -> provisioned | failed | factory (reset finished)
//	provisioned -> pending
//	failed -> pending
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusFactory, StatusProvisioned, StatusFailed:
		return next == StatusPending
	case StatusPending:
		return next == StatusProvisioned || next == StatusFailed || next == StatusFactory
	}
	return false
}

// Operation names the kind of run a pending record belongs to.
type Operation string

const (
	OpProvision Operation = "provision"
	OpReset     Operation = "reset"
)

// SlotSet is a bit set of key slots 0..4.
type SlotSet uint8

// Has reports whether slot is in the set.
func (s SlotSet) Has(slot byte) bool { return slot < 5 && s&(1<<slot) != 0 }

// With returns the set with slot added.
func (s SlotSet) With(slot byte) SlotSet { return s | 1<<slot }

// Without returns the set with slot removed.
func (s SlotSet) Without(slot byte) SlotSet { return s &^ (1 << slot) }

// Slots lists the members in ascending order.
func (s SlotSet) Slots() []byte {
	var out []byte
	for i := byte(0); i < 5; i++ {
		if s.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

func slotSetOf(slots []int) (SlotSet, error) {
	var s SlotSet
	for _, v := range slots {
		if v < 0 || v > 4 {
			return 0, fmt.Errorf("slot %d out of range 0..4", v)
		}
		s = s.With(byte(v))
	}
	return s, nil
}

func (s SlotSet) ints() []int {
	var out []int
	for _, v := range s.Slots() {
		out = append(out, int(v))
	}
	return out
}

// Record is the persisted state of one tag.
//
// Keys holds what is believed to be on the tag. Staged holds the target
// keys of the current run. A slot in Applied has been changed to its staged
// value and Keys already reflects it. A slot in InFlight had its ChangeKey
// sent without a confirmed outcome, so the tag holds either Keys or Staged
// for it. Operation is set while a run is unfinished.
type Record struct {
	UID          [7]byte
	Keys         [5]ntag424.KeySlot
	Staged       [5]ntag424.KeySlot
	Applied      SlotSet
	InFlight     SlotSet
	Status       Status
	Operation    Operation
	Phase        string
	LastError    string
	RunID        string
	LastModified time.Time
}

// NewRecord returns a factory-state record: all keys zero at version 0.
func NewRecord(uid [7]byte) *Record {
	r := &Record{UID: uid, Status: StatusFactory}
	for i := range r.Keys {
		r.Keys[i].Index = byte(i)
	}
	return r
}

// Clone returns an independent copy.
func (r *Record) Clone() *Record {
	c := *r
	return &c
}

// UIDHex returns the UID as upper-case hex.
func (r *Record) UIDHex() string { return FormatUID(r.UID) }

// Transition moves the record to next if the lifecycle allows it.
func (r *Record) Transition(next Status) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("tag %s: invalid status transition %s -> %s", r.UIDHex(), r.Status, next)
	}
	r.Status = next
	return nil
}

// MarkApplied records a confirmed key change: Keys[slot] takes the staged
// value and the slot leaves InFlight.
func (r *Record) MarkApplied(slot byte) {
	r.Keys[slot] = r.Staged[slot]
	r.Applied = r.Applied.With(slot)
	r.InFlight = r.InFlight.Without(slot)
}

// Finish ends the current run: the staging area is cleared and the
// record moves to next.
func (r *Record) Finish(next Status) error {
	if err := r.Transition(next); err != nil {
		return err
	}
	r.Staged = [5]ntag424.KeySlot{}
	r.Applied, r.InFlight = 0, 0
	r.Operation = ""
	r.Phase, r.LastError = "", ""
	return nil
}

// FormatUID returns uid as upper-case hex.
func FormatUID(uid [7]byte) string { return strings.ToUpper(hex.EncodeToString(uid[:])) }

// ParseUID parses 14 hex characters.
func ParseUID(s string) ([7]byte, error) {
	var uid [7]byte
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return uid, fmt.Errorf("invalid UID hex %q: %w", s, err)
	}
	if len(b) != len(uid) {
		return uid, fmt.Errorf("UID must be 7 bytes, got %d", len(b))
	}
	copy(uid[:], b)
	return uid, nil
}

// Open returns the Store for backend: "sqlite", "yaml" or "memory".
// password only applies to sqlite, where it enables encryption at rest.
func Open(backend, path, password string) (Store, error) {
	switch backend {
	case "sqlite":
		return OpenSQLite(path, password)
	case "yaml":
		return OpenDir(path)
	case "memory", "":
		return NewMemStore(), nil
	}
	return nil, fmt.Errorf("unknown key store backend %q", backend)
}
