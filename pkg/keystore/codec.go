package keystore

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/barnettlynn/sdmprov/pkg/ntag424"
)

// document is the YAML form of a Record. Keys are hex strings so a record
// file can be read and edited by hand.
type document struct {
	UID          string    `yaml:"uid"`
	Status       Status    `yaml:"status"`
	Operation    Operation `yaml:"operation,omitempty"`
	Phase        string    `yaml:"phase,omitempty"`
	LastError    string    `yaml:"last_error,omitempty"`
	RunID        string    `yaml:"run_id,omitempty"`
	Applied      []int     `yaml:"applied,omitempty,flow"`
	InFlight     []int     `yaml:"in_flight,omitempty,flow"`
	Keys         []slotDoc `yaml:"keys"`
	Staged       []slotDoc `yaml:"staged,omitempty"`
	LastModified time.Time `yaml:"last_modified"`
}

type slotDoc struct {
	Slot    int    `yaml:"slot"`
	Key     string `yaml:"key"`
	Version int    `yaml:"version"`
}

func slotDocs(slots [5]ntag424.KeySlot) []slotDoc {
	out := make([]slotDoc, len(slots))
	for i, s := range slots {
		out[i] = slotDoc{Slot: i, Key: strings.ToUpper(hex.EncodeToString(s.Key[:])), Version: int(s.Version)}
	}
	return out
}

func (d slotDoc) slot() (ntag424.KeySlot, error) {
	var ks ntag424.KeySlot
	if d.Slot < 0 || d.Slot > 4 {
		return ks, fmt.Errorf("slot %d out of range 0..4", d.Slot)
	}
	if d.Version < 0 || d.Version > 0xFF {
		return ks, fmt.Errorf("slot %d: version %d out of range", d.Slot, d.Version)
	}
	key, err := ntag424.ParseKeyHex(d.Key)
	if err != nil {
		return ks, fmt.Errorf("slot %d: %w", d.Slot, err)
	}
	ks.Index = byte(d.Slot)
	copy(ks.Key[:], key)
	ks.Version = byte(d.Version)
	return ks, nil
}

func slotsFromDocs(docs []slotDoc) ([5]ntag424.KeySlot, error) {
	var out [5]ntag424.KeySlot
	var seen SlotSet
	for _, d := range docs {
		ks, err := d.slot()
		if err != nil {
			return out, err
		}
		if seen.Has(ks.Index) {
			return out, fmt.Errorf("slot %d listed twice", ks.Index)
		}
		seen = seen.With(ks.Index)
		out[ks.Index] = ks
	}
	return out, nil
}

func encodeRecord(r *Record) ([]byte, error) {
	d := document{
		UID:          r.UIDHex(),
		Status:       r.Status,
		Operation:    r.Operation,
		Phase:        r.Phase,
		LastError:    r.LastError,
		RunID:        r.RunID,
		Applied:      r.Applied.ints(),
		InFlight:     r.InFlight.ints(),
		Keys:         slotDocs(r.Keys),
		LastModified: r.LastModified.UTC(),
	}
	if r.Operation != "" || r.Staged != ([5]ntag424.KeySlot{}) {
		d.Staged = slotDocs(r.Staged)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&d); err != nil {
		return nil, fmt.Errorf("encode record %s: %w", d.UID, err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (*Record, error) {
	var d document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	uid, err := ParseUID(d.UID)
	if err != nil {
		return nil, err
	}
	st, err := ParseStatus(string(d.Status))
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", d.UID, err)
	}
	r := &Record{
		UID:          uid,
		Status:       st,
		Operation:    d.Operation,
		Phase:        d.Phase,
		LastError:    d.LastError,
		RunID:        d.RunID,
		LastModified: d.LastModified.UTC(),
	}
	if r.Applied, err = slotSetOf(d.Applied); err != nil {
		return nil, fmt.Errorf("record %s: applied: %w", d.UID, err)
	}
	if r.InFlight, err = slotSetOf(d.InFlight); err != nil {
		return nil, fmt.Errorf("record %s: in_flight: %w", d.UID, err)
	}
	if r.Keys, err = slotsFromDocs(d.Keys); err != nil {
		return nil, fmt.Errorf("record %s: keys: %w", d.UID, err)
	}
	if r.Staged, err = slotsFromDocs(d.Staged); err != nil {
		return nil, fmt.Errorf("record %s: staged: %w", d.UID, err)
	}
	switch r.Operation {
	case "", OpProvision, OpReset:
	default:
		return nil, fmt.Errorf("record %s: unknown operation %q", d.UID, r.Operation)
	}
	for i := range r.Keys {
		r.Keys[i].Index = byte(i)
	}
	return r, nil
}
