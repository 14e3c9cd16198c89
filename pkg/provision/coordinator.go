// Package provision drives NTAG 424 DNA tags from factory state to
// per-tag keys with SDM, and back.
//
// Every key change is bracketed by key store writes: the slot is marked
// in flight before ChangeKey is sent and applied once the tag confirms
// it. A run that dies in between leaves enough in the record for the
// next run to find out which key the tag holds.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/barnettlynn/sdmprov/pkg/keystore"
	"github.com/barnettlynn/sdmprov/pkg/ntag424"
)

// DefaultRotateSlots are the application keys replaced besides the master.
var DefaultRotateSlots = []byte{1, 3}

// Coordinator provisions and resets tags, keeping the key store in step
// with what is on each tag. Runs on the same UID are serialised; runs on
// different UIDs may proceed in parallel, each on its own Card.
type Coordinator struct {
	Store keystore.Store
	Keys  KeySource

	// SDM is written to the NDEF file after the keys are changed, followed
	// by Template.
	SDM      ntag424.SDMConfig
	Template []byte

	// FactoryKey is the master key assumed for tags with no record. Nil
	// means the all-zero transport key.
	FactoryKey []byte

	// RotateSlots lists the slots other than 0 that receive new keys.
	RotateSlots []byte

	// Reprovision allows a run on a tag whose record is provisioned.
	Reprovision bool

	Logger *slog.Logger

	locks    uidLocks
	newRunID func() string
}

// New returns a coordinator that configures cfg with the offsets of tpl
// and writes tpl's NDEF image.
func New(store keystore.Store, keys KeySource, cfg ntag424.SDMConfig, tpl *ntag424.SDMNDEF) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("provision: nil key store")
	}
	if keys == nil {
		return nil, errors.New("provision: nil key source")
	}
	if tpl == nil {
		return nil, errors.New("provision: nil NDEF template")
	}
	tpl.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sdm settings: %w", err)
	}
	if len(tpl.NDEF) > int(cfg.FileSize) {
		return nil, fmt.Errorf("NDEF template is %d bytes, file %d holds %d", len(tpl.NDEF), cfg.FileNo, cfg.FileSize)
	}
	if !masterCanWrite(cfg.Access) {
		return nil, fmt.Errorf("sdm access: write or read-write must be key 0 or free so the template can be written")
	}
	return &Coordinator{
		Store:       store,
		Keys:        keys,
		SDM:         cfg,
		Template:    append([]byte(nil), tpl.NDEF...),
		RotateSlots: slices.Clone(DefaultRotateSlots),
	}, nil
}

func masterCanWrite(a ntag424.AccessRights) bool {
	ok := func(n byte) bool { return n == 0 || n == ntag424.AccessFree }
	return ok(a.Write) || ok(a.ReadWrite)
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Coordinator) runID() string {
	if c.newRunID != nil {
		return c.newRunID()
	}
	return uuid.NewString()
}

func (c *Coordinator) rotateSlots() []byte {
	var out []byte
	for _, s := range c.RotateSlots {
		if s >= 1 && s <= 4 && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out
}

// identify selects the NDEF application and reads the UID.
func identify(card ntag424.Card) ([7]byte, error) {
	var uid [7]byte
	if err := ntag424.SelectNDEFApp(card); err != nil {
		return uid, fmt.Errorf("select NDEF app: %w", err)
	}
	v, err := ntag424.GetVersion(card)
	if err != nil {
		return uid, fmt.Errorf("get version: %w", err)
	}
	if len(v.UID) != len(uid) {
		return uid, fmt.Errorf("tag reported a %d-byte UID", len(v.UID))
	}
	copy(uid[:], v.UID)
	return uid, nil
}

func (c *Coordinator) loadOrCreate(ctx context.Context, uid [7]byte) (*keystore.Record, error) {
	rec, err := c.Store.Load(ctx, uid)
	if errors.Is(err, keystore.ErrNotFound) {
		rec = keystore.NewRecord(uid)
		copy(rec.Keys[0].Key[:], c.FactoryKey)
		return rec, nil
	}
	return rec, err
}

// Provision brings the tag on card to the provisioned state: new master
// key, new keys in RotateSlots, SDM settings and the NDEF template. A run
// left unfinished by an earlier call is resumed with its staged keys.
//
// Errors from a started run are *PhaseError. The record returned is the
// last persisted state and is non-nil once the record has been loaded.
func (c *Coordinator) Provision(ctx context.Context, card ntag424.Card) (*keystore.Record, error) {
	uid, err := identify(card)
	if err != nil {
		return nil, &PhaseError{Phase: PhaseIdentify, Err: err}
	}
	unlock := c.locks.lock(uid)
	defer unlock()

	rec, err := c.loadOrCreate(ctx, uid)
	if err != nil {
		return nil, &PhaseError{UID: uid, Phase: PhasePersist, Err: err}
	}
	if rec.Operation == keystore.OpReset {
		return rec, &PhaseError{UID: uid, Phase: PhaseIdentify, Err: fmt.Errorf("%w: reset", ErrRunMismatch)}
	}
	if rec.Status == keystore.StatusProvisioned && !c.Reprovision {
		return rec, &PhaseError{UID: uid, Phase: PhaseIdentify, Err: ErrAlreadyProvisioned}
	}

	r := c.newRun(ctx, card, rec)
	defer r.close()
	r.log.Info("provisioning tag", "status", rec.Status, "resume", rec.Operation == keystore.OpProvision)

	if err := r.authenticate(); err != nil {
		return r.fail(PhaseAuthenticate, err)
	}
	if err := r.settleInFlight(); err != nil {
		return r.fail(PhaseAuthenticate, err)
	}
	if rec.Operation != keystore.OpProvision {
		if err := c.stageProvision(rec); err != nil {
			return r.fail(PhaseAuthenticate, err)
		}
	}
	if err := r.begin(keystore.OpProvision); err != nil {
		return r.fail(PhasePersist, err)
	}

	if !rec.Applied.Has(0) {
		if err := r.changeKey(0); err != nil {
			return r.fail(PhaseChangeMaster, err)
		}
		if err := r.reauthenticate(); err != nil {
			return r.fail(PhaseReauthenticate, err)
		}
	}
	for _, slot := range c.rotateSlots() {
		if rec.Applied.Has(slot) {
			continue
		}
		if err := r.changeKey(slot); err != nil {
			return r.fail(PhaseChangeKey(slot), err)
		}
	}

	cfg := c.SDM
	if err := r.configure(&cfg); err != nil {
		return r.fail(PhaseConfigureSDM, err)
	}
	w := &ntag424.NDEFWriter{Session: r.sess, FileNo: cfg.FileNo, Comm: cfg.CommMode}
	if err := w.Write(c.Template); err != nil {
		return r.fail(PhaseWriteTemplate, err)
	}

	out, err := r.finish(keystore.StatusProvisioned)
	if err == nil {
		r.log.Info("tag provisioned", "slots", append([]byte{0}, c.rotateSlots()...))
	}
	return out, err
}

// stageProvision fills Staged with the target keys of a provisioning run.
func (c *Coordinator) stageProvision(rec *keystore.Record) error {
	rec.Staged = rec.Keys
	rec.Applied = 0
	for _, slot := range append([]byte{0}, c.rotateSlots()...) {
		key, err := c.Keys.Key(rec.UID, slot)
		if err != nil {
			return err
		}
		rec.Staged[slot] = ntag424.KeySlot{Index: slot, Key: key, Version: rec.Keys[slot].Version + 1}
	}
	return nil
}
