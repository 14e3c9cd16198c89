package provision

import (
	"context"
	"errors"

	"github.com/barnettlynn/sdmprov/pkg/keystore"
	"github.com/barnettlynn/sdmprov/pkg/ntag424"
)

// factorySettings is the NDEF file as shipped: SDM off, read and write
// free, settings changeable with key 0.
func factorySettings(fileNo byte, size uint32) ntag424.SDMConfig {
	return ntag424.SDMConfig{
		FileNo:   fileNo,
		FileSize: size,
		CommMode: ntag424.CommPlain,
		Access: ntag424.AccessRights{
			Read:      ntag424.AccessFree,
			Write:     ntag424.AccessFree,
			ReadWrite: ntag424.AccessFree,
			Change:    0,
		},
	}
}

// emptyNDEF is an NDEF file holding no message (NLEN = 0).
var emptyNDEF = []byte{0x00, 0x00}

// Reset returns a tag with a key store record to factory state: slots 1-4
// go back to the factory key first, then SDM is disabled and the NDEF
// message cleared, and slot 0 is changed last. The old values for the
// XOR cryptograms come from the record.
func (c *Coordinator) Reset(ctx context.Context, card ntag424.Card) (*keystore.Record, error) {
	uid, err := identify(card)
	if err != nil {
		return nil, &PhaseError{Phase: PhaseIdentify, Err: err}
	}
	unlock := c.locks.lock(uid)
	defer unlock()

	rec, err := c.Store.Load(ctx, uid)
	if errors.Is(err, keystore.ErrNotFound) {
		return nil, &PhaseError{UID: uid, Phase: PhaseIdentify, Err: ErrUnknownTag}
	}
	if err != nil {
		return nil, &PhaseError{UID: uid, Phase: PhasePersist, Err: err}
	}
	if rec.Status == keystore.StatusFactory && rec.Operation == "" {
		return rec, nil
	}

	r := c.newRun(ctx, card, rec)
	defer r.close()
	r.log.Info("resetting tag", "status", rec.Status, "resume", rec.Operation == keystore.OpReset)

	if err := r.authenticate(); err != nil {
		return r.fail(PhaseAuthenticate, err)
	}
	if err := r.settleInFlight(); err != nil {
		return r.fail(PhaseAuthenticate, err)
	}
	if rec.Operation != keystore.OpReset {
		c.stageReset(rec)
	}
	if err := r.begin(keystore.OpReset); err != nil {
		return r.fail(PhasePersist, err)
	}

	for slot := byte(1); slot <= 4; slot++ {
		if rec.Applied.Has(slot) {
			continue
		}
		if rec.Keys[slot] == rec.Staged[slot] {
			rec.Applied = rec.Applied.With(slot)
			continue
		}
		if err := r.changeKey(slot); err != nil {
			return r.fail(PhaseChangeKey(slot), err)
		}
	}

	cfg := factorySettings(c.SDM.FileNo, c.SDM.FileSize)
	if err := r.configure(&cfg); err != nil {
		return r.fail(PhaseConfigureSDM, err)
	}
	if err := r.sess.WriteData(cfg.FileNo, 0, emptyNDEF, cfg.CommMode); err != nil {
		return r.fail(PhaseWriteTemplate, err)
	}

	if !rec.Applied.Has(0) && rec.Keys[0] != rec.Staged[0] {
		if err := r.changeKey(0); err != nil {
			return r.fail(PhaseChangeMaster, err)
		}
	}

	out, err := r.finish(keystore.StatusFactory)
	if err == nil {
		r.log.Info("tag reset to factory state")
	}
	return out, err
}

// stageReset fills Staged with the factory keys at version 0.
func (c *Coordinator) stageReset(rec *keystore.Record) {
	rec.Applied = 0
	for i := range rec.Staged {
		rec.Staged[i] = ntag424.KeySlot{Index: byte(i)}
	}
	copy(rec.Staged[0].Key[:], c.FactoryKey)
}
