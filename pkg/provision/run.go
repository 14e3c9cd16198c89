package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/barnettlynn/sdmprov/pkg/keystore"
	"github.com/barnettlynn/sdmprov/pkg/ntag424"
)

// run is one provisioning or reset attempt on one tag.
type run struct {
	ctx  context.Context
	c    *Coordinator
	card ntag424.Card
	rec  *keystore.Record
	sess *ntag424.Session
	log  *slog.Logger
}

func (c *Coordinator) newRun(ctx context.Context, card ntag424.Card, rec *keystore.Record) *run {
	rec.RunID = c.runID()
	return &run{
		ctx:  ctx,
		c:    c,
		card: card,
		rec:  rec,
		log:  c.logger().With("uid", rec.UIDHex(), "run_id", rec.RunID),
	}
}

func (r *run) close() {
	if r.sess != nil {
		r.sess.Close()
		r.sess = nil
	}
}

func (r *run) save() error {
	return r.c.Store.Save(r.ctx, r.rec)
}

// fail records phase and err on the record and returns the persisted
// record with the run error.
func (r *run) fail(phase Phase, err error) (*keystore.Record, error) {
	r.close()
	rec := r.rec
	rec.Phase = string(phase)
	rec.LastError = errText(err)
	if rec.Status == keystore.StatusPending {
		_ = rec.Transition(keystore.StatusFailed)
	}
	if serr := r.c.Store.Save(context.WithoutCancel(r.ctx), rec); serr != nil {
		err = errors.Join(err, fmt.Errorf("persist failure: %w", serr))
	}
	r.log.Warn("run failed", "phase", phase, "in_flight", rec.InFlight.Slots(), "err", err)
	return rec.Clone(), &PhaseError{UID: rec.UID, Phase: phase, Err: err}
}

// authenticate opens a session with the master key the record believes
// is on the tag. If a master change was in flight, a rejection earns one
// attempt with the staged master.
func (r *run) authenticate() error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	rec := r.rec
	sess, err := ntag424.AuthenticateEV2First(r.card, rec.Keys[0].Key[:], 0)
	if err == nil {
		if rec.InFlight.Has(0) {
			r.log.Info("master key change did not reach the tag")
			rec.InFlight = rec.InFlight.Without(0)
		}
		r.sess = sess
		return nil
	}
	if !rec.InFlight.Has(0) || ntag424.IsRateLimited(err) || !ntag424.IsAuthError(err) {
		return err
	}
	r.log.Warn("master key rejected while its change was in flight, trying the staged key", "err", err)
	sess, err2 := ntag424.AuthenticateEV2First(r.card, rec.Staged[0].Key[:], 0)
	if err2 != nil {
		return fmt.Errorf("current and staged master keys rejected: %w", err2)
	}
	rec.MarkApplied(0)
	r.sess = sess
	return nil
}

// reauthenticate opens a new session after the master key changed.
func (r *run) reauthenticate() error {
	r.close()
	sess, err := ntag424.AuthenticateEV2First(r.card, r.rec.Keys[0].Key[:], 0)
	if err != nil {
		return err
	}
	r.sess = sess
	return nil
}

// settleInFlight resolves application keys whose change had no confirmed
// outcome by reading the slot's key version.
func (r *run) settleInFlight() error {
	rec := r.rec
	for _, slot := range rec.InFlight.Slots() {
		if slot == 0 {
			continue
		}
		v, err := r.sess.GetKeyVersion(slot)
		if err != nil {
			return err
		}
		if v == rec.Staged[slot].Version && v != rec.Keys[slot].Version {
			r.log.Info("in-flight key change took effect", "slot", slot, "version", v)
			rec.MarkApplied(slot)
		} else {
			r.log.Info("in-flight key change did not take effect", "slot", slot, "version", v)
			rec.InFlight = rec.InFlight.Without(slot)
		}
	}
	return nil
}

// begin moves the record to pending for op and persists it. Nothing has
// been changed on the tag before this write succeeds.
func (r *run) begin(op keystore.Operation) error {
	rec := r.rec
	rec.Operation = op
	rec.Phase, rec.LastError = "", ""
	if rec.Status != keystore.StatusPending {
		if err := rec.Transition(keystore.StatusPending); err != nil {
			return err
		}
	}
	return r.save()
}

// changeKey moves slot to its staged value, bracketed by record writes.
func (r *run) changeKey(slot byte) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	rec := r.rec
	rec.InFlight = rec.InFlight.With(slot)
	if err := r.save(); err != nil {
		rec.InFlight = rec.InFlight.Without(slot)
		return fmt.Errorf("persist in-flight slot %d: %w", slot, err)
	}
	next := rec.Staged[slot]
	var old []byte
	if slot != r.sess.KeyNo() {
		old = rec.Keys[slot].Key[:]
	}
	if err := r.sess.ChangeKey(slot, next.Key[:], next.Version, old); err != nil {
		if changeDefinitelyRejected(err) {
			rec.InFlight = rec.InFlight.Without(slot)
		}
		return err
	}
	rec.MarkApplied(slot)
	r.log.Info("key changed", "slot", slot, "version", next.Version)
	if err := r.save(); err != nil {
		return fmt.Errorf("slot %d changed but not persisted: %w", slot, err)
	}
	return nil
}

// configure writes cfg and reads the settings back.
func (r *run) configure(cfg *ntag424.SDMConfig) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	if err := r.sess.ChangeFileSettings(cfg); err != nil {
		return err
	}
	fs, err := r.sess.GetFileSettings(cfg.FileNo)
	if err != nil {
		return err
	}
	if got := fs.SDMConfig(cfg.FileNo); got != *cfg {
		return fmt.Errorf("file %d settings read back as %+v", cfg.FileNo, got)
	}
	return nil
}

// finish closes the run with the record in state next.
func (r *run) finish(next keystore.Status) (*keystore.Record, error) {
	r.close()
	if err := r.rec.Finish(next); err != nil {
		return r.rec.Clone(), &PhaseError{UID: r.rec.UID, Phase: PhasePersist, Err: err}
	}
	if err := r.save(); err != nil {
		return r.rec.Clone(), &PhaseError{UID: r.rec.UID, Phase: PhasePersist, Err: err}
	}
	return r.rec.Clone(), nil
}
