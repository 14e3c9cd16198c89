package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/barnettlynn/sdmprov/pkg/keystore"
	"github.com/barnettlynn/sdmprov/pkg/ntag424"
	"github.com/barnettlynn/sdmprov/pkg/provision"
)

// station provisions every tag placed on its readers until the context
// ends. In once mode each reader handles a single tag.
type station struct {
	coord   *provision.Coordinator
	reg     *registrar
	url     string
	batchID string
	notes   string
	once    bool

	provisioned atomic.Int64
	failed      atomic.Int64
}

func (s *station) run(ctx context.Context, readerIdx int) error {
	w, err := ntag424.WatchReader(readerIdx)
	if err != nil {
		return err
	}
	defer w.Close()
	log := slog.With("reader", w.Reader)
	fmt.Printf("Using reader [%d]: %s\n", readerIdx, w.Reader)

	for {
		log.Info("waiting for tag")
		if err := w.WaitPresent(ctx); err != nil {
			return ignoreCanceled(err)
		}
		rec, err := s.provisionOne(ctx, readerIdx)
		s.report(log, rec, err)
		if s.once {
			return err
		}
		log.Info("remove tag")
		if err := w.WaitRemoved(ctx); err != nil {
			return ignoreCanceled(err)
		}
	}
}

func (s *station) provisionOne(ctx context.Context, readerIdx int) (*keystore.Record, error) {
	conn, err := ntag424.Connect(readerIdx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := conn.Begin(); err != nil {
		return nil, err
	}
	defer conn.End()

	rec, err := s.coord.Provision(ctx, conn)
	if err != nil {
		return rec, err
	}
	if s.reg.enabled() {
		if err := s.reg.register(ctx, newRegistration(rec, s.url, s.batchID, s.notes)); err != nil {
			return rec, fmt.Errorf("register tag %s: %w", rec.UIDHex(), err)
		}
	}
	return rec, nil
}

func (s *station) report(log *slog.Logger, rec *keystore.Record, err error) {
	switch {
	case err == nil:
		s.provisioned.Add(1)
		fmt.Printf("Provisioned %s (run %s)\n", rec.UIDHex(), rec.RunID)
	case errors.Is(err, provision.ErrAlreadyProvisioned):
		log.Warn("tag already provisioned, skipping", "error", err)
	case errors.Is(err, provision.ErrRateLimited):
		s.failed.Add(1)
		log.Error("tag is delaying authentication; leave it powered and retry later", "error", err)
	default:
		s.failed.Add(1)
		attrs := []any{"error", err}
		if phase, ok := provision.FailedPhase(err); ok {
			attrs = append(attrs, "phase", phase)
		}
		log.Error("provisioning failed", attrs...)
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
