package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/barnettlynn/sdmprov/pkg/keystore"
	"github.com/barnettlynn/sdmprov/pkg/ntag424"
)

// errNoMatchingTag means no provisioned record produced an enciphered URL.
var errNoMatchingTag = errors.New("no provisioned tag in the key store produced this URL")

// errNotProvisioned means the URL names a tag whose record is not in the
// provisioned state, so its stored keys are not trusted.
var errNotProvisioned = errors.New("tag is not provisioned")

// verifier checks tapped URLs against the keys held in the key store.
type verifier struct {
	store   keystore.Store
	fileKey byte
	metaKey byte
}

// verify authenticates rawURL and returns the tap with the record of the
// tag that produced it. Plain URLs name their UID; enciphered ones are
// tried against every provisioned record.
func (v *verifier) verify(ctx context.Context, rawURL string) (*ntag424.TapResult, *keystore.Record, error) {
	parsed, err := ntag424.ParseSDMURL(rawURL)
	if err != nil {
		return nil, nil, err
	}
	if parsed.PICC == "" {
		uid, err := keystore.ParseUID(parsed.UID)
		if err != nil {
			return nil, nil, err
		}
		rec, err := v.store.Load(ctx, uid)
		if err != nil {
			return nil, nil, fmt.Errorf("tag %s: %w", parsed.UID, err)
		}
		if rec.Status != keystore.StatusProvisioned {
			return nil, rec, fmt.Errorf("tag %s is %s: %w", rec.UIDHex(), rec.Status, errNotProvisioned)
		}
		tap, err := ntag424.VerifySDMMAC(rawURL, rec.Keys[v.fileKey].Key[:])
		if err != nil {
			return nil, rec, err
		}
		return tap, rec, nil
	}

	if v.metaKey > 4 {
		return nil, nil, fmt.Errorf("URL carries enciphered PICC data but the meta read key is not a key slot")
	}
	recs, err := v.store.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, rec := range recs {
		if rec.Status != keystore.StatusProvisioned {
			continue
		}
		tap, err := ntag424.VerifySDMMACEncrypted(rawURL, rec.Keys[v.metaKey].Key[:], rec.Keys[v.fileKey].Key[:])
		if err != nil {
			continue
		}
		if keystore.FormatUID(rec.UID) != fmt.Sprintf("%X", tap.UID) {
			continue
		}
		return tap, rec, nil
	}
	return nil, nil, errNoMatchingTag
}

// tap reads the NDEF URL off card, which advances its SDM counter, and
// verifies it.
func (v *verifier) tap(ctx context.Context, card ntag424.Card) (string, *ntag424.TapResult, *keystore.Record, error) {
	u, err := ntag424.ReadNDEFURL(card)
	if err != nil {
		return "", nil, nil, fmt.Errorf("read NDEF: %w", err)
	}
	tap, rec, err := v.verify(ctx, u)
	return u, tap, rec, err
}

// inspect prints the NDEF file settings, read with the master key, and
// the SDM read counter, read with the counter retrieval key.
func inspect(w io.Writer, card ntag424.Card, rec *keystore.Record, fileNo byte) error {
	if err := ntag424.SelectNDEFApp(card); err != nil {
		return fmt.Errorf("select NDEF app: %w", err)
	}
	sess, err := ntag424.Authenticate(card, rec.Keys[0].Key[:], 0, nil)
	if err != nil {
		return fmt.Errorf("authenticate with master key: %w", err)
	}
	defer sess.Close()
	fs, err := sess.GetFileSettings(fileNo)
	if err != nil {
		return err
	}
	ntag424.FormatFileSettings(w, "CURRENT", fileNo, fs)
	if !fs.SDMEnabled() || fs.SDMCtr == ntag424.AccessDenied {
		return nil
	}

	ctrSess := sess
	if fs.SDMCtr != 0 && fs.SDMCtr <= 4 {
		ctrSess, err = ntag424.Authenticate(card, rec.Keys[fs.SDMCtr].Key[:], fs.SDMCtr, sess)
		if err != nil {
			return fmt.Errorf("authenticate with counter key %d: %w", fs.SDMCtr, err)
		}
		defer ctrSess.Close()
	}
	ctr, err := ctrSess.GetFileCounters(fileNo)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  SDM read counter:   %d\n", ctr)
	return nil
}

func listRecords(ctx context.Context, w io.Writer, store keystore.Store) error {
	recs, err := store.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UID\tSTATUS\tVERSIONS\tPENDING\tMODIFIED")
	for _, rec := range recs {
		pending := "-"
		if rec.Operation != "" {
			pending = fmt.Sprintf("%s@%s", rec.Operation, rec.Phase)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d/%d/%d/%d\t%s\t%s\n", rec.UIDHex(), rec.Status,
			rec.Keys[0].Version, rec.Keys[1].Version, rec.Keys[2].Version, rec.Keys[3].Version, rec.Keys[4].Version,
			pending, rec.LastModified.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}
