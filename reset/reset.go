package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/barnettlynn/sdmprov/internal/cli"
	"github.com/barnettlynn/sdmprov/pkg/keystore"
	"github.com/barnettlynn/sdmprov/pkg/ntag424"
	"github.com/barnettlynn/sdmprov/pkg/provision"
)

// resetTag shows what the key store knows about the tag on conn, asks for
// confirmation and returns the tag to factory keys and settings.
func resetTag(ctx context.Context, coord *provision.Coordinator, conn *ntag424.Connection, assumeYes bool) (*keystore.Record, error) {
	if err := ntag424.SelectNDEFApp(conn); err != nil {
		return nil, fmt.Errorf("select NDEF app: %w", err)
	}
	v, err := ntag424.GetVersion(conn)
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	var uid [7]byte
	if len(v.UID) != len(uid) {
		return nil, fmt.Errorf("tag reported a %d-byte UID", len(v.UID))
	}
	copy(uid[:], v.UID)
	rec, err := coord.Store.Load(ctx, uid)
	if errors.Is(err, keystore.ErrNotFound) {
		return nil, fmt.Errorf("tag %s: %w", keystore.FormatUID(uid), provision.ErrUnknownTag)
	}
	if err != nil {
		return nil, err
	}
	printRecord(rec)

	if rec.Status == keystore.StatusFactory && rec.Operation == "" {
		fmt.Println("Tag is already in factory state")
		return rec, nil
	}
	if err := cli.Confirm(fmt.Sprintf("Reset tag %s to factory keys?", rec.UIDHex()), assumeYes); err != nil {
		return nil, err
	}
	return coord.Reset(ctx, conn)
}

func printRecord(rec *keystore.Record) {
	fmt.Printf("Tag UID: %s\n", rec.UIDHex())
	fmt.Printf("  Status:    %s\n", rec.Status)
	if rec.Operation != "" {
		fmt.Printf("  Unfinished %s run %s (phase %q)\n", rec.Operation, rec.RunID, rec.Phase)
	}
	if rec.LastError != "" {
		fmt.Printf("  Last error: %s\n", rec.LastError)
	}
	for _, k := range rec.Keys {
		fmt.Printf("  Key %d:     version %d\n", k.Index, k.Version)
	}
}
