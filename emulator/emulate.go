package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/barnettlynn/sdmprov/pkg/keystore"
	"github.com/barnettlynn/sdmprov/pkg/ntag424"
)

// emulator renders the URL a provisioned tag would produce on a tap,
// using the keys the key store holds for it.
type emulator struct {
	store   keystore.Store
	baseURL string
	mode    ntag424.MirrorMode
	fileKey byte
	metaKey byte
	rand    io.Reader
}

func (e *emulator) generate(ctx context.Context, uid [7]byte, counter uint32) (string, error) {
	rec, err := e.store.Load(ctx, uid)
	if err != nil {
		return "", fmt.Errorf("tag %s: %w", keystore.FormatUID(uid), err)
	}
	if rec.Status != keystore.StatusProvisioned {
		return "", fmt.Errorf("tag %s is %s, not provisioned", rec.UIDHex(), rec.Status)
	}
	fileKey := rec.Keys[e.fileKey].Key[:]
	if e.mode == ntag424.MirrorPlain {
		return ntag424.GenerateSDMURL(e.baseURL, uid[:], counter, fileKey)
	}
	if e.metaKey > 4 {
		return "", fmt.Errorf("encrypted mirroring needs a meta read key slot")
	}
	src := e.rand
	if src == nil {
		src = rand.Reader
	}
	pad := make([]byte, 16)
	if _, err := io.ReadFull(src, pad); err != nil {
		return "", fmt.Errorf("PICC data padding: %w", err)
	}
	return ntag424.GenerateSDMURLEncrypted(e.baseURL, uid[:], counter, rec.Keys[e.metaKey].Key[:], fileKey, pad)
}
