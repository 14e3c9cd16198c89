package provision

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/barnettlynn/sdmprov/pkg/ntag424"
)

// KeySource produces the new key for a slot of a tag.
type KeySource interface {
	Key(uid [7]byte, slot byte) ([16]byte, error)
}

// RandomKeys draws every key from Rand, crypto/rand when nil.
type RandomKeys struct {
	Rand io.Reader
}

func (r RandomKeys) Key(_ [7]byte, _ byte) ([16]byte, error) {
	var k [16]byte
	src := r.Rand
	if src == nil {
		src = rand.Reader
	}
	if _, err := io.ReadFull(src, k[:]); err != nil {
		return k, fmt.Errorf("generate key: %w", err)
	}
	return k, nil
}

// DiversifiedKeys derives keys from a master secret with AN10922:
// CMAC(Master, 01 || UID || NDEF AID || SystemID || slot).
type DiversifiedKeys struct {
	Master   []byte
	SystemID []byte
}

func (d DiversifiedKeys) Key(uid [7]byte, slot byte) ([16]byte, error) {
	var k [16]byte
	sys := append(append([]byte(nil), d.SystemID...), slot)
	out, err := ntag424.DiversifyKey(d.Master, uid[:], ntag424.NDEFAppAID(), sys)
	if err != nil {
		return k, fmt.Errorf("diversify key slot %d: %w", slot, err)
	}
	copy(k[:], out)
	return k, nil
}
